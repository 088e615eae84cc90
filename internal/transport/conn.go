// Package transport wraps one websocket connection per editor tab with a
// buffered, non-blocking outbound path. Slow or dead clients fail Send
// instead of stalling the document session that publishes to them.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 128
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingEvery    = 30 * time.Second
)

// ErrClientGone is returned by Send when the connection has closed or its
// outbound buffer overflowed.
var ErrClientGone = errors.New("client connection gone")

// Conn is one connected client tab.
type Conn struct {
	id   string
	name string
	ws   *websocket.Conn

	send chan []byte
	stop chan struct{}
	once sync.Once
}

// NewConn wraps an upgraded websocket and starts its write pump. Read
// deadlines and the pong handler are installed here, before the caller's
// read loop takes over the connection; the write pump never touches the
// read side.
func NewConn(ws *websocket.Conn, clientID, displayName string) *Conn {
	c := &Conn{
		id:   clientID,
		name: displayName,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		stop: make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.writePump()
	return c
}

func (c *Conn) ClientID() string    { return c.id }
func (c *Conn) DisplayName() string { return c.name }

// Send enqueues a frame for delivery. It never blocks: a full buffer means
// the client is not keeping up and the frame (and client) are dropped.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.stop:
		return ErrClientGone
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return ErrClientGone
	}
}

// ReadFrame blocks for the next inbound frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
