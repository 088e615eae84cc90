// Package app exposes the HTTP surface: health and readiness probes, the
// Prometheus endpoint, and the websocket that carries all collaboration
// traffic for a document.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coauthor/api/internal/collab"
	"coauthor/api/internal/snapshot"
	"coauthor/api/internal/transport"
	"coauthor/api/internal/util"
	"coauthor/api/internal/wire"
)

type HTTPServer struct {
	registry   *collab.Registry
	store      snapshot.Store
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(registry *collab.Registry, store snapshot.Store, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		registry:   registry,
		store:      store,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	// The websocket route skips the logging middleware: the status recorder
	// does not implement http.Hijacker, which the upgrade needs.
	mux.HandleFunc("/api/collab", s.handleCollab)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"snapshots": map[string]any{"status": "ok"},
		}

		if err := s.store.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["snapshots"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleCollab upgrades the connection and runs the read loop for one tab.
// The write side lives in transport.Conn; the session publishes to it
// through the relay.
func (s *HTTPServer) handleCollab(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimSpace(r.URL.Query().Get("doc"))
	if docID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "doc query parameter is required", nil)
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" {
		clientID = util.NewID("client")
	}
	displayName := strings.TrimSpace(r.URL.Query().Get("name"))
	if displayName == "" {
		displayName = clientID
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: websocket upgrade failed for doc=%s: %v", docID, err)
		return
	}

	conn := transport.NewConn(ws, clientID, displayName)
	sess, err := s.registry.Join(r.Context(), docID, conn)
	if err != nil {
		log.Printf("WARNING: join failed for doc=%s client=%s: %v", docID, clientID, err)
		conn.Close()
		return
	}

	defer func() {
		sess.Leave(clientID)
		conn.Close()
	}()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			log.Printf("WARNING: bad frame from client=%s doc=%s: %v", clientID, docID, err)
			continue
		}
		if !s.dispatch(sess, clientID, env) {
			return
		}
	}
}

// dispatch routes one inbound frame. Returns false when the client asked to
// leave and the loop should end.
func (s *HTTPServer) dispatch(sess *collab.Session, clientID string, env wire.Envelope) bool {
	switch env.Kind {
	case wire.KindContentDelta:
		sess.ContentDelta(clientID, env.Payload)
	case wire.KindPresenceUpdate:
		sess.PresenceUpdate(clientID, env.Cursor)
	case wire.KindQueryStart:
		if env.Query == nil {
			log.Printf("WARNING: query_start without query frame from client=%s", clientID)
			return true
		}
		sess.StartQuery(clientID, env.Query.ID, env.Query.Anchor, env.Query.Question)
	case wire.KindQueryCancel:
		if env.Query == nil {
			log.Printf("WARNING: query_cancel without query frame from client=%s", clientID)
			return true
		}
		sess.CancelQuery(clientID, env.Query.ID)
	case wire.KindLeave:
		return false
	default:
		log.Printf("WARNING: unexpected frame kind %q from client=%s", env.Kind, clientID)
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
