// Package presence tracks ephemeral cursor/selection state per document and
// client. Presence is advisory: it is never persisted, a missed delivery
// self-corrects on the next update, and entries vanish when their client
// disconnects or goes quiet.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"coauthor/api/internal/relay"
	"coauthor/api/internal/wire"
)

// State is one client's last-known presence on a document.
type State struct {
	ClientID    string          `json:"clientId"`
	DisplayName string          `json:"displayName"`
	Cursor      json.RawMessage `json:"cursor"`
	UpdatedAt   time.Time       `json:"-"`
}

// Tracker stores presence entries keyed by (document, client) and broadcasts
// each change through the relay. A periodic sweep evicts entries whose
// client went silent without a disconnect notification.
type Tracker struct {
	relay *relay.Relay
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]map[string]State

	stop chan struct{}
	once sync.Once
}

// New creates a tracker and starts its inactivity sweep. ttl is how long an
// entry may go without updates before eviction; sweepEvery is the sweep
// period.
func New(r *relay.Relay, ttl, sweepEvery time.Duration) *Tracker {
	t := &Tracker{
		relay:   r,
		ttl:     ttl,
		entries: make(map[string]map[string]State),
		stop:    make(chan struct{}),
	}
	go t.sweep(sweepEvery)
	return t
}

// Update stores the cursor descriptor and republishes it to the document's
// other subscribers. Fire-and-forget: delivery failures are not retried.
func (t *Tracker) Update(docID, clientID, displayName string, cursor json.RawMessage) {
	t.mu.Lock()
	m := t.entries[docID]
	if m == nil {
		m = make(map[string]State)
		t.entries[docID] = m
	}
	m[clientID] = State{ClientID: clientID, DisplayName: displayName, Cursor: cursor, UpdatedAt: time.Now()}
	t.mu.Unlock()

	t.relay.Publish(docID, clientID, wire.Envelope{
		Kind:   wire.KindPresenceUpdate,
		Client: clientID,
		Name:   displayName,
		Cursor: cursor,
	}.Marshal())
}

// Evict removes the entry and broadcasts its removal. Evicting an unknown
// entry is a no-op with no broadcast.
func (t *Tracker) Evict(docID, clientID string) {
	t.mu.Lock()
	m := t.entries[docID]
	_, existed := m[clientID]
	delete(m, clientID)
	if len(m) == 0 {
		delete(t.entries, docID)
	}
	t.mu.Unlock()

	if existed {
		t.relay.Publish(docID, clientID, wire.Envelope{
			Kind:   wire.KindPresenceRemove,
			Client: clientID,
		}.Marshal())
	}
}

// Snapshot returns the current presence entries for a document, for sending
// to a newly joined client.
func (t *Tracker) Snapshot(docID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.entries[docID]))
	for _, st := range t.entries[docID] {
		out = append(out, st)
	}
	return out
}

// Close stops the inactivity sweep.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Tracker) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.evictStale(now)
		}
	}
}

func (t *Tracker) evictStale(now time.Time) {
	type stale struct{ docID, clientID string }
	var expired []stale

	t.mu.Lock()
	for docID, m := range t.entries {
		for clientID, st := range m {
			if now.Sub(st.UpdatedAt) > t.ttl {
				expired = append(expired, stale{docID, clientID})
			}
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.Evict(e.docID, e.clientID)
	}
}
