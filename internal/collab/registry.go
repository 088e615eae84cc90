package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coauthor/api/internal/agent"
	"coauthor/api/internal/crdt"
	"coauthor/api/internal/debounce"
	"coauthor/api/internal/metrics"
	"coauthor/api/internal/presence"
	"coauthor/api/internal/relay"
	"coauthor/api/internal/snapshot"
)

// ErrRegistryClosed is returned by Join during shutdown.
var ErrRegistryClosed = errors.New("registry closed")

// Options configures the registry and the sub-components it wires for its
// sessions.
type Options struct {
	Store     snapshot.Store
	Codec     crdt.Codec
	Generator agent.Generator

	DebounceInterval time.Duration
	SaveRetryBackoff time.Duration
	PresenceTTL      time.Duration
	PresenceSweep    time.Duration
	QueryTimeout     time.Duration
}

// Registry is the only globally shared mutable structure: the document id to
// session map. Registration is insert-if-absent under one lock; two joins
// racing to create a session resolve by the loser discarding its half-built
// session and attaching to the winner.
type Registry struct {
	store     snapshot.Store
	codec     crdt.Codec
	generator agent.Generator

	relay        *relay.Relay
	presence     *presence.Tracker
	debouncer    *debounce.Debouncer
	queryTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry wires the relay, presence tracker, and save debouncer around
// the supplied store, codec, and generator.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store:        opts.Store,
		codec:        opts.Codec,
		generator:    opts.Generator,
		queryTimeout: opts.QueryTimeout,
		sessions:     make(map[string]*Session),
	}
	r.relay = relay.New(r.evictSubscriber)
	r.presence = presence.New(r.relay, opts.PresenceTTL, opts.PresenceSweep)
	r.debouncer = debounce.New(opts.DebounceInterval, opts.SaveRetryBackoff, r.persistDoc, r.persistFailed)
	return r
}

// Relay exposes the registry's relay, mainly for tests.
func (r *Registry) Relay() *relay.Relay { return r.relay }

// Join attaches a client to the document's session, creating the session on
// first join. It retries transparently when it catches a session mid-drain.
func (r *Registry) Join(ctx context.Context, docID string, c Client) (*Session, error) {
	for {
		s, err := r.acquire(ctx, docID)
		if err != nil {
			return nil, err
		}
		if err := s.join(c); err == nil {
			return s, nil
		}
		// The session drained between acquire and join; go again.
	}
}

func (r *Registry) acquire(ctx context.Context, docID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Build outside the lock: loading the snapshot may hit the database.
	fresh, err := r.buildSession(ctx, docID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.sessions[docID] = fresh
	r.mu.Unlock()

	fresh.start()
	metrics.ActiveSessions.Inc()
	log.Printf("session %s created", docID)
	return fresh, nil
}

func (r *Registry) buildSession(ctx context.Context, docID string) (*Session, error) {
	blob, version, err := r.store.Load(ctx, docID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return newSession(r, docID, nil, 0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", docID, err)
	}
	return newSession(r, docID, blob, version), nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.docID] == s {
		delete(r.sessions, s.docID)
	}
	r.mu.Unlock()
}

func (r *Registry) lookup(docID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[docID]
}

// persistDoc is the debouncer's persistence callback.
func (r *Registry) persistDoc(ctx context.Context, docID string) error {
	s := r.lookup(docID)
	if s == nil {
		// Session drained before the timer fired; the drain flushed.
		return nil
	}
	return s.Persist(ctx)
}

// persistFailed surfaces a save that failed even after the retry.
func (r *Registry) persistFailed(docID string, err error) {
	if s := r.lookup(docID); s != nil {
		s.notifySaveError(err)
	}
}

// evictSubscriber is the relay's delivery-failure hook. The leave is posted
// from a fresh goroutine because the failure may surface while the
// session's own worker is mid-publish.
func (r *Registry) evictSubscriber(docID, clientID string) {
	if s := r.lookup(docID); s != nil {
		go s.Leave(clientID)
	}
}

// Close drains every active session (flushing pending saves) and stops the
// shared sub-components. Further joins fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	active := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		active = append(active, s)
	}
	r.mu.Unlock()

	var firstErr error
	for _, s := range active {
		if err := s.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.presence.Close()
	r.debouncer.Close()
	return firstErr
}
