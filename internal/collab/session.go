// Package collab coordinates real-time editing of one document: it owns the
// relay subscription, presence, debounced persistence, and in-flight AI
// queries for every open document, and serializes all mutations per
// document through a single worker goroutine.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"coauthor/api/internal/agent"
	"coauthor/api/internal/content"
	"coauthor/api/internal/metrics"
	"coauthor/api/internal/util"
	"coauthor/api/internal/wire"
)

// ErrSessionClosed is returned when an operation is posted to a session that
// has already drained and deregistered. Callers go back through the registry
// which will build a fresh session.
var ErrSessionClosed = errors.New("document session closed")

// Client is one connected editor tab. Send must not block; it enqueues to
// the client's outbound buffer and fails when the client cannot keep up.
type Client interface {
	ClientID() string
	DisplayName() string
	Send(frame []byte) error
}

const inboxSize = 256

// Session is the per-document actor. All state below the inbox is owned by
// the worker goroutine: operations are posted as closures and processed
// strictly one at a time, which is what guarantees that relay order matches
// arrival order and that snapshot merges never race.
type Session struct {
	docID string
	reg   *Registry

	inbox chan func()
	done  chan struct{}

	// Worker-owned state.
	clients  map[string]Client
	snapshot []byte
	version  int64
	queries  map[string]*agent.Orchestrator
	draining bool
}

// DocID returns the document this session coordinates.
func (s *Session) DocID() string { return s.docID }

func newSession(reg *Registry, docID string, snapshot []byte, version int64) *Session {
	return &Session{
		docID:    docID,
		reg:      reg,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		clients:  make(map[string]Client),
		snapshot: snapshot,
		version:  version,
		queries:  make(map[string]*agent.Orchestrator),
	}
}

func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.inbox:
			fn()
			continue
		default:
		}
		// Inbox empty. A requested drain may proceed now; checking only
		// here keeps queued work (a rejoin in particular) ahead of the
		// teardown, and the worker never sends to its own inbox.
		if s.draining {
			s.drain()
			continue
		}
		select {
		case <-s.done:
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

// post schedules fn onto the worker. It fails once the session has closed.
func (s *Session) post(fn func()) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.inbox <- fn:
		return nil
	}
}

// postAsync is for fire-and-forget callers that cannot meaningfully handle
// a closed session (the work is moot once the session is gone).
func (s *Session) postAsync(fn func()) {
	_ = s.post(fn)
}

// postWait schedules fn and waits for the worker to run it. If the session
// closes with fn still queued, the caller gets ErrSessionClosed instead of a
// silently dropped closure.
func (s *Session) postWait(fn func()) error {
	ran := make(chan struct{})
	if err := s.post(func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

// join adds the client, sends it the current snapshot and presence state,
// and subscribes it to the relay. A join observed while draining cancels
// the teardown.
func (s *Session) join(c Client) error {
	return s.postWait(func() {
		s.draining = false
		s.clients[c.ClientID()] = c
		s.reg.relay.Subscribe(s.docID, c)

		if err := c.Send(wire.Envelope{
			Kind:    wire.KindSnapshot,
			Payload: s.reg.codec.EncodeState(s.snapshot),
			Version: s.version,
		}.Marshal()); err != nil {
			log.Printf("WARNING: snapshot send to %s on %s failed: %v", c.ClientID(), s.docID, err)
		}
		for _, st := range s.reg.presence.Snapshot(s.docID) {
			if st.ClientID == c.ClientID() {
				continue
			}
			_ = c.Send(wire.Envelope{
				Kind:   wire.KindPresenceUpdate,
				Client: st.ClientID,
				Name:   st.DisplayName,
				Cursor: st.Cursor,
			}.Marshal())
		}
		log.Printf("client %s (%s) joined %s (%d connected)", c.ClientID(), c.DisplayName(), s.docID, len(s.clients))
	})
}

// Leave removes the client and evicts its presence. When the last client
// leaves, the session drains: pending saves flush, in-flight queries are
// force-cancelled, and the session deregisters.
func (s *Session) Leave(clientID string) {
	s.postAsync(func() { s.leaveLocked(clientID) })
}

func (s *Session) leaveLocked(clientID string) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	s.reg.relay.Unsubscribe(s.docID, clientID)
	s.reg.presence.Evict(s.docID, clientID)
	log.Printf("client %s left %s (%d connected)", clientID, s.docID, len(s.clients))

	if len(s.clients) == 0 {
		s.draining = true
	}
}

// drain is invoked by the run loop once the inbox is empty and draining was
// requested, so a rejoin queued behind the final leave runs first and
// cancels the teardown.
func (s *Session) drain() {
	if len(s.clients) > 0 {
		s.draining = false
		return
	}
	for _, o := range s.queries {
		if !o.Terminal() {
			o.Cancel()
		}
	}
	s.queries = make(map[string]*agent.Orchestrator)

	s.reg.debouncer.Cancel(s.docID)
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.saveLocked(ctx); err != nil {
		// Final chance before the session goes away.
		if err = s.saveLocked(ctx); err != nil {
			log.Printf("WARNING: final flush of %s failed, latest edits not durable: %v", s.docID, err)
			metrics.SaveFailures.Inc()
		}
	}

	s.reg.remove(s)
	close(s.done)
	metrics.ActiveSessions.Dec()
	log.Printf("session %s drained", s.docID)
}

// ContentDelta merges an opaque CRDT update into the session snapshot,
// relays it to the other clients, and signals the save debouncer. Merge and
// relay happen in one serialized step, so every client observes deltas in
// the order the session accepted them.
func (s *Session) ContentDelta(clientID string, payload []byte) {
	s.postAsync(func() {
		merged, err := s.reg.codec.Merge(s.snapshot, payload)
		if err != nil {
			log.Printf("WARNING: rejecting delta from %s on %s: %v", clientID, s.docID, err)
			return
		}
		s.snapshot = merged
		s.version++
		s.reg.relay.Publish(s.docID, clientID, wire.Envelope{
			Kind:    wire.KindContentDelta,
			Client:  clientID,
			Payload: payload,
			Version: s.version,
		}.Marshal())
		s.reg.debouncer.Signal(s.docID)
	})
}

// PresenceUpdate records and republishes a client's cursor state.
func (s *Session) PresenceUpdate(clientID string, cursor json.RawMessage) {
	s.postAsync(func() {
		c, ok := s.clients[clientID]
		if !ok {
			return
		}
		s.reg.presence.Update(s.docID, clientID, c.DisplayName(), cursor)
	})
}

// StartQuery creates and dispatches an AI query anchored at a placeholder
// node. Query ids are caller-supplied and must be unique per document; a
// duplicate id is dropped.
func (s *Session) StartQuery(clientID, queryID, anchorID, question string) {
	s.postAsync(func() {
		if _, exists := s.queries[queryID]; exists {
			log.Printf("WARNING: duplicate query id %s on %s, ignoring", queryID, s.docID)
			return
		}
		o := agent.NewOrchestrator(queryID, s.docID, anchorID, question,
			s.reg.generator, (*querySink)(s), func(fn func()) { s.postAsync(fn) },
			s.reg.queryTimeout)
		s.queries[queryID] = o

		// Everyone else learns about the query so they can render the
		// placeholder while chunks stream in.
		s.reg.relay.Publish(s.docID, clientID, wire.Envelope{
			Kind:   wire.KindQueryStart,
			Client: clientID,
			Query:  &wire.QueryFrame{ID: queryID, Anchor: anchorID, Question: question},
		}.Marshal())
		o.Start()
	})
}

// CancelQuery aborts an in-flight query. Unknown or already-terminal ids
// are ignored.
func (s *Session) CancelQuery(clientID, queryID string) {
	s.postAsync(func() {
		if o, ok := s.queries[queryID]; ok {
			o.Cancel()
		}
	})
}

const saveTimeout = 10 * time.Second

// Persist saves the current snapshot. The worker only copies the blob and
// version out; the store write runs on the caller's goroutine under a
// bounded context, so a slow database never blocks the serialized queue.
// Safe from any goroutine; it is the debouncer's persistence callback.
func (s *Session) Persist(ctx context.Context) error {
	type flush struct {
		blob    []byte
		version int64
	}
	flushCh := make(chan flush, 1)
	if err := s.post(func() {
		flushCh <- flush{blob: s.reg.codec.EncodeState(s.snapshot), version: s.version}
	}); err != nil {
		// Session drained in the meantime; the drain already flushed.
		return nil
	}
	var f flush
	select {
	case f = <-flushCh:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, saveTimeout)
		defer cancel()
	}
	if err := s.reg.store.Save(ctx, s.docID, f.blob, f.version); err != nil {
		return fmt.Errorf("save %s: %w", s.docID, err)
	}
	metrics.SavesTotal.Inc()
	return nil
}

// saveLocked writes the snapshot from the worker itself. Only the drain uses
// it, when no clients remain and the context is bounded.
func (s *Session) saveLocked(ctx context.Context) error {
	blob := s.reg.codec.EncodeState(s.snapshot)
	if err := s.reg.store.Save(ctx, s.docID, blob, s.version); err != nil {
		return fmt.Errorf("save %s: %w", s.docID, err)
	}
	metrics.SavesTotal.Inc()
	return nil
}

// notifySaveError surfaces a persistence failure to connected clients as a
// non-fatal warning. Editing continues.
func (s *Session) notifySaveError(err error) {
	s.postAsync(func() {
		log.Printf("WARNING: persistence for %s failing, changes at risk: %v", s.docID, err)
		metrics.SaveFailures.Inc()
		s.reg.relay.Publish(s.docID, "", wire.Envelope{
			Kind:   wire.KindSaveWarning,
			Reason: err.Error(),
		}.Marshal())
	})
}

// shutdown kicks every client and waits for the drain to finish.
func (s *Session) shutdown(ctx context.Context) error {
	err := s.post(func() {
		for id := range s.clients {
			s.leaveLocked(id)
		}
	})
	if err != nil {
		return nil // already closed
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// querySink adapts the session to the orchestrator's event interface. Every
// method runs on the session worker (the orchestrator posts through the
// session queue), so it may touch session state freely.
type querySink Session

func (qs *querySink) session() *Session { return (*Session)(qs) }

func (qs *querySink) QueryChunk(o *agent.Orchestrator, text string) {
	s := qs.session()
	s.reg.relay.Publish(s.docID, "", wire.Envelope{
		Kind:  wire.KindQueryChunk,
		Query: &wire.QueryFrame{ID: o.ID, Anchor: o.AnchorID, Text: text},
	}.Marshal())
}

// QueryDone parses the full response, splices it into the document in place
// of the placeholder, and broadcasts the result as a normal content delta.
// Any error fails the query; the placeholder stays put for a manual retry.
func (qs *querySink) QueryDone(o *agent.Orchestrator, fullText string) error {
	s := qs.session()

	nodes, err := content.ParseMarkdown(fullText, func() string { return util.NewID("node") })
	if err != nil {
		return err
	}
	tree, err := s.reg.codec.DecodeTree(s.snapshot)
	if err != nil {
		return fmt.Errorf("decode document %s: %w", s.docID, err)
	}
	ops, err := content.Splice(tree, o.AnchorID, nodes)
	if err != nil {
		return err
	}
	newSnap, update, err := s.reg.codec.ApplyEdits(s.snapshot, ops)
	if err != nil {
		return fmt.Errorf("apply splice on %s: %w", s.docID, err)
	}
	s.snapshot = newSnap
	s.version++

	s.reg.relay.Publish(s.docID, "", wire.Envelope{
		Kind:  wire.KindQueryDone,
		Query: &wire.QueryFrame{ID: o.ID, Anchor: o.AnchorID, Text: fullText, Ops: ops},
	}.Marshal())
	s.reg.relay.Publish(s.docID, "", wire.Envelope{
		Kind:    wire.KindContentDelta,
		Payload: update,
		Version: s.version,
	}.Marshal())
	s.reg.debouncer.Signal(s.docID)

	delete(s.queries, o.ID)
	return nil
}

func (qs *querySink) QueryError(o *agent.Orchestrator, reason error) {
	s := qs.session()
	kind := wire.ErrorKindGeneration
	if errors.Is(reason, content.ErrAnchorNotFound) {
		// The document changed before the response was ready; clients
		// word this differently from a failed generation.
		kind = wire.ErrorKindConflict
	}
	log.Printf("query %s on %s failed (%s): %v", o.ID, s.docID, kind, reason)
	s.reg.relay.Publish(s.docID, "", wire.Envelope{
		Kind:  wire.KindQueryError,
		Query: &wire.QueryFrame{ID: o.ID, Anchor: o.AnchorID, Reason: reason.Error(), ErrorKind: kind},
	}.Marshal())
	delete(s.queries, o.ID)
}

func (qs *querySink) QueryCancelled(o *agent.Orchestrator) {
	s := qs.session()
	s.reg.relay.Publish(s.docID, "", wire.Envelope{
		Kind:  wire.KindQueryCancel,
		Query: &wire.QueryFrame{ID: o.ID, Anchor: o.AnchorID},
	}.Marshal())
	delete(s.queries, o.ID)
}
