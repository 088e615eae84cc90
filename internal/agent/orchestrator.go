package agent

import (
	"context"
	"strings"
	"time"

	"coauthor/api/internal/metrics"
)

// State is an agent query's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Sink receives orchestrator events. Implementations broadcast to clients
// and, on QueryDone, run the splice; a non-nil error from QueryDone fails
// the query instead of completing it. Every Sink call happens on the owning
// session's serialized loop.
type Sink interface {
	QueryChunk(q *Orchestrator, text string)
	QueryDone(q *Orchestrator, fullText string) error
	QueryError(q *Orchestrator, reason error)
	QueryCancelled(q *Orchestrator)
}

// Orchestrator drives one query through
// Pending -> Streaming -> {Done | Error | Cancelled}. The backend call runs
// on its own goroutine, but every state transition is funneled through the
// post function into the owning session's serialized queue; the background
// task never touches session state directly. Chunks arriving after a
// terminal state (e.g. in flight when the user cancelled) are dropped, not
// broadcast.
type Orchestrator struct {
	ID       string
	DocID    string
	AnchorID string
	Question string

	gen     Generator
	sink    Sink
	post    func(fn func())
	timeout time.Duration

	// Owned by the session loop.
	state    State
	response strings.Builder
	cancel   context.CancelFunc
}

// NewOrchestrator creates a query in Pending. post must schedule its
// argument onto the owning session's serialized queue.
func NewOrchestrator(id, docID, anchorID, question string, gen Generator, sink Sink, post func(fn func()), timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		ID:       id,
		DocID:    docID,
		AnchorID: anchorID,
		Question: question,
		gen:      gen,
		sink:     sink,
		post:     post,
		timeout:  timeout,
		state:    StatePending,
	}
}

// State returns the current lifecycle state. Session loop only.
func (o *Orchestrator) State() State { return o.state }

// Terminal reports whether the query has reached a terminal state.
func (o *Orchestrator) Terminal() bool {
	return o.state == StateDone || o.state == StateError || o.state == StateCancelled
}

// Response returns the accumulated response text so far.
func (o *Orchestrator) Response() string { return o.response.String() }

// Start dispatches the query to the generation backend. Session loop only.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	o.cancel = cancel

	go func() {
		defer cancel()
		full, err := o.gen.Generate(ctx, o.Question, func(text string) error {
			o.post(func() { o.onChunk(text) })
			return nil
		})
		if err != nil {
			o.post(func() { o.onUpstreamError(err) })
			return
		}
		o.post(func() { o.onUpstreamDone(full) })
	}()
}

// Cancel aborts the query cooperatively. Valid from Pending or Streaming;
// a no-op once terminal. Session loop only.
func (o *Orchestrator) Cancel() {
	if o.Terminal() {
		return
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.state = StateCancelled
	metrics.QueriesTotal.WithLabelValues(string(StateCancelled)).Inc()
	o.sink.QueryCancelled(o)
}

func (o *Orchestrator) onChunk(text string) {
	if o.Terminal() {
		return
	}
	o.state = StateStreaming
	o.response.WriteString(text)
	o.sink.QueryChunk(o, text)
}

func (o *Orchestrator) onUpstreamDone(fullText string) {
	if o.Terminal() {
		return
	}
	// A backend that produced no chunks still completes; treat the stream
	// as having started.
	o.state = StateStreaming
	if err := o.sink.QueryDone(o, fullText); err != nil {
		o.state = StateError
		metrics.QueriesTotal.WithLabelValues(string(StateError)).Inc()
		o.sink.QueryError(o, err)
		return
	}
	o.state = StateDone
	metrics.QueriesTotal.WithLabelValues(string(StateDone)).Inc()
}

func (o *Orchestrator) onUpstreamError(reason error) {
	if o.Terminal() {
		return
	}
	o.state = StateError
	metrics.QueriesTotal.WithLabelValues(string(StateError)).Inc()
	o.sink.QueryError(o, reason)
}
