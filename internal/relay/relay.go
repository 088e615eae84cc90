// Package relay implements per-document fan-out of opaque frames to
// connected subscribers. It is content-unaware: frames pass through
// unmodified.
package relay

import (
	"log"
	"sync"

	"coauthor/api/internal/metrics"
)

// Subscriber receives frames for one connected client. Send must not block:
// implementations enqueue to a bounded per-client buffer and return an error
// when the client can no longer accept frames.
type Subscriber interface {
	ClientID() string
	Send(frame []byte) error
}

// Relay fans frames out to every subscriber of a document except the sender.
// Within one document publish order is preserved because publishes are
// serialized by the owning session; the relay itself adds no ordering.
type Relay struct {
	mu        sync.Mutex
	subs      map[string]map[string]Subscriber
	onFailure func(docID, clientID string)
}

// New creates a relay. onFailure is invoked (outside the relay lock) for a
// subscriber whose delivery failed, so the owner can schedule its eviction.
// It may be nil.
func New(onFailure func(docID, clientID string)) *Relay {
	return &Relay{
		subs:      make(map[string]map[string]Subscriber),
		onFailure: onFailure,
	}
}

// Subscribe registers a subscriber for a document, replacing any previous
// subscription under the same client id.
func (r *Relay) Subscribe(docID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.subs[docID]
	if m == nil {
		m = make(map[string]Subscriber)
		r.subs[docID] = m
	}
	m[sub.ClientID()] = sub
}

// Unsubscribe removes a subscriber. Removing an unknown subscriber is a
// no-op.
func (r *Relay) Unsubscribe(docID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.subs[docID]
	delete(m, clientID)
	if len(m) == 0 {
		delete(r.subs, docID)
	}
}

// Publish delivers the frame to every subscriber of the document except
// senderClientID and returns the number of successful deliveries. A failed
// delivery is logged and does not abort delivery to the rest.
func (r *Relay) Publish(docID, senderClientID string, frame []byte) int {
	r.mu.Lock()
	targets := make([]Subscriber, 0, len(r.subs[docID]))
	for id, sub := range r.subs[docID] {
		if id != senderClientID {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(frame); err != nil {
			log.Printf("WARNING: relay delivery to %s on %s failed: %v", sub.ClientID(), docID, err)
			metrics.RelayDropped.Inc()
			if r.onFailure != nil {
				r.onFailure(docID, sub.ClientID())
			}
			continue
		}
		delivered++
	}
	metrics.RelayDelivered.Add(float64(delivered))
	return delivered
}
