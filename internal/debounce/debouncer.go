// Package debounce coalesces bursts of document-changed signals into single
// persistence triggers.
package debounce

import (
	"context"
	"log"
	"sync"
	"time"
)

// PersistFunc persists the current snapshot of one document. It must be safe
// to call from the debouncer's timer goroutine.
type PersistFunc func(ctx context.Context, docID string) error

// ErrorFunc is invoked when persistence fails after the retry. Non-fatal:
// editing continues, the owner decides how to surface the data-loss risk.
type ErrorFunc func(docID string, err error)

// Debouncer keeps one countdown per dirty document. Repeated signals inside
// the quiet interval reset the countdown rather than stacking timers, so the
// persist callback fires exactly once per quiet period.
type Debouncer struct {
	interval time.Duration
	backoff  time.Duration
	persist  PersistFunc
	onError  ErrorFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a debouncer. onError may be nil.
func New(interval, backoff time.Duration, persist PersistFunc, onError ErrorFunc) *Debouncer {
	return &Debouncer{
		interval: interval,
		backoff:  backoff,
		persist:  persist,
		onError:  onError,
		timers:   make(map[string]*time.Timer),
	}
}

// Signal marks the document dirty and (re)starts its countdown.
func (d *Debouncer) Signal(docID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[docID]; ok {
		timer.Reset(d.interval)
		return
	}
	d.timers[docID] = time.AfterFunc(d.interval, func() { d.fire(docID) })
}

// Cancel drops any pending countdown without persisting. Sessions call it on
// last-client-disconnect before running their own final save.
func (d *Debouncer) Cancel(docID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[docID]; ok {
		timer.Stop()
		delete(d.timers, docID)
	}
}

// Close cancels every pending countdown. Pending data is not persisted;
// callers flush their documents first.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for docID, timer := range d.timers {
		timer.Stop()
		delete(d.timers, docID)
	}
}

func (d *Debouncer) fire(docID string) {
	d.mu.Lock()
	delete(d.timers, docID)
	d.mu.Unlock()

	if err := d.persistWithRetry(context.Background(), docID); err != nil && d.onError != nil {
		d.onError(docID, err)
	}
}

func (d *Debouncer) persistWithRetry(ctx context.Context, docID string) error {
	err := d.persist(ctx, docID)
	if err == nil {
		return nil
	}
	log.Printf("WARNING: persist %s failed, retrying in %s: %v", docID, d.backoff, err)
	select {
	case <-ctx.Done():
		return err
	case <-time.After(d.backoff):
	}
	return d.persist(ctx, docID)
}
