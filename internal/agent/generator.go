// Package agent runs in-editor AI queries: it dispatches a question to the
// generation backend, streams chunks back to the owning document session,
// and drives the per-query state machine through to a terminal state.
package agent

import (
	"context"
	"errors"
)

// Generator streams generated text for a question. onChunk is called once
// per fragment, in order, from the generator's goroutine; returning an error
// from onChunk aborts the stream. Generate returns the full accumulated text
// on success. Cancelling ctx is the best-effort abort.
type Generator interface {
	Generate(ctx context.Context, question string, onChunk func(text string) error) (string, error)
}

// ErrGenerationDisabled is returned by the Disabled generator, used when the
// service runs without a backend configured.
var ErrGenerationDisabled = errors.New("generation backend not configured")

// Disabled is a Generator that rejects every query.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, func(string) error) (string, error) {
	return "", ErrGenerationDisabled
}
