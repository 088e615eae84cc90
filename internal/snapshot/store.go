// Package snapshot persists the latest durable state of each document: an
// opaque CRDT blob plus a monotonically increasing logical version.
package snapshot

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load for documents that were never saved.
var ErrNotFound = errors.New("snapshot not found")

// Store is the durable snapshot interface. Save overwrites: only the latest
// version is kept.
type Store interface {
	Load(ctx context.Context, docID string) (blob []byte, version int64, err error)
	Save(ctx context.Context, docID string, blob []byte, version int64) error
	Ping(ctx context.Context) error
}
