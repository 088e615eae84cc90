// Package crdt defines the contract with the embedded conflict-free
// replicated document library. The collaboration core never inspects update
// blobs; everything it needs is behind Codec.
package crdt

import "coauthor/api/internal/content"

// Codec is implemented by the editor's CRDT binding. Snapshots and updates
// are opaque byte blobs owned by the codec. A nil or empty snapshot must be
// treated as the empty document (sessions start that way for documents that
// were never saved).
type Codec interface {
	// Merge folds an update blob into a snapshot, returning the new
	// snapshot.
	Merge(snapshot, update []byte) ([]byte, error)
	// EncodeState renders a snapshot as a blob suitable for persistence or
	// client catch-up.
	EncodeState(snapshot []byte) []byte
	// DecodeTree materializes the document node tree from a snapshot, for
	// running the splice protocol server-side.
	DecodeTree(snapshot []byte) (*content.Node, error)
	// ApplyEdits applies splice operations to a snapshot, returning the new
	// snapshot and an update blob that replays the edit on clients.
	ApplyEdits(snapshot []byte, ops []content.EditOp) (newSnapshot, update []byte, err error)
}
