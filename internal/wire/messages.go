// Package wire defines the JSON frames exchanged with editor clients over
// the collaboration transport.
package wire

import (
	"encoding/json"
	"fmt"

	"coauthor/api/internal/content"
)

// Kind discriminates the frame types.
type Kind string

const (
	KindLeave          Kind = "leave"
	KindSnapshot       Kind = "snapshot"
	KindContentDelta   Kind = "content_delta"
	KindPresenceUpdate Kind = "presence_update"
	KindPresenceRemove Kind = "presence_remove"
	KindQueryStart     Kind = "query_start"
	KindQueryChunk     Kind = "query_chunk"
	KindQueryDone      Kind = "query_done"
	KindQueryError     Kind = "query_error"
	KindQueryCancel    Kind = "query_cancel"
	KindSaveWarning    Kind = "save_warning"
)

// Error kinds carried on query_error frames, so clients can tell a failed
// generation apart from a document that changed under the query.
const (
	ErrorKindGeneration = "generation"
	ErrorKindConflict   = "conflict"
)

// Envelope is one transport frame. Which fields are set depends on Kind.
// Payload carries opaque CRDT bytes (base64 in JSON) for snapshot and
// content_delta frames.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Client  string          `json:"clientId,omitempty"`
	Name    string          `json:"displayName,omitempty"`
	Payload []byte          `json:"payload,omitempty"`
	Version int64           `json:"version,omitempty"`
	Cursor  json.RawMessage `json:"cursor,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Query   *QueryFrame     `json:"query,omitempty"`
}

// QueryFrame is the query_* frame body, tagged with the query id and the
// placeholder anchor so every viewer renders progress at the same spot.
type QueryFrame struct {
	ID        string           `json:"id"`
	Anchor    string           `json:"anchor,omitempty"`
	Question  string           `json:"question,omitempty"`
	Text      string           `json:"text,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	ErrorKind string           `json:"errorKind,omitempty"`
	Ops       []content.EditOp `json:"ops,omitempty"`
}

// Marshal encodes the envelope, panicking only on programmer error (the
// envelope types contain nothing unmarshalable).
func (e Envelope) Marshal() []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal %s frame: %v", e.Kind, err))
	}
	return raw
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("frame missing kind")
	}
	return e, nil
}
