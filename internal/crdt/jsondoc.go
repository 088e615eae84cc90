package crdt

import (
	"encoding/json"
	"fmt"

	"coauthor/api/internal/content"
)

// JSONDoc is a development codec: the snapshot is the full node tree as JSON
// plus a revision counter, and every update blob is itself a full snapshot.
// Merge keeps the higher revision. It gives local development and tests a
// convergent (last-writer-wins) document without an editor binding; real
// deployments plug the editor's CRDT library in behind Codec instead.
type JSONDoc struct{}

type jsonState struct {
	Rev int64         `json:"rev"`
	Doc *content.Node `json:"doc"`
}

// NewJSONDoc returns the development codec.
func NewJSONDoc() *JSONDoc { return &JSONDoc{} }

// EmptySnapshot returns the snapshot of a document with no content.
func (JSONDoc) EmptySnapshot() []byte {
	raw, _ := json.Marshal(jsonState{Rev: 0, Doc: &content.Node{Type: content.TypeDoc}})
	return raw
}

func (JSONDoc) Merge(snapshot, update []byte) ([]byte, error) {
	cur, err := decodeState(snapshot)
	if err != nil {
		return nil, fmt.Errorf("merge: bad snapshot: %w", err)
	}
	next, err := decodeState(update)
	if err != nil {
		return nil, fmt.Errorf("merge: bad update: %w", err)
	}
	if next.Rev >= cur.Rev {
		return encodeState(next), nil
	}
	return encodeState(cur), nil
}

func (JSONDoc) EncodeState(snapshot []byte) []byte {
	out := make([]byte, len(snapshot))
	copy(out, snapshot)
	return out
}

func (JSONDoc) DecodeTree(snapshot []byte) (*content.Node, error) {
	st, err := decodeState(snapshot)
	if err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return st.Doc, nil
}

func (JSONDoc) ApplyEdits(snapshot []byte, ops []content.EditOp) ([]byte, []byte, error) {
	st, err := decodeState(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("apply edits: %w", err)
	}
	if err := content.Apply(st.Doc, ops); err != nil {
		return nil, nil, err
	}
	st.Rev++
	blob := encodeState(st)
	// The update blob is a full snapshot in this codec, so the same bytes
	// serve both roles.
	return blob, append([]byte(nil), blob...), nil
}

func decodeState(raw []byte) (jsonState, error) {
	var st jsonState
	if len(raw) == 0 {
		return jsonState{Doc: &content.Node{Type: content.TypeDoc}}, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return jsonState{}, err
	}
	if st.Doc == nil {
		st.Doc = &content.Node{Type: content.TypeDoc}
	}
	return st, nil
}

func encodeState(st jsonState) []byte {
	raw, err := json.Marshal(st)
	if err != nil {
		panic(fmt.Sprintf("crdt: marshal state: %v", err))
	}
	return raw
}
