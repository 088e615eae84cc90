// Package content holds the editor-facing node tree model, the markdown
// importer, and the splice operation that merges generated content into an
// existing document tree.
package content

import "encoding/json"

// Node is a node in the document tree, mirroring the editor's JSON shape.
// Block nodes carry a stable ID assigned by the editor; text nodes carry
// Text plus optional Marks instead of Content.
type Node struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a text formatting mark (bold, italic, code, link).
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node types this layer understands. Unknown types are treated as blocks.
const (
	TypeDoc            = "doc"
	TypeParagraph      = "paragraph"
	TypeHeading        = "heading"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeListItem       = "listItem"
	TypeBlockquote     = "blockquote"
	TypeCodeBlock      = "codeBlock"
	TypeHorizontalRule = "horizontalRule"
	TypeText           = "text"
	TypeHardBreak      = "hardBreak"
	TypePlaceholder    = "aiPlaceholder"
)

var inlineTypes = map[string]struct{}{
	TypeText:        {},
	TypeHardBreak:   {},
	TypePlaceholder: {},
}

// inlineContainers are the paragraph-like nodes whose content is inline-only.
var inlineContainers = map[string]struct{}{
	TypeParagraph: {},
	TypeHeading:   {},
}

// Inline reports whether the node lives inside an inline container rather
// than being a block of its own.
func (n *Node) Inline() bool {
	_, ok := inlineTypes[n.Type]
	return ok
}

// InlineContainer reports whether the node's children are inline content.
func (n *Node) InlineContainer() bool {
	_, ok := inlineContainers[n.Type]
	return ok
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, ID: n.ID, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	if n.Marks != nil {
		out.Marks = append([]Mark(nil), n.Marks...)
	}
	for _, child := range n.Content {
		out.Content = append(out.Content, child.Clone())
	}
	return out
}

// PlainText concatenates every text leaf under the node.
func (n *Node) PlainText() string {
	if n == nil {
		return ""
	}
	if n.Type == TypeText {
		return n.Text
	}
	var out string
	for _, child := range n.Content {
		out += child.PlainText()
	}
	return out
}

// find returns the parent of the node with the given id and the node's index
// in the parent's content. Searching the root itself is not meaningful: the
// root has no parent to edit through.
func find(root *Node, id string) (parent *Node, index int) {
	for i, child := range root.Content {
		if child.ID == id {
			return root, i
		}
		if p, idx := find(child, id); p != nil {
			return p, idx
		}
	}
	return nil, -1
}

// Decode parses a JSON document tree.
func Decode(raw []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Encode serializes a document tree to JSON.
func Encode(n *Node) ([]byte, error) {
	return json.Marshal(n)
}
