package content

import (
	"errors"
	"fmt"
)

// ErrAnchorNotFound is returned when the placeholder node has vanished from
// the tree, typically because another editor deleted it while a response was
// streaming. Callers must surface this as a conflict, not re-insert elsewhere.
var ErrAnchorNotFound = errors.New("anchor node not found in document")

// ErrEmptyContent is returned when there is nothing to splice, e.g. the
// generated text parsed to zero nodes.
var ErrEmptyContent = errors.New("no content to splice")

// OpKind tags an EditOp variant.
type OpKind string

const (
	// OpReplaceNode replaces the target node, in its parent's child list,
	// with the given nodes.
	OpReplaceNode OpKind = "replace_node"
	// OpInsertAfter inserts the given nodes as siblings after the target.
	OpInsertAfter OpKind = "insert_after"
	// OpRemoveNode removes the target node.
	OpRemoveNode OpKind = "remove_node"
)

// EditOp is one step of a splice, applied in order against the tree.
type EditOp struct {
	Kind   OpKind  `json:"kind"`
	Target string  `json:"target"`
	Nodes  []*Node `json:"nodes,omitempty"`
}

// Splice computes the edit operations that replace the anchor node with the
// parsed nodes. Three insertion contexts are distinguished:
//
//   - anchor inside a paragraph-like container, parsed content is a single
//     inline-only paragraph: the paragraph's inline children replace the
//     anchor in place, introducing no block boundary;
//   - anchor inside a paragraph-like container, parsed content has block
//     nodes: the container is split at the anchor and the blocks inserted
//     between the halves;
//   - anchor sitting among blocks: the parsed nodes replace the anchor
//     sequentially at its position.
//
// Splice never mutates its inputs.
func Splice(root *Node, anchorID string, parsed []*Node) ([]EditOp, error) {
	if len(parsed) == 0 {
		return nil, ErrEmptyContent
	}
	if root == nil {
		return nil, ErrAnchorNotFound
	}
	parent, idx := find(root, anchorID)
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAnchorNotFound, anchorID)
	}

	if !parent.InlineContainer() {
		return []EditOp{{Kind: OpReplaceNode, Target: anchorID, Nodes: cloneAll(parsed)}}, nil
	}

	if inline, ok := singleInlineParagraph(parsed); ok {
		return []EditOp{{Kind: OpReplaceNode, Target: anchorID, Nodes: cloneAll(inline)}}, nil
	}

	// Block content inside an inline container: split the parent around the
	// anchor. The head keeps the parent's identity; the tail gets a fresh
	// one derived from it so clients can address both halves.
	head := parent.Clone()
	head.Content = cloneAll(parent.Content[:idx])
	tail := parent.Clone()
	tail.ID = parent.ID + ".split"
	tail.Content = cloneAll(parent.Content[idx+1:])

	replacement := make([]*Node, 0, len(parsed)+2)
	if len(head.Content) > 0 {
		replacement = append(replacement, head)
	}
	replacement = append(replacement, cloneAll(parsed)...)
	if len(tail.Content) > 0 {
		replacement = append(replacement, tail)
	}
	return []EditOp{{Kind: OpReplaceNode, Target: parent.ID, Nodes: replacement}}, nil
}

// singleInlineParagraph reports whether the parsed nodes reduce to exactly
// one paragraph whose children are all inline, returning those children.
func singleInlineParagraph(parsed []*Node) ([]*Node, bool) {
	if len(parsed) != 1 || parsed[0].Type != TypeParagraph {
		return nil, false
	}
	for _, child := range parsed[0].Content {
		if !child.Inline() {
			return nil, false
		}
	}
	return parsed[0].Content, true
}

// Apply rewrites the tree in place according to the edit operations. It is
// used by the dev CRDT codec and by tests to check splice results; real
// editor bindings apply the operations through their own document model.
func Apply(root *Node, ops []EditOp) error {
	for _, op := range ops {
		parent, idx := find(root, op.Target)
		if parent == nil {
			return fmt.Errorf("%w: %s", ErrAnchorNotFound, op.Target)
		}
		switch op.Kind {
		case OpReplaceNode:
			parent.Content = spliceChildren(parent.Content, idx, 1, op.Nodes)
		case OpInsertAfter:
			parent.Content = spliceChildren(parent.Content, idx+1, 0, op.Nodes)
		case OpRemoveNode:
			parent.Content = spliceChildren(parent.Content, idx, 1, nil)
		default:
			return fmt.Errorf("unknown edit op %q", op.Kind)
		}
	}
	return nil
}

func spliceChildren(children []*Node, at, drop int, insert []*Node) []*Node {
	out := make([]*Node, 0, len(children)-drop+len(insert))
	out = append(out, children[:at]...)
	out = append(out, insert...)
	out = append(out, children[at+drop:]...)
	return out
}

func cloneAll(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}
