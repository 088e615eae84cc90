package content

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ParseError reports that the generated text could not be turned into
// document nodes.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse content: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

var md = goldmark.New()

// ParseMarkdown converts markdown source into document nodes. newID supplies
// stable ids for the produced block nodes.
func ParseMarkdown(source string, newID func() string) ([]*Node, error) {
	if !utf8.ValidString(source) {
		return nil, &ParseError{Err: errors.New("source is not valid UTF-8")}
	}
	src := []byte(source)
	root := md.Parser().Parse(text.NewReader(src))

	c := converter{src: src, newID: newID}
	return c.blocks(root), nil
}

type converter struct {
	src   []byte
	newID func() string
}

func (c *converter) blocks(parent ast.Node) []*Node {
	var out []*Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		if n := c.block(child); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (c *converter) block(n ast.Node) *Node {
	switch b := n.(type) {
	case *ast.Paragraph:
		return &Node{Type: TypeParagraph, ID: c.newID(), Content: c.inlines(b, nil)}
	case *ast.TextBlock:
		// Tight list items wrap their text in a TextBlock; the editor model
		// only has paragraphs.
		return &Node{Type: TypeParagraph, ID: c.newID(), Content: c.inlines(b, nil)}
	case *ast.Heading:
		return &Node{
			Type:    TypeHeading,
			ID:      c.newID(),
			Attrs:   map[string]any{"level": b.Level},
			Content: c.inlines(b, nil),
		}
	case *ast.List:
		typ := TypeBulletList
		var attrs map[string]any
		if b.IsOrdered() {
			typ = TypeOrderedList
			attrs = map[string]any{"start": b.Start}
		}
		return &Node{Type: typ, ID: c.newID(), Attrs: attrs, Content: c.blocks(b)}
	case *ast.ListItem:
		return &Node{Type: TypeListItem, ID: c.newID(), Content: c.blocks(b)}
	case *ast.Blockquote:
		return &Node{Type: TypeBlockquote, ID: c.newID(), Content: c.blocks(b)}
	case *ast.FencedCodeBlock:
		attrs := map[string]any{}
		if lang := b.Language(c.src); len(lang) > 0 {
			attrs["language"] = string(lang)
		}
		return &Node{
			Type:    TypeCodeBlock,
			ID:      c.newID(),
			Attrs:   attrs,
			Content: []*Node{{Type: TypeText, Text: c.linesText(b)}},
		}
	case *ast.CodeBlock:
		return &Node{
			Type:    TypeCodeBlock,
			ID:      c.newID(),
			Content: []*Node{{Type: TypeText, Text: c.linesText(b)}},
		}
	case *ast.ThematicBreak:
		return &Node{Type: TypeHorizontalRule, ID: c.newID()}
	case *ast.HTMLBlock:
		// Raw HTML has no node equivalent; drop it rather than guess.
		return nil
	default:
		if children := c.blocks(n); len(children) > 0 {
			return &Node{Type: TypeParagraph, ID: c.newID(), Content: children}
		}
		return nil
	}
}

func (c *converter) inlines(parent ast.Node, marks []Mark) []*Node {
	var out []*Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch in := child.(type) {
		case *ast.Text:
			if value := string(in.Segment.Value(c.src)); value != "" {
				out = append(out, textNode(value, marks))
			}
			if in.HardLineBreak() {
				out = append(out, &Node{Type: TypeHardBreak})
			} else if in.SoftLineBreak() {
				out = append(out, textNode(" ", marks))
			}
		case *ast.String:
			if len(in.Value) > 0 {
				out = append(out, textNode(string(in.Value), marks))
			}
		case *ast.Emphasis:
			mark := Mark{Type: "italic"}
			if in.Level >= 2 {
				mark.Type = "bold"
			}
			out = append(out, c.inlines(in, append(marks, mark))...)
		case *ast.CodeSpan:
			if value := c.childText(in); value != "" {
				out = append(out, textNode(value, append(marks, Mark{Type: "code"})))
			}
		case *ast.Link:
			link := Mark{Type: "link", Attrs: map[string]any{"href": string(in.Destination)}}
			out = append(out, c.inlines(in, append(marks, link))...)
		case *ast.AutoLink:
			url := string(in.URL(c.src))
			link := Mark{Type: "link", Attrs: map[string]any{"href": url}}
			out = append(out, textNode(url, append(marks, link)))
		default:
			out = append(out, c.inlines(child, marks)...)
		}
	}
	return out
}

func (c *converter) childText(parent ast.Node) string {
	var sb strings.Builder
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			sb.Write(t.Segment.Value(c.src))
		}
	}
	return sb.String()
}

func (c *converter) linesText(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(c.src))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func textNode(value string, marks []Mark) *Node {
	n := &Node{Type: TypeText, Text: value}
	if len(marks) > 0 {
		n.Marks = append([]Mark(nil), marks...)
	}
	return n
}
