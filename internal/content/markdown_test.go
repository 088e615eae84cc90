package content

import (
	"errors"
	"fmt"
	"testing"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func TestParseMarkdownParagraphs(t *testing.T) {
	nodes, err := ParseMarkdown("First paragraph.\n\nSecond paragraph.", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(nodes))
	}
	for i, want := range []string{"First paragraph.", "Second paragraph."} {
		if nodes[i].Type != TypeParagraph {
			t.Errorf("node %d type %s", i, nodes[i].Type)
		}
		if nodes[i].ID == "" {
			t.Errorf("node %d has no id", i)
		}
		if got := nodes[i].PlainText(); got != want {
			t.Errorf("node %d text %q, want %q", i, got, want)
		}
	}
}

func TestParseMarkdownHeading(t *testing.T) {
	nodes, err := ParseMarkdown("## Section", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Type != TypeHeading {
		t.Fatalf("expected one heading, got %+v", nodes)
	}
	if level := nodes[0].Attrs["level"]; level != 2 {
		t.Errorf("heading level %v", level)
	}
	if got := nodes[0].PlainText(); got != "Section" {
		t.Errorf("heading text %q", got)
	}
}

func TestParseMarkdownList(t *testing.T) {
	nodes, err := ParseMarkdown("- one\n- two\n", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Type != TypeBulletList {
		t.Fatalf("expected bullet list, got %+v", nodes)
	}
	items := nodes[0].Content
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Type != TypeListItem || items[0].PlainText() != "one" {
		t.Errorf("first item %+v", items[0])
	}
	// Tight items still wrap their text in a paragraph node.
	if len(items[0].Content) != 1 || items[0].Content[0].Type != TypeParagraph {
		t.Errorf("item content not a paragraph: %+v", items[0].Content)
	}
}

func TestParseMarkdownOrderedListStart(t *testing.T) {
	nodes, err := ParseMarkdown("3. three\n4. four\n", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Type != TypeOrderedList {
		t.Fatalf("expected ordered list, got %+v", nodes)
	}
	if start := nodes[0].Attrs["start"]; start != 3 {
		t.Errorf("start attr %v", start)
	}
}

func TestParseMarkdownCodeFence(t *testing.T) {
	nodes, err := ParseMarkdown("```go\nfmt.Println(\"hi\")\n```", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Type != TypeCodeBlock {
		t.Fatalf("expected code block, got %+v", nodes)
	}
	if lang := nodes[0].Attrs["language"]; lang != "go" {
		t.Errorf("language attr %v", lang)
	}
	if got := nodes[0].PlainText(); got != "fmt.Println(\"hi\")" {
		t.Errorf("code text %q", got)
	}
}

func TestParseMarkdownEmphasisMarks(t *testing.T) {
	nodes, err := ParseMarkdown("plain **bold** and *italic* and `code`", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one paragraph, got %d", len(nodes))
	}
	byText := map[string]string{}
	for _, child := range nodes[0].Content {
		if len(child.Marks) > 0 {
			byText[child.Text] = child.Marks[0].Type
		}
	}
	if byText["bold"] != "bold" {
		t.Errorf("bold run marks: %v", byText)
	}
	if byText["italic"] != "italic" {
		t.Errorf("italic run marks: %v", byText)
	}
	if byText["code"] != "code" {
		t.Errorf("code run marks: %v", byText)
	}
}

func TestParseMarkdownLink(t *testing.T) {
	nodes, err := ParseMarkdown("see [docs](https://example.com/docs)", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var linked *Node
	for _, child := range nodes[0].Content {
		if child.Text == "docs" {
			linked = child
		}
	}
	if linked == nil || len(linked.Marks) == 0 || linked.Marks[0].Type != "link" {
		t.Fatalf("link text not marked: %+v", nodes[0].Content)
	}
	if href := linked.Marks[0].Attrs["href"]; href != "https://example.com/docs" {
		t.Errorf("href %v", href)
	}
}

func TestParseMarkdownRejectsInvalidUTF8(t *testing.T) {
	nodes, err := ParseMarkdown("before \xff\xfe after", sequentialIDs())
	if err == nil {
		t.Fatalf("expected error, got nodes %+v", nodes)
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Errorf("error %T, want *ParseError", err)
	}
}

func TestParseMarkdownHardBreak(t *testing.T) {
	nodes, err := ParseMarkdown("line one  \nline two", sequentialIDs())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var sawBreak bool
	for _, child := range nodes[0].Content {
		if child.Type == TypeHardBreak {
			sawBreak = true
		}
	}
	if !sawBreak {
		t.Errorf("no hardBreak node in %+v", nodes[0].Content)
	}
}
