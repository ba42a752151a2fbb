package parser

import (
	"strings"
	"testing"
)

func TestMarkdownExtractor_StripsMarkup(t *testing.T) {
	input := `# Title

Intro with **bold** and *emphasis*.

## Section A

- first item
- second item

Text with a [link](https://example.com).
`
	p := &MarkdownExtractor{}
	out, err := p.Extract([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Title != "Title" {
		t.Errorf("expected title %q, got %q", "Title", out.Title)
	}
	for _, want := range []string{"Intro with bold and emphasis.", "Section A", "first item", "second item", "Text with a link."} {
		if !strings.Contains(out.Text, want) {
			t.Errorf("expected text to contain %q, got %q", want, out.Text)
		}
	}
	for _, markup := range []string{"**", "](", "# "} {
		if strings.Contains(out.Text, markup) {
			t.Errorf("expected markup %q to be stripped, got %q", markup, out.Text)
		}
	}
}

func TestMarkdownExtractor_BlocksSeparatedByBlankLine(t *testing.T) {
	p := &MarkdownExtractor{}
	out, err := p.Extract([]byte("Just some plain text.\n\nAnother paragraph here."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Just some plain text.\n\nAnother paragraph here."
	if out.Text != want {
		t.Errorf("expected %q, got %q", want, out.Text)
	}
	if out.Title != "" {
		t.Errorf("expected no title without a heading, got %q", out.Title)
	}
}

func TestMarkdownExtractor_CodeBlocksKept(t *testing.T) {
	input := "# API Reference\n\nList of endpoints:\n\n```\nGET /api/users\nPOST /api/users\n```\n\nMore text after code.\n"
	p := &MarkdownExtractor{}
	out, err := p.Extract([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Text, "GET /api/users") {
		t.Errorf("expected code block content in text, got %q", out.Text)
	}
	if !strings.Contains(out.Text, "More text after code.") {
		t.Errorf("expected post-code text, got %q", out.Text)
	}
}

func TestMarkdownExtractor_EmptyInput(t *testing.T) {
	p := &MarkdownExtractor{}
	out, err := p.Extract([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "" {
		t.Errorf("expected empty text, got %q", out.Text)
	}
}
