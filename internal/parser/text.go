package parser

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docrag/internal/document"
)

// TextExtractor handles plain text. A form feed starts a new page and is
// dropped from the output.
type TextExtractor struct{}

func (p *TextExtractor) Extract(data []byte) (*document.Extracted, error) {
	if !utf8.Valid(data) {
		return nil, &ExtractionError{Format: document.FormatText, Err: errors.New("invalid utf-8")}
	}
	text := strings.TrimPrefix(string(data), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	out := assemble(strings.Split(text, "\f"), "")
	out.Title = firstLine(out.Text)
	return out, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			if len(t) > 120 {
				return ""
			}
			return t
		}
	}
	return ""
}
