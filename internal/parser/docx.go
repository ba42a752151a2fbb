package parser

import (
	"bytes"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/fumiama/go-docx"
)

// DOCXExtractor handles .docx files. DOCX has no stable page boundaries,
// so the whole body is reported as one page.
type DOCXExtractor struct{}

func (p *DOCXExtractor) Extract(data []byte) (*document.Extracted, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractionError{Format: document.FormatDOCX, Err: err}
	}

	var paragraphs []string
	var title string
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text := docxParagraphText(para)
		if text == "" {
			continue
		}
		if title == "" && docxIsHeading(para) {
			title = text
		}
		paragraphs = append(paragraphs, text)
	}

	out := assemble([]string{strings.Join(paragraphs, "\n\n")}, "")
	out.Title = title
	return out, nil
}

func docxIsHeading(para *docx.Paragraph) bool {
	if para.Properties == nil || para.Properties.Style == nil {
		return false
	}
	style := strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
	return strings.HasPrefix(style, "heading") || style == "title"
}

func docxParagraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
