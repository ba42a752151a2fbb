package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docrag/internal/document"
)

// Extractor converts raw document bytes into plain text with page boundaries.
type Extractor interface {
	Extract(data []byte) (*document.Extracted, error)
}

// ErrEmptyText is wrapped by ExtractionError when a document has no text.
var ErrEmptyText = errors.New("no extractable text")

// UnsupportedFormatError is returned before any bytes are read.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format: %q", e.Format)
}

// ExtractionError means the bytes could not be read as the declared format.
type ExtractionError struct {
	Format document.Format
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Options tunes individual extractors.
type Options struct {
	PDFFallbackPdftotext bool
}

// Registry maps each declared format to its extractor.
type Registry struct {
	extractors map[document.Format]Extractor
}

// NewRegistry returns a registry with every built-in format.
func NewRegistry(opts Options) *Registry {
	r := &Registry{extractors: make(map[document.Format]Extractor)}
	r.Register(document.FormatPDF, &PDFExtractor{FallbackPdftotext: opts.PDFFallbackPdftotext})
	r.Register(document.FormatDOCX, &DOCXExtractor{})
	r.Register(document.FormatText, &TextExtractor{})
	r.Register(document.FormatMarkdown, &MarkdownExtractor{})
	r.Register(document.FormatHTML, &HTMLExtractor{})
	return r
}

// Register installs or replaces the extractor for a format.
func (r *Registry) Register(format document.Format, e Extractor) {
	r.extractors[format] = e
}

// Supports reports whether format has an extractor.
func (r *Registry) Supports(format document.Format) bool {
	_, ok := r.extractors[format]
	return ok
}

// Extract dispatches to the format's extractor. Unknown formats fail before
// the data is touched.
func (r *Registry) Extract(format document.Format, data []byte) (*document.Extracted, error) {
	e, ok := r.extractors[format]
	if !ok {
		return nil, &UnsupportedFormatError{Format: string(format)}
	}
	out, err := e.Extract(data)
	if err != nil {
		var ee *ExtractionError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &ExtractionError{Format: format, Err: err}
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, &ExtractionError{Format: format, Err: ErrEmptyText}
	}
	return out, nil
}

var extensions = map[string]document.Format{
	".pdf":      document.FormatPDF,
	".docx":     document.FormatDOCX,
	".txt":      document.FormatText,
	".text":     document.FormatText,
	".md":       document.FormatMarkdown,
	".markdown": document.FormatMarkdown,
	".html":     document.FormatHTML,
	".htm":      document.FormatHTML,
}

// FormatFromFilename maps a file extension to its declared format.
func FormatFromFilename(filename string) (document.Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, ok := extensions[ext]
	if !ok {
		return "", &UnsupportedFormatError{Format: ext}
	}
	return f, nil
}

// assemble joins per-page text with sep and records where each page starts.
func assemble(pages []string, sep string) *document.Extracted {
	var sb strings.Builder
	starts := make([]int, 0, len(pages))
	offset := 0
	sepLen := utf8.RuneCountInString(sep)
	for i, p := range pages {
		if i > 0 {
			sb.WriteString(sep)
			offset += sepLen
		}
		starts = append(starts, offset)
		sb.WriteString(p)
		offset += utf8.RuneCountInString(p)
	}
	text := sb.String()
	return &document.Extracted{
		Text:       text,
		PageStarts: starts,
		PageCount:  len(pages),
		WordCount:  len(strings.Fields(text)),
		CharCount:  offset,
		Metadata:   map[string]string{},
	}
}
