package parser

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	pdflib "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFExtractor handles PDF files. It reads text with the Go library and
// falls back to pdftotext when enabled.
type PDFExtractor struct {
	FallbackPdftotext bool
}

func (p *PDFExtractor) Extract(data []byte) (*document.Extracted, error) {
	// Both libraries want a seekable file, so spool to disk.
	tmp, err := os.CreateTemp("", "docrag-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	pageCount, err := api.PageCountFile(tmpPath)
	if err != nil {
		return nil, &ExtractionError{Format: document.FormatPDF, Err: fmt.Errorf("invalid pdf: %w", err)}
	}

	pages, meta, err := extractPDFPages(tmpPath)
	if (err != nil || blank(pages)) && p.FallbackPdftotext {
		var text string
		text, err = extractPdftotext(tmpPath)
		if err == nil {
			pages = strings.Split(strings.TrimRight(text, "\f"), "\f")
		}
	}
	if err != nil {
		return nil, &ExtractionError{Format: document.FormatPDF, Err: err}
	}

	for i := range pages {
		pages[i] = strings.TrimSpace(pages[i])
	}
	out := assemble(pages, "\n\n")
	if pageCount > out.PageCount {
		out.PageCount = pageCount
	}
	for k, v := range meta {
		out.Metadata[k] = v
	}
	out.Title = meta["title"]
	return out, nil
}

func extractPDFPages(path string) ([]string, map[string]string, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	meta := map[string]string{}
	info := reader.Trailer().Key("Info")
	for _, k := range []string{"Title", "Author", "Subject", "Creator"} {
		if v := strings.TrimSpace(info.Key(k).Text()); v != "" {
			meta[strings.ToLower(k)] = v
		}
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Keep page numbering stable for the pages that follow.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, meta, nil
}

func extractPdftotext(path string) (string, error) {
	cmd := exec.Command("pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return string(out), nil
}

func blank(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}
