package knowledge

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned for files that contain no extractable text.
var ErrNoText = errors.New("no extractable text")

// Extracted is the text of a course file ready for AddDocument.
type Extracted struct {
	Text     string // pages separated by form feeds
	MimeType string
	Pages    int
}

// ExtractFile reads the text of a .txt, .md, .pdf or .docx file. PDF pages
// are kept apart with form feeds so chunks carry page numbers.
func ExtractFile(path string) (*Extracted, error) {
	var (
		out *Extracted
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".md", ".markdown":
		out, err = extractPlain(path, ext)
	case ".pdf":
		out, err = extractPDF(path)
	case ".docx":
		out, err = extractDOCX(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func extractPlain(path, ext string) (*Extracted, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mime := "text/plain"
	if ext != ".txt" {
		mime = "text/markdown"
	}
	return finish(splitPages(string(b)), mime)
}

func extractPDF(path string) (*Extracted, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			// Keep the page slot so later page numbers stay right.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, content)
	}
	return finish(pages, "application/pdf")
}

func extractDOCX(path string) (*Extracted, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		xml, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return finish([]string{stripDOCXML(xml)}, "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	}
	return nil, errors.New("word/document.xml not found")
}

func splitPages(s string) []string { return strings.Split(s, "\f") }

func finish(pages []string, mime string) (*Extracted, error) {
	empty := true
	for i, p := range pages {
		pages[i] = normalizeText(p)
		if pages[i] != "" {
			empty = false
		}
	}
	if empty {
		return nil, ErrNoText
	}
	return &Extracted{Text: strings.Join(pages, "\f"), MimeType: mime, Pages: len(pages)}, nil
}

var xmlTagPattern = regexp.MustCompile(`<[^>]+>`)

func stripDOCXML(src []byte) string {
	s := string(src)
	s = strings.ReplaceAll(s, "</w:p>", "\n")
	s = strings.ReplaceAll(s, "<w:br/>", "\n")
	s = strings.ReplaceAll(s, "<w:br />", "\n")
	s = strings.ReplaceAll(s, "<w:tab/>", "\t")
	s = xmlTagPattern.ReplaceAllString(s, "")
	return strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
	).Replace(s)
}

// normalizeText trims every line and collapses runs of blank lines.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var buf bytes.Buffer
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blank++
			if blank > 1 {
				continue
			}
			buf.WriteByte('\n')
			continue
		}
		blank = 0
		buf.WriteString(trimmed)
		buf.WriteByte('\n')
	}
	return strings.TrimSpace(buf.String())
}
