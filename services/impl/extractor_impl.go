package impl

import (
	"archive/zip"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// textExtractorImpl implements services.TextExtractor for the configured
// extension allow-list. Extraction is all-or-nothing: either the full text
// plus a covering page map is returned, or an error.
type textExtractorImpl struct {
	allowedExtensions map[string]bool
}

func NewTextExtractor(allowedExtensions []string) services.TextExtractor {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[normalizeExt(ext)] = true
	}
	return &textExtractorImpl{allowedExtensions: allowed}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func (e *textExtractorImpl) ExtractText(path string, ext string) (string, []models.PageRange, error) {
	ext = normalizeExt(ext)
	if !e.allowedExtensions[ext] {
		return "", nil, fmt.Errorf("%w: %s", services.ErrUnsupportedFormat, ext)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil, fmt.Errorf("%w: %s", services.ErrMissingFile, path)
	}

	switch ext {
	case ".pdf":
		return extractPDF(path)
	case ".txt":
		return extractPlainText(path)
	case ".rtf":
		return extractRTF(path)
	case ".docx", ".doc":
		return extractDocx(path)
	default:
		return "", nil, fmt.Errorf("%w: %s", services.ErrUnsupportedFormat, ext)
	}
}

// extractPDF reads the document page by page so the page map records exact
// character ranges. Ranges are contiguous and half-open; page text is joined
// with a single newline that belongs to the earlier page.
func extractPDF(path string) (string, []models.PageRange, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var builder strings.Builder
	var pages []models.PageRange

	total := r.NumPage()
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}

		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		content = sanitizeText(content)

		start := builder.Len()
		builder.WriteString(content)
		if i < total {
			builder.WriteString("\n")
		}

		pages = append(pages, models.PageRange{
			PageNumber: i,
			StartChar:  start,
			EndChar:    builder.Len(),
		})
	}

	text := builder.String()
	if strings.TrimSpace(text) == "" {
		return "", nil, services.ErrExtractionEmpty
	}

	// The last page's range must close exactly at the end of the text.
	if len(pages) > 0 {
		pages[len(pages)-1].EndChar = len(text)
	}

	return text, pages, nil
}

func extractPlainText(path string) (string, []models.PageRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read file: %w", err)
	}

	text := sanitizeText(string(data))
	if strings.TrimSpace(text) == "" {
		return "", nil, services.ErrExtractionEmpty
	}
	return text, wholeDocumentPageMap(text), nil
}

var rtfControlWords = regexp.MustCompile(`\\[a-zA-Z]+-?[0-9]*\s?|[{}]|\\'[0-9a-fA-F]{2}`)

func extractRTF(path string) (string, []models.PageRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read file: %w", err)
	}

	text := rtfControlWords.ReplaceAllString(string(data), "")
	text = sanitizeText(text)
	if strings.TrimSpace(text) == "" {
		return "", nil, services.ErrExtractionEmpty
	}
	return text, wholeDocumentPageMap(text), nil
}

var xmlTags = regexp.MustCompile(`<[^>]+>`)

// extractDocx pulls paragraph text out of the word/document.xml entry.
// Legacy .doc files frequently carry the same zip container when exported by
// modern tooling; genuinely old binary .doc files fail extraction.
func extractDocx(path string) (string, []models.PageRange, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, fmt.Errorf("open document container: %w", err)
	}
	defer zr.Close()

	var docXML string
	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", nil, fmt.Errorf("open document.xml: %w", err)
		}
		var sb strings.Builder
		buf := make([]byte, 32*1024)
		for {
			n, readErr := rc.Read(buf)
			sb.Write(buf[:n])
			if readErr != nil {
				break
			}
		}
		rc.Close()
		docXML = sb.String()
		break
	}

	if docXML == "" {
		return "", nil, fmt.Errorf("extract docx: %w", services.ErrExtractionEmpty)
	}

	// Paragraph closes become newlines before tags are stripped.
	docXML = strings.ReplaceAll(docXML, "</w:p>", "\n")
	text := xmlTags.ReplaceAllString(docXML, "")
	text = sanitizeText(text)
	if strings.TrimSpace(text) == "" {
		return "", nil, services.ErrExtractionEmpty
	}
	return text, wholeDocumentPageMap(text), nil
}

func wholeDocumentPageMap(text string) []models.PageRange {
	return []models.PageRange{{PageNumber: 1, StartChar: 0, EndChar: len(text)}}
}

// sanitizeText normalises line endings, drops invalid UTF-8 and NUL bytes,
// and collapses runs of more than two blank lines.
func sanitizeText(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}
