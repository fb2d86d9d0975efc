package impl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/services"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractPlainText(t *testing.T) {
	extractor := NewTextExtractor([]string{".txt", ".pdf", ".rtf"})

	t.Run("returns full text with a single-page map", func(t *testing.T) {
		path := writeTempFile(t, "paper.txt", "Hello world.\nSecond line.")

		text, pages, err := extractor.ExtractText(path, ".txt")
		require.NoError(t, err)
		assert.Equal(t, "Hello world.\nSecond line.", text)
		require.Len(t, pages, 1)
		assert.Equal(t, 1, pages[0].PageNumber)
		assert.Equal(t, 0, pages[0].StartChar)
		assert.Equal(t, len(text), pages[0].EndChar)
	})

	t.Run("normalises line endings", func(t *testing.T) {
		path := writeTempFile(t, "crlf.txt", "line one\r\nline two\rline three")
		text, _, err := extractor.ExtractText(path, ".txt")
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two\nline three", text)
	})

	t.Run("empty file fails", func(t *testing.T) {
		path := writeTempFile(t, "empty.txt", "   \n  ")
		_, _, err := extractor.ExtractText(path, ".txt")
		assert.True(t, errors.Is(err, services.ErrExtractionEmpty))
	})
}

func TestExtractRTF(t *testing.T) {
	extractor := NewTextExtractor([]string{".rtf"})
	path := writeTempFile(t, "doc.rtf", `{\rtf1\ansi Hello {\b bold} world.}`)

	text, pages, err := extractor.ExtractText(path, ".rtf")
	require.NoError(t, err)
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "world")
	assert.NotContains(t, text, `\rtf1`)
	require.Len(t, pages, 1)
}

func TestExtractorRejections(t *testing.T) {
	extractor := NewTextExtractor([]string{".pdf", ".txt"})

	t.Run("disallowed extension", func(t *testing.T) {
		_, _, err := extractor.ExtractText("whatever.exe", ".exe")
		assert.True(t, errors.Is(err, services.ErrUnsupportedFormat))
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := extractor.ExtractText("/nonexistent/paper.txt", ".txt")
		assert.True(t, errors.Is(err, services.ErrMissingFile))
	})

	t.Run("extension case and dot are normalised", func(t *testing.T) {
		path := writeTempFile(t, "upper.txt", "some content here")
		_, _, err := extractor.ExtractText(path, "TXT")
		assert.NoError(t, err)
	})
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "a\nb", sanitizeText("a\r\nb"))
	assert.Equal(t, "ab", sanitizeText("a\x00b"))
	assert.Equal(t, "a\n\nb", sanitizeText("a\n\n\n\n\nb"))
	assert.Equal(t, "ok", sanitizeText("ok\xff"))
}
