package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/config"
)

func uploadHandlers(t *testing.T) *PaperHandlers {
	t.Helper()
	return &PaperHandlers{
		uploadCfg: config.UploadConfig{
			DataDir:           t.TempDir(),
			MaxUploadSize:     1 << 20,
			AllowedExtensions: []string{".pdf", ".txt", ".md"},
		},
	}
}

func TestExtensionAllowed(t *testing.T) {
	h := uploadHandlers(t)

	assert.True(t, h.extensionAllowed(".pdf"))
	assert.True(t, h.extensionAllowed(".PDF"), "extension match is case-insensitive")
	assert.True(t, h.extensionAllowed(".txt"))
	assert.False(t, h.extensionAllowed(".exe"))
	assert.False(t, h.extensionAllowed(""))
}

func TestStoreUpload(t *testing.T) {
	h := uploadHandlers(t)
	content := "the uploaded document body"

	path, hash, err := h.storeUpload(strings.NewReader(content), ".pdf")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	wantHash := hex.EncodeToString(sum[:])
	assert.Equal(t, wantHash, hash)
	assert.Equal(t, filepath.Join(h.uploadCfg.DataDir, "uploads", wantHash+".pdf"), path)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))

	t.Run("same content converges on the same path", func(t *testing.T) {
		again, againHash, err := h.storeUpload(strings.NewReader(content), ".pdf")
		require.NoError(t, err)
		assert.Equal(t, path, again)
		assert.Equal(t, hash, againHash)

		entries, err := os.ReadDir(filepath.Join(h.uploadCfg.DataDir, "uploads"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})
}
