package cmd

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-kemono-download/internal/database"
	"go-kemono-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestVerifyEntries(t *testing.T) {
	save := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(save, "Tifa"), 0755))
	good := []byte("good content")
	require.NoError(t, os.WriteFile(filepath.Join(save, "Tifa", "good.jpg"), good, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(save, "Tifa", "changed.jpg"), []byte("changed"), 0644))

	entries := []models.HistoryEntry{
		{Folder: "Tifa", Filename: "good.jpg", MD5: md5Hex(good)},
		{Folder: "Tifa", Filename: "changed.jpg", MD5: md5Hex([]byte("original"))},
		{Folder: "Tifa", Filename: "gone.jpg", MD5: md5Hex([]byte("gone"))},
	}

	r := verifyEntries(save, entries, true)
	assert.Equal(t, 1, r.ok)
	assert.Equal(t, 1, r.mismatch)
	assert.Equal(t, 1, r.missing)
	assert.Equal(t, []string{database.FileKey(md5Hex([]byte("gone")))}, r.missingKeys)

	r = verifyEntries(save, entries, false)
	assert.Equal(t, 2, r.ok)
	assert.Zero(t, r.mismatch)
}

func TestPrintEntries(t *testing.T) {
	var out bytes.Buffer
	printEntries(&out, []models.HistoryEntry{{
		PostTitle: "Sketch",
		Filename:  "01.jpg",
		Folder:    "Tifa",
		Service:   "patreon",
		CreatorID: "1",
		PostID:    "9",
		Size:      2048,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 0, 0, time.Local).Unix(),
	}})
	assert.Contains(t, out.String(), "Post Title")
	assert.Contains(t, out.String(), "Sketch")
	assert.Contains(t, out.String(), "2.00KB")
	assert.Contains(t, out.String(), "2024-01-02 03:04")
}
