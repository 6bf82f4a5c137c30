package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKind(t *testing.T) {
	all := cleanOptions{torrents: true, magnets: true, sessions: true}
	tests := []struct {
		name string
		opts cleanOptions
		file string
		want string
	}{
		{"Part file", cleanOptions{}, "video.mp4.part", ".part"},
		{"Upper case part", cleanOptions{}, "IMG.PART", ".part"},
		{"Torrent without flag", cleanOptions{}, "folder.torrent", ""},
		{"Torrent with flag", all, "folder.torrent", ".torrent"},
		{"Magnet with flag", all, "folder-magnet.txt", "-magnet.txt"},
		{"Retry session", all, "retry_session_abc.yaml", "session"},
		{"Failed list", all, "failed_abc.txt", "session"},
		{"Failed list without flag", cleanOptions{}, "failed_abc.txt", ""},
		{"Regular file", all, "picture.jpg", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.cleanKind(tt.file))
		})
	}
}

func TestCleanDir(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "Tifa")
	require.NoError(t, os.MkdirAll(sub, 0755))
	for _, p := range []string{
		filepath.Join(root, "a.jpg.part"),
		filepath.Join(sub, "b.mp4.part"),
		filepath.Join(sub, "keep.jpg"),
		filepath.Join(sub, "Tifa.torrent"),
		filepath.Join(root, "retry_session.yaml"),
	} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	removed, failed, err := cleanDir(root, cleanOptions{torrents: true})
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Equal(t, 2, removed[".part"])
	assert.Equal(t, 1, removed[".torrent"])

	assert.FileExists(t, filepath.Join(sub, "keep.jpg"))
	assert.FileExists(t, filepath.Join(root, "retry_session.yaml"))
	assert.NoFileExists(t, filepath.Join(sub, "b.mp4.part"))
	assert.NoFileExists(t, filepath.Join(sub, "Tifa.torrent"))
}

func TestCleanDirDryRun(t *testing.T) {
	root := t.TempDir()
	part := filepath.Join(root, "a.part")
	require.NoError(t, os.WriteFile(part, []byte("x"), 0644))

	removed, _, err := cleanDir(root, cleanOptions{dryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed[".part"])
	assert.FileExists(t, part)
}
