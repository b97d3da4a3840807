package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestStorage(t *testing.T, maxTotal int64) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "job-1"), maxTotal, arbor.NewLogger())
	require.NoError(t, err)
	return s
}

func TestStorageWriteRead(t *testing.T) {
	s := newTestStorage(t, 0)

	err := s.Write("example.test/index.html", []byte("<html></html>"))
	require.NoError(t, err)

	data, err := s.Read("example.test/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	stats := s.Stats()
	assert.Equal(t, 1, stats.FilesWritten)
	assert.Equal(t, int64(13), stats.TotalBytes)
	assert.Equal(t, 1, stats.Directories)
}

func TestStorageTraversalRejected(t *testing.T) {
	s := newTestStorage(t, 0)

	cases := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
		"",
	}
	for _, p := range cases {
		err := s.Write(p, []byte("x"))
		require.Error(t, err, p)
		assert.ErrorIs(t, err, ErrPathEscapesRoot, p)
	}

	// interior dot-dot that still lands inside is cleaned, not rejected
	err := s.Write("host/a/../b.txt", []byte("ok"))
	assert.NoError(t, err)

	_, err = s.Read("../outside.txt")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestStorageSizeCeiling(t *testing.T) {
	s := newTestStorage(t, 100)

	require.NoError(t, s.Write("h/a.bin", make([]byte, 60)))

	err := s.Write("h/b.bin", make([]byte, 50))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeLimit)

	// still room for a smaller file
	require.NoError(t, s.Write("h/c.bin", make([]byte, 40)))
	assert.Equal(t, int64(100), s.Stats().TotalBytes)
}

func TestStorageOverwriteAccounting(t *testing.T) {
	s := newTestStorage(t, 100)

	require.NoError(t, s.Write("h/page.html", make([]byte, 80)))

	// rewriting the same path replaces its accounting rather than adding
	require.NoError(t, s.Write("h/page.html", make([]byte, 90)))

	stats := s.Stats()
	assert.Equal(t, 1, stats.FilesWritten)
	assert.Equal(t, int64(90), stats.TotalBytes)
}

func TestStorageListFiles(t *testing.T) {
	s := newTestStorage(t, 0)

	require.NoError(t, s.Write("a.test/index.html", []byte("a")))
	require.NoError(t, s.Write("a.test/css/site.css", []byte("b")))
	require.NoError(t, s.Write("cdn.test/logo.png", []byte("c")))

	files, err := s.ListFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"a.test/index.html",
		"a.test/css/site.css",
		"cdn.test/logo.png",
	}, files)
}

func TestStorageCleanup(t *testing.T) {
	s := newTestStorage(t, 0)
	require.NoError(t, s.Write("h/x.txt", []byte("x")))

	require.NoError(t, s.Cleanup())

	_, err := os.Stat(s.BaseDir())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, s.Stats().FilesWritten)
}
