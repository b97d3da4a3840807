// -----------------------------------------------------------------------
// Archive Storage
// Materialises fetched bytes under a per-job sandbox directory
// -----------------------------------------------------------------------

package crawler

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
)

var (
	// ErrPathEscapesRoot is returned when a write or read would land
	// outside the sandbox. This indicates a bug upstream and is fatal to
	// the run.
	ErrPathEscapesRoot = errors.New("path escapes storage root")

	// ErrSizeLimit is returned when a write would push the sandbox past
	// its aggregate byte ceiling. Fatal to the run.
	ErrSizeLimit = errors.New("storage size limit exceeded")
)

// Storage is the per-job sandbox. Every path it accepts is relative,
// forward-slash separated, and resolved strictly beneath the base
// directory.
type Storage struct {
	baseDir      string // absolute
	maxTotalSize int64  // 0 disables the ceiling
	logger       arbor.ILogger

	mu         sync.Mutex
	files      map[string]int64 // relPath -> size, overwrites replace
	dirs       map[string]bool
	totalBytes int64
}

// NewStorage creates the sandbox directory and returns a handle to it.
func NewStorage(baseDir string, maxTotalSize int64, logger arbor.ILogger) (*Storage, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{
		baseDir:      abs,
		maxTotalSize: maxTotalSize,
		logger:       logger,
		files:        make(map[string]int64),
		dirs:         make(map[string]bool),
	}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Storage) BaseDir() string {
	return s.baseDir
}

// resolve joins a relative path onto the sandbox root and rejects anything
// that normalises outside it. The returned clean relative path is the
// accounting key, so aliases of the same file share one entry.
func (s *Storage) resolve(relPath string) (fullPath, cleanRel string, err error) {
	if relPath == "" || strings.HasPrefix(relPath, "/") || filepath.IsAbs(filepath.FromSlash(relPath)) {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	joined := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(relPath)))
	if joined == s.baseDir || !strings.HasPrefix(joined, s.baseDir+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	rel, err := filepath.Rel(s.baseDir, joined)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	return joined, filepath.ToSlash(rel), nil
}

// Write stores bytes at a sandbox-relative path, creating parent
// directories as needed. Rewriting the same path replaces the previous
// content; the registry guarantees one path per canonical URL, so the last
// writer wins by design of the caller. The lock is held across the check
// and the write so the ceiling holds at every point in time.
func (s *Storage) Write(relPath string, data []byte) error {
	fullPath, cleanRel, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.files[cleanRel]
	projected := s.totalBytes - previous + int64(len(data))
	if s.maxTotalSize > 0 && projected > s.maxTotalSize {
		return fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrSizeLimit, s.totalBytes-previous, len(data), s.maxTotalSize)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", relPath, err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}

	s.totalBytes = projected
	s.files[cleanRel] = int64(len(data))
	for dir := path.Dir(cleanRel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}

	s.logger.Debug().
		Str("path", cleanRel).
		Int("bytes", len(data)).
		Msg("Stored file")

	return nil
}

// Read returns the bytes at a sandbox-relative path.
func (s *Storage) Read(relPath string) ([]byte, error) {
	fullPath, _, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	return data, nil
}

// ListFiles walks the sandbox and returns every stored file as a
// forward-slash relative path.
func (s *Storage) ListFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list storage files: %w", err)
	}
	return files, nil
}

// Stats returns a consistent snapshot of write-side counters.
func (s *Storage) Stats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StorageStats{
		FilesWritten: len(s.files),
		TotalBytes:   s.totalBytes,
		Directories:  len(s.dirs),
	}
}

// Cleanup removes the entire sandbox.
func (s *Storage) Cleanup() error {
	s.mu.Lock()
	s.files = make(map[string]int64)
	s.dirs = make(map[string]bool)
	s.totalBytes = 0
	s.mu.Unlock()

	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("cleanup storage: %w", err)
	}
	return nil
}
