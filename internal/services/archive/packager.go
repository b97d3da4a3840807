// -----------------------------------------------------------------------
// Archive Packager - streams a finished job sandbox into a tar.gz so a
// completed archive can be downloaded or moved as a single file
// -----------------------------------------------------------------------

package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ternarybob/arbor"
)

// PackResult summarises one packaging run.
type PackResult struct {
	Files        int           `json:"files"`
	BytesWritten int64         `json:"bytes_written"`
	Duration     time.Duration `json:"duration"`
}

// Packager turns a sandbox directory into a gzip-compressed tarball.
type Packager struct {
	logger arbor.ILogger
}

// NewPackager creates a packager.
func NewPackager(logger arbor.ILogger) *Packager {
	return &Packager{logger: logger}
}

// ArchiveName returns the canonical archive filename for a job.
func ArchiveName(jobID string) string {
	return jobID + ".tar.gz"
}

// Package streams every regular file under sourceDir into a tar.gz at
// destPath. Entry names are slash-separated paths relative to sourceDir, so
// the tarball unpacks into the same browsable tree the crawl produced. The
// write is atomic: a temp file is renamed over destPath only after the
// stream closes cleanly.
func (p *Packager) Package(ctx context.Context, sourceDir, destPath string) (*PackResult, error) {
	start := time.Now()

	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", sourceDir)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".arca-pack-*")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	files, addErr := p.addTree(ctx, tw, sourceDir)

	closeErr := tw.Close()
	if gzErr := gz.Close(); closeErr == nil {
		closeErr = gzErr
	}
	if fileErr := tmp.Close(); closeErr == nil {
		closeErr = fileErr
	}

	if addErr == nil {
		addErr = closeErr
	}
	if addErr != nil {
		os.Remove(tmpPath)
		return nil, addErr
	}

	fi, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("stat temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("finalise archive %s: %w", destPath, err)
	}

	result := &PackResult{
		Files:        files,
		BytesWritten: fi.Size(),
		Duration:     time.Since(start),
	}

	p.logger.Info().
		Str("archive", destPath).
		Int("files", result.Files).
		Int64("bytes", result.BytesWritten).
		Dur("duration", result.Duration).
		Msg("Sandbox packaged")

	return result, nil
}

func (p *Packager) addTree(ctx context.Context, tw *tar.Writer, sourceDir string) (int, error) {
	files := 0
	err := filepath.Walk(sourceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		header.Name = rel

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}

		files++
		return nil
	})
	return files, err
}
