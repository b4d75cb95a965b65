package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired records as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/audit_log/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
//	{basePath}/webhook_deliveries/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver rooted at basePath.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// Archive writes records to a new file and returns its path. A failed write
// leaves no file behind.
func (a *LocalFileArchiver) Archive(_ context.Context, dataKind string, records []any) (_ string, err error) {
	dir := filepath.Join(a.basePath, dataKind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode %s record: %w", dataKind, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}

	log.Debug().
		Str("path", path).
		Int("count", len(records)).
		Str("kind", dataKind).
		Msg("Archived records to local file")

	return path, nil
}

// HealthCheck verifies the archive directory is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
