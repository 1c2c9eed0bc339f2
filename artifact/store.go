package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Archive mirrors run artifacts to durable storage. Objects are scoped by run
// ID and identified by a slash-separated key.
type Archive interface {
	// Put stores the reader's content under key for the run.
	Put(ctx context.Context, runID uuid.UUID, key string, r io.Reader) error

	// List returns all objects archived for the run.
	List(ctx context.Context, runID uuid.UUID) ([]Object, error)

	// DeleteRun removes every object for the run and returns how many were
	// removed.
	DeleteRun(ctx context.Context, runID uuid.UUID) (int, error)
}

// Object is metadata about an archived file.
type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"` // SHA256 hex digest
}

// ArchiveDir uploads every regular file under dir to a, keyed by prefix plus
// the file's path relative to dir. It returns the number of files uploaded.
func ArchiveDir(ctx context.Context, a Archive, runID uuid.UUID, dir, prefix string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := a.Put(ctx, runID, path.Join(prefix, filepath.ToSlash(rel)), f); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("archive %s: %w", dir, err)
	}
	return n, nil
}
