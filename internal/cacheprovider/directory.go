package cacheprovider

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/wandb/eventstore/internal/projection"
)

// Directory is the simplest Provider: one file per projection name,
// written name-then-rename to avoid ever exposing a partial snapshot
// (spec §5).
type Directory struct {
	fs  afero.Fs
	dir string
}

// NewDirectory returns a Directory-backed Provider rooted at dir on fs.
func NewDirectory(fs afero.Fs, dir string) (*Directory, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cacheprovider: creating directory: %w", err)
	}
	return &Directory{fs: fs, dir: dir}, nil
}

func (d *Directory) path(stateName string) string {
	return d.dir + "/" + stateName + ".snapshot"
}

func (d *Directory) OpenRead(ctx context.Context, stateName string) func(yield func(projection.Candidate) bool) {
	return func(yield func(projection.Candidate) bool) {
		f, err := d.fs.Open(d.path(stateName))
		if err != nil {
			return
		}
		defer f.Close()
		yield(projection.Candidate{Name: stateName, Reader: f})
	}
}

func (d *Directory) TryWrite(ctx context.Context, stateName string, write func(io.Writer) error) (bool, error) {
	path := d.path(stateName)
	tmp := path + ".tmp"

	f, err := d.fs.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("cacheprovider: creating snapshot: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = d.fs.Remove(tmp)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = d.fs.Remove(tmp)
		return false, err
	}
	if err := d.fs.Rename(tmp, path); err != nil {
		_ = d.fs.Remove(tmp)
		return false, fmt.Errorf("cacheprovider: publishing snapshot: %w", err)
	}
	return true, nil
}
