package cacheprovider

import (
	"bytes"
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/wandb/eventstore/internal/projection"
)

// MirroredWithFallback layers a local afero mirror in front of a remote
// Provider: reads try the local copy first and fall back to the remote
// provider's own newest-first sequence; writes go to the remote provider
// and are mirrored locally best-effort.
type MirroredWithFallback struct {
	remote Provider
	fs     afero.Fs
	dir    string
}

// NewMirroredWithFallback wraps remote with a local mirror rooted at dir
// on fs.
func NewMirroredWithFallback(remote Provider, fs afero.Fs, dir string) (*MirroredWithFallback, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MirroredWithFallback{remote: remote, fs: fs, dir: dir}, nil
}

func (m *MirroredWithFallback) mirrorPath(stateName string) string {
	return m.dir + "/" + stateName + ".snapshot"
}

func (m *MirroredWithFallback) OpenRead(ctx context.Context, stateName string) func(yield func(projection.Candidate) bool) {
	return func(yield func(projection.Candidate) bool) {
		if f, err := m.fs.Open(m.mirrorPath(stateName)); err == nil {
			data, readErr := io.ReadAll(f)
			_ = f.Close()
			if readErr == nil {
				if !yield(projection.Candidate{Name: stateName, Reader: bytes.NewReader(data)}) {
					return
				}
			}
		}

		remoteYield := m.remote.OpenRead(ctx, stateName)
		remoteYield(yield)
	}
}

func (m *MirroredWithFallback) TryWrite(ctx context.Context, stateName string, write func(io.Writer) error) (bool, error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return false, err
	}
	data := buf.Bytes()

	ok, err := m.remote.TryWrite(ctx, stateName, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil || !ok {
		return ok, err
	}

	// Mirroring is best-effort: a failure here must not undo the
	// successful remote write.
	path := m.mirrorPath(stateName)
	tmp := path + ".tmp"
	if f, ferr := m.fs.Create(tmp); ferr == nil {
		if _, werr := f.Write(data); werr == nil {
			if cerr := f.Close(); cerr == nil {
				_ = m.fs.Rename(tmp, path)
			}
		} else {
			_ = f.Close()
			_ = m.fs.Remove(tmp)
		}
	}

	return true, nil
}
