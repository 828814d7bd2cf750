package cacheprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/wandb/eventstore/internal/projection"
	"github.com/wandb/eventstore/internal/store"
)

// CRCFile is a Directory-like Provider that frames each snapshot with the
// same leveldb-style CRC record internal/store uses for local run logs,
// so a truncated or bit-flipped cache file surfaces as a read error
// instead of silently decoding into wrong state. It needs a real
// filesystem: internal/store opens files directly rather than through
// afero, so unlike Directory it cannot run against an in-memory fs.
type CRCFile struct {
	dir string
}

// NewCRCFile returns a CRCFile-backed Provider rooted at dir.
func NewCRCFile(dir string) (*CRCFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cacheprovider: creating directory: %w", err)
	}
	return &CRCFile{dir: dir}, nil
}

func (c *CRCFile) path(stateName string) string {
	return c.dir + "/" + stateName + ".crclog"
}

func (c *CRCFile) OpenRead(ctx context.Context, stateName string) func(yield func(projection.Candidate) bool) {
	return func(yield func(projection.Candidate) bool) {
		s := store.New(ctx, store.StoreOptions{Name: c.path(stateName), Flag: os.O_RDONLY})
		if err := s.Open(); err != nil {
			return
		}
		defer s.Close()

		data, err := s.Read()
		if err != nil {
			return
		}
		yield(projection.Candidate{Name: stateName, Reader: bytes.NewReader(data)})
	}
}

func (c *CRCFile) TryWrite(ctx context.Context, stateName string, write func(io.Writer) error) (bool, error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return false, err
	}

	path := c.path(stateName)
	tmp := path + ".tmp"

	s := store.New(ctx, store.StoreOptions{Name: tmp, Flag: os.O_WRONLY})
	if err := s.Open(); err != nil {
		return false, fmt.Errorf("cacheprovider: opening crc snapshot: %w", err)
	}
	if err := s.Write(buf.Bytes()); err != nil {
		_ = s.Close()
		_ = os.Remove(tmp)
		return false, err
	}
	if err := s.Close(); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("cacheprovider: publishing crc snapshot: %w", err)
	}
	return true, nil
}

var _ Provider = (*CRCFile)(nil)
