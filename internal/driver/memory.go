package driver

import (
	"context"
	"sync"

	"github.com/wandb/eventstore/internal/codec"
)

// MemoryDriver is a heap-backed Driver with no blob rotation and no
// compaction, used for tests. It models the spec's "in-memory" backend as
// a single mutable byte buffer, the same shape gocloud.dev/blob/memblob
// uses for its single in-process blob.
type MemoryDriver struct {
	mu  sync.Mutex
	log []byte
}

// NewMemoryDriver returns an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{}
}

func (d *MemoryDriver) GetPositionAsync(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.log)), nil
}

func (d *MemoryDriver) GetLastKeyAsync(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lastSequenceIn(d.log), nil
}

func (d *MemoryDriver) ReadAsync(ctx context.Context, fromPos int64, bufSize int) ([]codec.RawEvent, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fromPos < 0 || fromPos > int64(len(d.log)) {
		return nil, fromPos, nil
	}
	if fromPos == int64(len(d.log)) {
		return nil, fromPos, nil
	}

	events, consumed := decodeUpTo(d.log[fromPos:], bufSize)
	return events, fromPos + int64(consumed), nil
}

func (d *MemoryDriver) WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (bool, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if atPos != int64(len(d.log)) {
		return false, int64(len(d.log)), nil
	}

	for _, e := range events {
		buf, err := codec.Serialize(e.Sequence, e.Payload)
		if err != nil {
			return false, int64(len(d.log)), err
		}
		d.log = append(d.log, buf...)
	}

	return true, int64(len(d.log)), nil
}

func (d *MemoryDriver) SeekAsync(ctx context.Context, seq uint32) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return seekIn(ctx, d.log, seq), nil
}

func (d *MemoryDriver) RefreshCache(ctx context.Context) error { return nil }

func (d *MemoryDriver) Close() error { return nil }
