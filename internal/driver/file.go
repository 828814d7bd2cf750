package driver

import (
	"fmt"
	"os"
	"sync"

	"github.com/wandb/eventstore/internal/codec"
	"github.com/wandb/eventstore/internal/paths"

	"context"
)

// FileDriver is a single append-only local file Driver: no blob rotation,
// grounded on the open/append idiom internal/store/store.go uses for its
// own local file. The file is opened with os.OpenFile(O_RDWR|O_CREATE)
// and appended to with WriteAt at the current end of file, without the
// leveldb block framing, since this driver needs random-access reads that
// leveldb's Reader does not support.
type FileDriver struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileDriver opens (creating if necessary) the log file at path. A
// relative path is resolved against the working directory first, so the
// driver behaves the same regardless of what directory the caller runs
// from.
func NewFileDriver(path string) (*FileDriver, error) {
	abs, err := paths.Absolute(path)
	if err != nil {
		return nil, fmt.Errorf("driver: resolving file log path: %w", err)
	}

	f, err := os.OpenFile(string(*abs), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("driver: opening file log: %w", err)
	}
	return &FileDriver{path: string(*abs), f: f}, nil
}

func (d *FileDriver) size() (int64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *FileDriver) GetPositionAsync(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size()
}

func (d *FileDriver) GetLastKeyAsync(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.size()
	if err != nil {
		return 0, err
	}
	data := make([]byte, n)
	if _, err := d.f.ReadAt(data, 0); err != nil && n > 0 {
		return 0, fmt.Errorf("driver: reading file log: %w", err)
	}
	return lastSequenceIn(data), nil
}

func (d *FileDriver) ReadAsync(ctx context.Context, fromPos int64, bufSize int) ([]codec.RawEvent, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total, err := d.size()
	if err != nil {
		return nil, fromPos, err
	}
	if fromPos < 0 || fromPos >= total {
		return nil, fromPos, nil
	}

	readLen := int64(bufSize)
	if fromPos+readLen > total || bufSize <= 0 {
		readLen = total - fromPos
	}
	data := make([]byte, readLen)
	if _, err := d.f.ReadAt(data, fromPos); err != nil {
		return nil, fromPos, fmt.Errorf("driver: reading file log: %w", err)
	}

	events, consumed := decodeUpTo(data, bufSize)
	return events, fromPos + int64(consumed), nil
}

func (d *FileDriver) WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (bool, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.size()
	if err != nil {
		return false, 0, err
	}
	if atPos != cur {
		return false, cur, nil
	}

	var buf []byte
	for _, e := range events {
		rec, err := codec.Serialize(e.Sequence, e.Payload)
		if err != nil {
			return false, cur, err
		}
		buf = append(buf, rec...)
	}

	if _, err := d.f.WriteAt(buf, cur); err != nil {
		return false, cur, fmt.Errorf("driver: writing file log: %w", err)
	}

	return true, cur + int64(len(buf)), nil
}

func (d *FileDriver) SeekAsync(ctx context.Context, seq uint32) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.size()
	if err != nil {
		return 0, err
	}
	data := make([]byte, n)
	if n > 0 {
		if _, err := d.f.ReadAt(data, 0); err != nil {
			return 0, fmt.Errorf("driver: reading file log: %w", err)
		}
	}
	return seekIn(ctx, data, seq), nil
}

func (d *FileDriver) RefreshCache(ctx context.Context) error { return nil }

func (d *FileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
