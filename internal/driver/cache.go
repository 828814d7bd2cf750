package driver

import (
	"context"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"github.com/wandb/eventstore/internal/codec"
)

// cachedRange records the length mirrored locally for a given blob-aligned
// read, keyed by fromPos, so a repeat ReadAsync at the same position can be
// served from disk instead of the underlying driver.
type cachedRange struct {
	path string
	size int64
}

// CacheDriver wraps another Driver with a local mirror directory (spec
// §4.2 "Read cache (optional local)"). Writes always go to the underlying
// driver; reads are mirrored to fs on first fetch and served locally
// afterward, with an integrity check against the remote blob length.
type CacheDriver struct {
	inner Driver
	fs    afero.Fs
	dir   string

	mu    sync.Mutex
	index *lru.Cache // fromPos (int64) -> cachedRange
}

// NewCacheDriver wraps inner, mirroring reads under dir on fs. fs is
// normally afero.NewOsFs() in production and afero.NewMemMapFs() in tests
// (matching the teacher's use of afero for a swappable filesystem in
// pkg/observability/util_test.go).
func NewCacheDriver(inner Driver, fs afero.Fs, dir string) (*CacheDriver, error) {
	idx, err := lru.New(4096)
	if err != nil {
		return nil, fmt.Errorf("driver: creating cache index: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("driver: creating cache dir: %w", err)
	}
	return &CacheDriver{inner: inner, fs: fs, dir: dir, index: idx}, nil
}

func (d *CacheDriver) mirrorPath(fromPos int64) string {
	return fmt.Sprintf("%s/range-%020d", d.dir, fromPos)
}

func (d *CacheDriver) GetPositionAsync(ctx context.Context) (int64, error) {
	return d.inner.GetPositionAsync(ctx)
}

func (d *CacheDriver) GetLastKeyAsync(ctx context.Context) (uint32, error) {
	return d.inner.GetLastKeyAsync(ctx)
}

// ReadAsync serves from the local mirror when a prior read at the same
// fromPos is cached, the remote log length is at least the cached range's
// length, and the local file still has that length; otherwise it fetches
// from inner and mirrors the returned events, re-serialized as records,
// locally for next time. A later call at the same fromPos is served only
// the records of that first read, even with a larger bufSize.
func (d *CacheDriver) ReadAsync(ctx context.Context, fromPos int64, bufSize int) ([]codec.RawEvent, int64, error) {
	d.mu.Lock()
	cached, ok := d.index.Get(fromPos)
	d.mu.Unlock()

	if ok {
		cr := cached.(cachedRange)
		remoteSize, err := d.inner.GetPositionAsync(ctx)
		if err == nil && remoteSize >= cr.size {
			data, readErr := afero.ReadFile(d.fs, cr.path)
			if readErr == nil && int64(len(data)) == cr.size {
				events, consumed := decodeUpTo(data, bufSize)
				return events, fromPos + int64(consumed), nil
			}
			// Integrity mismatch: discard the stale mirror file.
			_ = d.fs.Remove(cr.path)
			d.mu.Lock()
			d.index.Remove(fromPos)
			d.mu.Unlock()
		}
	}

	events, nextPos, err := d.inner.ReadAsync(ctx, fromPos, bufSize)
	if err != nil {
		return nil, fromPos, err
	}

	if err := d.mirror(fromPos, events); err != nil {
		// Mirroring is best-effort; a failure to cache locally must not
		// fail the read itself.
		return events, nextPos, nil
	}

	return events, nextPos, nil
}

func (d *CacheDriver) mirror(fromPos int64, events []codec.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf []byte
	for _, e := range events {
		rec, err := codec.Serialize(e.Sequence, e.Payload)
		if err != nil {
			return err
		}
		buf = append(buf, rec...)
	}

	path := d.mirrorPath(fromPos)
	tmp := path + ".tmp"
	f, err := d.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = d.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	// Name-then-rename avoids ever exposing a partially written mirror
	// file (spec §5: "Local read cache directory: file writes are
	// name-then-rename to avoid exposing partial files").
	if err := d.fs.Rename(tmp, path); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}

	d.mu.Lock()
	d.index.Add(fromPos, cachedRange{path: path, size: int64(len(buf))})
	d.mu.Unlock()
	return nil
}

func (d *CacheDriver) WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (bool, int64, error) {
	return d.inner.WriteAsync(ctx, atPos, events)
}

func (d *CacheDriver) SeekAsync(ctx context.Context, seq uint32) (int64, error) {
	return d.inner.SeekAsync(ctx, seq)
}

func (d *CacheDriver) RefreshCache(ctx context.Context) error {
	return d.inner.RefreshCache(ctx)
}

func (d *CacheDriver) Close() error {
	return d.inner.Close()
}

var _ io.Closer = (*CacheDriver)(nil)
