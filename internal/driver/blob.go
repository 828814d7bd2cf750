package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jpillora/backoff"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wandb/eventstore/internal/codec"
)

// DefaultSoftCapBytes is the recommended active-blob rotation threshold
// (spec §4.2 open question: "pick a value in the hundreds of MiB").
const DefaultSoftCapBytes = 256 * 1024 * 1024

// DefaultCompactionThreshold is the recommended number of sealed,
// non-compact blobs that triggers a compaction run (spec §4.2 open
// question, defaulted to 2 per spec §9).
const DefaultCompactionThreshold = 2

// BlobOptions configures a BlobDriver.
type BlobOptions struct {
	// SoftCapBytes is the rotation threshold for the active blob. Zero
	// means DefaultSoftCapBytes.
	SoftCapBytes int64

	// CompactionThreshold is the number of sealed blobs that triggers
	// compaction. Zero means DefaultCompactionThreshold.
	CompactionThreshold int

	// SingleBlob disables rotation entirely, modeling the spec's
	// "single-append-blob object store" backend (used for backups): all
	// writes target events.00000 and compaction never runs.
	SingleBlob bool

	// RequestsPerSecond throttles calls to the backing bucket (reads,
	// writes, and compaction's blob concatenation). Zero disables
	// throttling.
	RequestsPerSecond float64
}

func (o BlobOptions) withDefaults() BlobOptions {
	if o.SoftCapBytes <= 0 {
		o.SoftCapBytes = DefaultSoftCapBytes
	}
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}
	return o
}

type blobInfo struct {
	index   int
	compact bool
	size    int64
}

// BlobDriver is a multi-blob object-store Driver backed by
// gocloud.dev/blob.Bucket. With BlobOptions.SingleBlob set it instead
// behaves as the spec's single-append-blob backend (no rotation, no
// compaction).
type BlobDriver struct {
	bucket *blob.Bucket
	opts   BlobOptions

	mu            sync.Mutex
	blobs         []blobInfo // ascending by index, refreshed lazily
	listValid     bool
	firstKeyIndex *lru.Cache
	compaction    *CompactionHandle
	eg            errgroup.Group // bounds the single in-flight compaction goroutine
	limiter       *rate.Limiter  // nil means unthrottled
}

// NewBlobDriver wraps bucket (already opened, e.g. via OpenBucket) as a
// Driver rooted at the bucket's namespace.
func NewBlobDriver(bucket *blob.Bucket, opts BlobOptions) (*BlobDriver, error) {
	idx, err := lru.New(1024)
	if err != nil {
		return nil, fmt.Errorf("driver: creating first-key cache: %w", err)
	}

	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &BlobDriver{
		bucket:        bucket,
		opts:          opts,
		firstKeyIndex: idx,
		limiter:       limiter,
	}, nil
}

// throttle blocks until the next bucket call is allowed, if a
// RequestsPerSecond limit was configured.
func (d *BlobDriver) throttle(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func newRetryBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// withRetry retries fn on any error, up to attempts calls, with bounded
// backoff,
// matching the teacher's option-function-configured backoff idiom from
// internal/retryableclient/clients.go, adapted here to wrap individual
// bucket calls instead of an HTTP round-tripper.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	b := newRetryBackoff()
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}

func (d *BlobDriver) refreshLocked(ctx context.Context) error {
	var blobs []blobInfo

	err := withRetry(ctx, 5, func() error {
		blobs = nil
		iter := d.bucket.List(nil)
		for {
			obj, err := iter.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("driver: listing blobs: %w", err)
			}
			index, compact, perr := ParseBlobNameAllowCompact(obj.Key)
			if perr != nil {
				continue
			}
			blobs = append(blobs, blobInfo{index: index, compact: compact, size: obj.Size})
		}
	})
	if err != nil {
		return err
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].index < blobs[j].index })
	d.blobs = blobs
	d.listValid = true
	return nil
}

func (d *BlobDriver) ensureListLocked(ctx context.Context) error {
	if d.listValid {
		return nil
	}
	return d.refreshLocked(ctx)
}

func (d *BlobDriver) invalidateLocked() {
	d.listValid = false
}

// activeBlobLocked returns the highest-indexed non-compact blob, or nil if
// the log is empty.
func (d *BlobDriver) activeBlobLocked() *blobInfo {
	var active *blobInfo
	for i := range d.blobs {
		b := &d.blobs[i]
		if b.compact {
			continue
		}
		if active == nil || b.index > active.index {
			active = b
		}
	}
	return active
}

// sealedBlobsLocked returns non-active, non-compact blobs, ascending.
func (d *BlobDriver) sealedBlobsLocked() []blobInfo {
	active := d.activeBlobLocked()
	var sealed []blobInfo
	for _, b := range d.blobs {
		if b.compact {
			continue
		}
		if active != nil && b.index == active.index {
			continue
		}
		sealed = append(sealed, b)
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].index < sealed[j].index })
	return sealed
}

func (d *BlobDriver) totalSizeLocked() int64 {
	var total int64
	for _, b := range d.blobs {
		if b.compact {
			continue
		}
		total += b.size
	}
	return total
}

func (d *BlobDriver) readBlobBytes(ctx context.Context, key string) ([]byte, error) {
	if err := d.throttle(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := withRetry(ctx, 5, func() error {
		r, err := d.bucket.NewReader(ctx, key, nil)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	})
	return data, err
}

func (d *BlobDriver) writeBlobBytes(ctx context.Context, key string, data []byte) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	return withRetry(ctx, 5, func() error {
		w, err := d.bucket.NewWriter(ctx, key, nil)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
}

func (d *BlobDriver) GetPositionAsync(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureListLocked(ctx); err != nil {
		return 0, err
	}
	return d.totalSizeLocked(), nil
}

func (d *BlobDriver) GetLastKeyAsync(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureListLocked(ctx); err != nil {
		return 0, err
	}
	active := d.activeBlobLocked()
	if active == nil {
		return 0, nil
	}
	data, err := d.readBlobBytes(ctx, BlobName(active.index, false))
	if err != nil {
		return 0, err
	}
	return lastSequenceIn(data), nil
}

// blobAt returns the blob (ascending index, skipping compact duplicates
// that have not yet had their originals pruned) that the global position
// pos falls within, plus the start offset of that blob within the log and
// the in-blob offset.
func (d *BlobDriver) blobAt(pos int64) (blobInfo, int64, bool) {
	var cursor int64
	for _, b := range d.blobs {
		if b.compact {
			continue
		}
		if pos < cursor+b.size {
			return b, cursor, true
		}
		cursor += b.size
	}
	return blobInfo{}, cursor, false
}

func (d *BlobDriver) ReadAsync(ctx context.Context, fromPos int64, bufSize int) ([]codec.RawEvent, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureListLocked(ctx); err != nil {
		return nil, fromPos, err
	}

	var events []codec.RawEvent
	pos := fromPos
	remaining := bufSize

	for remaining > 0 || bufSize <= 0 {
		b, blobStart, ok := d.blobAt(pos)
		if !ok {
			break
		}
		data, err := d.readBlobBytes(ctx, BlobName(b.index, b.compact))
		if err != nil {
			return events, pos, err
		}
		offsetInBlob := pos - blobStart
		if offsetInBlob < 0 || offsetInBlob > int64(len(data)) {
			break
		}

		got, consumed := decodeUpTo(data[offsetInBlob:], remaining)
		events = append(events, got...)
		pos += int64(consumed)

		if bufSize > 0 {
			remaining -= consumed
		}

		// Stop crossing into the next blob unless this blob was
		// consumed exactly to its end (no truncated tail, no
		// buffer exhaustion mid-blob).
		if offsetInBlob+int64(consumed) < int64(len(data)) {
			break
		}
		if bufSize <= 0 {
			continue
		}
	}

	return events, pos, nil
}

func (d *BlobDriver) WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (bool, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The compare-and-append check below must be made against the
	// bucket's live length, not a cached listing: listValid can still be
	// true from an earlier ReadAsync/GetLastKeyAsync call on this same
	// instance, but another process sharing the bucket may have appended
	// a blob since then. Using ensureListLocked here would let a stale
	// cached total pass the check against a tail position that no longer
	// exists.
	if err := d.refreshLocked(ctx); err != nil {
		return false, atPos, err
	}

	total := d.totalSizeLocked()
	if atPos != total {
		return false, total, nil
	}
	if len(events) == 0 {
		return true, total, nil
	}

	var newBytes []byte
	for _, e := range events {
		rec, err := codec.Serialize(e.Sequence, e.Payload)
		if err != nil {
			return false, total, err
		}
		newBytes = append(newBytes, rec...)
	}

	active := d.activeBlobLocked()

	var targetIndex int
	var existing []byte
	switch {
	case active == nil:
		targetIndex = 0
	case !d.opts.SingleBlob && active.size+int64(len(newBytes)) > d.opts.SoftCapBytes:
		targetIndex = active.index + 1
	default:
		targetIndex = active.index
		data, err := d.readBlobBytes(ctx, BlobName(active.index, false))
		if err != nil {
			return false, total, err
		}
		existing = data
	}

	payload := append(existing, newBytes...)
	if err := d.writeBlobBytes(ctx, BlobName(targetIndex, false), payload); err != nil {
		return false, total, err
	}

	d.invalidateLocked()
	return true, total + int64(len(newBytes)), nil
}

func (d *BlobDriver) SeekAsync(ctx context.Context, seq uint32) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureListLocked(ctx); err != nil {
		return 0, err
	}

	// lastBlobStart tracks the start offset of the last blob examined
	// whose first key is below seq. A blob whose first key is above seq
	// means seq lies in that previous blob, so its start is returned; if
	// seq is beyond every blob's first key, SeekAsync returns the start of
	// the last (active) blob rather than skipping past data the caller
	// hasn't read yet.
	var cursor, lastBlobStart int64
	for _, b := range d.blobs {
		if b.compact {
			continue
		}

		if first, ok := d.firstKeyIndex.Get(b.index); ok {
			if first.(uint32) == seq {
				return cursor, nil
			}
			if first.(uint32) > seq {
				return lastBlobStart, nil
			}
			lastBlobStart = cursor
			cursor += b.size
			continue
		}

		data, err := d.readBlobBytes(ctx, BlobName(b.index, false))
		if err != nil {
			return 0, err
		}
		firstSeq, _, err := codec.Deserialize(bytes.NewReader(data))
		if err == nil {
			d.firstKeyIndex.Add(b.index, firstSeq)
			if firstSeq == seq {
				return cursor, nil
			}
			if firstSeq > seq {
				return lastBlobStart, nil
			}
		}
		lastBlobStart = cursor
		cursor += b.size
	}

	return lastBlobStart, nil
}

func (d *BlobDriver) RefreshCache(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshLocked(ctx)
}

// Close waits for any in-flight compaction to finish before returning.
func (d *BlobDriver) Close() error {
	return d.eg.Wait()
}

// StartCompaction implements Compactable. It returns (nil, nil) if fewer
// than CompactionThreshold sealed blobs exist (not an error: the caller is
// expected to poll).
func (d *BlobDriver) StartCompaction(ctx context.Context) (*CompactionHandle, error) {
	d.mu.Lock()
	if d.compaction != nil {
		d.mu.Unlock()
		return nil, ErrCompactionInProgress
	}
	if d.opts.SingleBlob {
		d.mu.Unlock()
		return nil, nil
	}
	if err := d.ensureListLocked(ctx); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	sealed := d.sealedBlobsLocked()
	if len(sealed) < d.opts.CompactionThreshold {
		d.mu.Unlock()
		return nil, nil
	}

	handle := newCompactionHandle()
	d.compaction = handle
	d.mu.Unlock()

	d.eg.Go(func() error {
		err := d.runCompaction(context.Background(), sealed)
		d.mu.Lock()
		d.compaction = nil
		d.mu.Unlock()
		handle.finish(err)
		return nil
	})

	return handle, nil
}

func (d *BlobDriver) RunningCompaction() *CompactionHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.compaction
}

// runCompaction reads the sealed blobs in order, concatenates their
// records verbatim into a single compact blob named after the highest
// sealed index, publishes it, then deletes the originals (spec §4.2
// steps 1-4).
func (d *BlobDriver) runCompaction(ctx context.Context, sealed []blobInfo) error {
	if len(sealed) == 0 {
		return nil
	}

	var combined []byte
	for _, b := range sealed {
		data, err := d.readBlobBytes(ctx, BlobName(b.index, false))
		if err != nil {
			return fmt.Errorf("driver: compaction read of %s: %w", BlobName(b.index, false), err)
		}
		combined = append(combined, data...)
	}

	highest := sealed[len(sealed)-1].index
	compactKey := BlobName(highest, true)
	if err := d.writeBlobBytes(ctx, compactKey, combined); err != nil {
		return fmt.Errorf("driver: publishing compact blob: %w", err)
	}

	for _, b := range sealed {
		if err := withRetry(ctx, 5, func() error {
			return d.bucket.Delete(ctx, BlobName(b.index, false))
		}); err != nil {
			return fmt.Errorf("driver: deleting compacted blob %s: %w", BlobName(b.index, false), err)
		}
	}

	d.mu.Lock()
	d.invalidateLocked()
	d.mu.Unlock()
	return nil
}
