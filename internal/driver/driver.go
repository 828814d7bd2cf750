// Package driver implements the storage driver contract (spec §4.2): the
// sequence-level primitives every backend (in-memory, single file,
// multi-blob object store, read-only wrapper, local-cache wrapper) exposes
// to the event stream above it.
package driver

import (
	"context"

	"github.com/google/uuid"

	"github.com/wandb/eventstore/internal/codec"
)

// Driver is the contract a storage backend implements. All methods are
// cancellable via ctx and may be called concurrently with ReadAsync; each
// implementation serializes its own in-process WriteAsync calls (spec §5).
type Driver interface {
	// GetPositionAsync returns the byte length of the entire log.
	GetPositionAsync(ctx context.Context) (int64, error)

	// GetLastKeyAsync returns the highest sequence number in the log, or 0
	// if the log is empty.
	GetLastKeyAsync(ctx context.Context) (uint32, error)

	// ReadAsync reads as many whole records as fit in bufSize bytes
	// starting at fromPos. It never returns a partial record: reading
	// stops at the first truncated-tail record and nextPos points just
	// past the last whole record consumed.
	ReadAsync(ctx context.Context, fromPos int64, bufSize int) (events []codec.RawEvent, nextPos int64, err error)

	// WriteAsync performs a compare-and-append: the write only succeeds if
	// atPos equals the current log length. On failure nextPos is the
	// observed current length so the caller can retry from there.
	WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (success bool, nextPos int64, err error)

	// SeekAsync returns a position p such that the event with the given
	// sequence (if present) begins at an offset >= p.
	SeekAsync(ctx context.Context, seq uint32) (int64, error)

	// RefreshCache rebuilds any in-memory blob-list/first-key index from
	// the backing store. Drivers without such a cache treat this as a
	// no-op.
	RefreshCache(ctx context.Context) error

	// Close releases any resources held by the driver.
	Close() error
}

// Compactable is implemented by drivers that support background
// compaction (spec §4.2). A driver that does not support compaction (e.g.
// MemoryDriver, FileDriver) simply does not implement this interface.
type Compactable interface {
	// StartCompaction begins a compaction run if one is not already in
	// progress, returning a handle the caller can await. Returns
	// ErrCompactionInProgress if one is already running.
	StartCompaction(ctx context.Context) (*CompactionHandle, error)

	// RunningCompaction returns the handle for an in-progress compaction,
	// or nil if none is running.
	RunningCompaction() *CompactionHandle
}

// CompactionHandle lets callers await a background compaction run.
type CompactionHandle struct {
	// ID identifies this compaction run in logs, distinct from any
	// other run that has happened or will happen against this driver.
	ID uuid.UUID

	done chan struct{}
	err  error
}

func newCompactionHandle() *CompactionHandle {
	return &CompactionHandle{ID: uuid.New(), done: make(chan struct{})}
}

func (h *CompactionHandle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done returns a channel closed once the compaction run finishes.
func (h *CompactionHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the compaction finishes or ctx is cancelled, returning
// the compaction's terminal error (nil on success).
func (h *CompactionHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
