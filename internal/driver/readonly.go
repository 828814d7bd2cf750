package driver

import (
	"context"

	"github.com/wandb/eventstore/internal/codec"
)

// ReadOnlyDriver wraps any Driver and forbids WriteAsync, per spec's
// "read-only wrapper" backend.
type ReadOnlyDriver struct {
	inner Driver
}

// NewReadOnlyDriver wraps inner so that all writes fail with ErrReadOnly.
func NewReadOnlyDriver(inner Driver) *ReadOnlyDriver {
	return &ReadOnlyDriver{inner: inner}
}

func (d *ReadOnlyDriver) GetPositionAsync(ctx context.Context) (int64, error) {
	return d.inner.GetPositionAsync(ctx)
}

func (d *ReadOnlyDriver) GetLastKeyAsync(ctx context.Context) (uint32, error) {
	return d.inner.GetLastKeyAsync(ctx)
}

func (d *ReadOnlyDriver) ReadAsync(ctx context.Context, fromPos int64, bufSize int) ([]codec.RawEvent, int64, error) {
	return d.inner.ReadAsync(ctx, fromPos, bufSize)
}

func (d *ReadOnlyDriver) WriteAsync(ctx context.Context, atPos int64, events []codec.RawEvent) (bool, int64, error) {
	pos, err := d.inner.GetPositionAsync(ctx)
	if err != nil {
		return false, atPos, err
	}
	return false, pos, ErrReadOnly
}

func (d *ReadOnlyDriver) SeekAsync(ctx context.Context, seq uint32) (int64, error) {
	return d.inner.SeekAsync(ctx, seq)
}

func (d *ReadOnlyDriver) RefreshCache(ctx context.Context) error {
	return d.inner.RefreshCache(ctx)
}

func (d *ReadOnlyDriver) Close() error {
	return d.inner.Close()
}
