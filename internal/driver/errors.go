package driver

import "errors"

var (
	// ErrReadOnly is returned by WriteAsync on a driver opened read-only.
	ErrReadOnly = errors.New("driver: read-only")

	// ErrBlobSealed names a write that targets a blob already rotated out
	// of active status. No driver in this package returns it: BlobDriver
	// only ever writes to the active blob or a new one.
	ErrBlobSealed = errors.New("driver: blob is sealed")

	// ErrNotFound names a referenced blob that does not exist. No driver
	// in this package returns it; bucket errors are passed through.
	ErrNotFound = errors.New("driver: blob not found")

	// ErrCompactionInProgress is returned by StartCompaction when one is
	// already running for this driver instance.
	ErrCompactionInProgress = errors.New("driver: compaction already running")

	// ErrClosed names a call made after Close. No driver in this package
	// returns it; a call after Close gets whatever error the closed
	// underlying resource reports, if any.
	ErrClosed = errors.New("driver: driver is closed")
)
