package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Open constructs a Driver from a connection string (spec §6): the two
// in-process backends use their own pseudo-schemes since they have no
// gocloud bucket to open; anything else is opened as a gocloud bucket and
// wrapped in a BlobDriver, optionally forced to a single append-only blob
// (the "single-append-blob object store" row used for backup targets) and
// to read-only.
func Open(ctx context.Context, connStr string, opts BlobOptions) (Driver, error) {
	cs, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	var d Driver
	switch url := cs.UnderlyingConnString(); {
	case url == "memdriver://":
		d = NewMemoryDriver()
	case strings.HasPrefix(url, "filedriver://"):
		fd, err := NewFileDriver(strings.TrimPrefix(url, "filedriver://"))
		if err != nil {
			return nil, err
		}
		d = fd
	case url == "":
		return nil, fmt.Errorf("driver: connection string missing ConnectionString=<url>")
	default:
		bucket, err := OpenBucket(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("driver: opening bucket %q: %w", url, err)
		}
		bd, err := NewBlobDriver(bucket, opts)
		if err != nil {
			return nil, err
		}
		d = bd
	}

	if cs.ReadOnly() {
		d = NewReadOnlyDriver(d)
	}
	return d, nil
}

// OpenCached wraps a driver built by Open with a local mirror directory,
// per the "Cached wrapper" row of spec §6.
func OpenCached(inner Driver, fs afero.Fs, dir string) (Driver, error) {
	return NewCacheDriver(inner, fs, dir)
}
