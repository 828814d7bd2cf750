package driver

import (
	"errors"
	"fmt"
)

// ErrInvalidBlobName is returned by ParseBlobName for any name that does not
// match the events.NNNNN[.compact] scheme: wrong prefix, non-decimal index,
// wrong digit count, or a trailing suffix other than ".compact".
var ErrInvalidBlobName = errors.New("driver: invalid blob name")

const blobPrefix = "events."
const compactSuffix = ".compact"
const blobIndexDigits = 5

// BlobName returns the canonical name for the blob at index, optionally
// marked compact.
func BlobName(index int, compact bool) string {
	name := fmt.Sprintf("%s%0*d", blobPrefix, blobIndexDigits, index)
	if compact {
		name += compactSuffix
	}
	return name
}

// ParseBlobName parses a blob name of the form events.NNNNN, rejecting any
// ".compact" suffix (callers that accept compact blobs use
// ParseBlobNameAllowCompact instead).
func ParseBlobName(name string) (index int, err error) {
	index, compact, err := ParseBlobNameAllowCompact(name)
	if err != nil {
		return 0, err
	}
	if compact {
		return 0, ErrInvalidBlobName
	}
	return index, nil
}

// ParseBlobNameAllowCompact parses events.NNNNN or events.NNNNN.compact.
func ParseBlobNameAllowCompact(name string) (index int, compact bool, err error) {
	rest := name
	if len(rest) <= len(blobPrefix) || rest[:len(blobPrefix)] != blobPrefix {
		return 0, false, ErrInvalidBlobName
	}
	rest = rest[len(blobPrefix):]

	if len(rest) > len(compactSuffix) && rest[len(rest)-len(compactSuffix):] == compactSuffix {
		compact = true
		rest = rest[:len(rest)-len(compactSuffix)]
	}

	if len(rest) != blobIndexDigits {
		return 0, false, ErrInvalidBlobName
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false, ErrInvalidBlobName
		}
	}

	n := 0
	for _, r := range rest {
		n = n*10 + int(r-'0')
	}
	return n, compact, nil
}
