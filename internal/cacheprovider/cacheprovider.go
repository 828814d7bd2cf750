// Package cacheprovider implements the projection cache provider
// interface (spec §6): a pluggable way to persist and recover reified
// projection snapshots, independent of the event log itself.
package cacheprovider

import (
	"context"
	"io"

	"github.com/wandb/eventstore/internal/projection"
)

// Provider is the contract spec §6 describes: OpenRead returns a lazy,
// newest-first sequence of candidates for stateName; TryWrite hands the
// caller a writer to encode a fresh snapshot into.
type Provider interface {
	// OpenRead yields candidates newest-first. The yield function
	// follows the standard library's push-iterator convention: return
	// false from the callback to stop early.
	OpenRead(ctx context.Context, stateName string) func(yield func(projection.Candidate) bool)

	// TryWrite calls write with a writer for a brand new snapshot of
	// stateName. Returns false (not an error) if the provider declines
	// to accept a write right now.
	TryWrite(ctx context.Context, stateName string, write func(io.Writer) error) (bool, error)
}
