// Package wrapper implements the single projection/event-stream pairing
// (spec §4.4 "Wrapper"): initialization from a cache snapshot, catch-up
// from the log, and transactional append with retry on conflict.
//
// The spec describes a wrapper holding "a reified projection for each
// user projection". This package generalizes over one (E, S) pair per
// Wrapper instance instead of a heterogeneous collection, since Go's type
// system cannot express a slice of differently-typed generic projections
// without falling back to interface{} and losing the static state type
// entirely. A service that needs several named projections composes
// several Wrappers sharing one underlying driver and event stream.
package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/wandb/eventstore/internal/cacheprovider"
	"github.com/wandb/eventstore/internal/driver"
	"github.com/wandb/eventstore/internal/eventstream"
	"github.com/wandb/eventstore/internal/observability/wberrors"
	"github.com/wandb/eventstore/internal/projection"
)

// DefaultEventsBetweenCacheSaves is the spec's recommended cadence for
// the save/reload verification cycle.
const DefaultEventsBetweenCacheSaves = 524_288

// DefaultMaxWriteRetries bounds AppendEventsAsync's compare-and-append
// retry loop (spec §4.4 step 5, "recommended 10").
const DefaultMaxWriteRetries = 10

// QuarantineFunc receives events a projection's Apply rejected.
type QuarantineFunc func(projection.QuarantinedEvent)

// Options configures a Wrapper.
type Options struct {
	EventsBetweenCacheSaves int
	MaxWriteRetries         int
	Quarantine              QuarantineFunc
}

func (o Options) withDefaults() Options {
	if o.EventsBetweenCacheSaves <= 0 {
		o.EventsBetweenCacheSaves = DefaultEventsBetweenCacheSaves
	}
	if o.MaxWriteRetries <= 0 {
		o.MaxWriteRetries = DefaultMaxWriteRetries
	}
	return o
}

// Wrapper owns a driver-backed event stream, one reified projection, and
// the cache provider used to snapshot and recover it.
type Wrapper[E any, S any] struct {
	stream *eventstream.Stream[E]
	drv    driver.Driver
	cache  cacheprovider.Provider
	user   projection.User[S]
	proj   *projection.Reified[S]

	opts Options

	syncStep        uint64
	eventsSinceSave int
}

// New constructs a Wrapper. Call Initialize before using it.
func New[E any, S any](stream *eventstream.Stream[E], drv driver.Driver, cache cacheprovider.Provider, fullName string, user projection.User[S], opts Options) *Wrapper[E, S] {
	return &Wrapper[E, S]{
		stream: stream,
		drv:    drv,
		cache:  cache,
		user:   user,
		proj:   projection.New[S](fullName, user),
		opts:   opts.withDefaults(),
	}
}

// SyncStep returns the number of events applied by catch-up plus the
// number of successful appends since construction, used by the service façade's periodic
// refresh to skip an unnecessary catch-up if activity already happened.
func (w *Wrapper[E, S]) SyncStep() uint64 {
	return w.syncStep
}

// State returns the current projection state.
func (w *Wrapper[E, S]) State() S {
	return w.proj.State()
}

// Sequence returns the current projection's last-applied sequence.
func (w *Wrapper[E, S]) Sequence() uint32 {
	return w.proj.Sequence()
}

// TryCompact starts a background compaction if the underlying driver
// supports it (driver.Compactable) and has enough sealed blobs to
// warrant one. It returns (nil, nil) if the driver isn't compactable or
// declines to start a run right now.
func (w *Wrapper[E, S]) TryCompact(ctx context.Context) (*driver.CompactionHandle, error) {
	c, ok := w.drv.(driver.Compactable)
	if !ok {
		return nil, nil
	}
	return c.StartCompaction(ctx)
}

// Initialize runs the spec §4.4 startup sequence: load from cache,
// discard already-applied log events, and catch up to the log's tail.
func (w *Wrapper[E, S]) Initialize(ctx context.Context) error {
	loadErr := w.proj.TryLoad(ctx, w.cache.OpenRead(ctx, w.proj.FullName))
	_ = loadErr // ErrCacheExhausted just means we stay at Initial; any other error is also tolerated per spec "CacheLoadFailure ... fall back to Initial"

	const maxResetAttempts = 3 // bounded to prevent thrashing; a single projection never needs more than one
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		startSeq := w.proj.Sequence()

		lastInLog, err := w.drv.GetLastKeyAsync(ctx)
		if err != nil {
			return fmt.Errorf("wrapper: reading log tail during init: %w", err)
		}

		if startSeq > 0 && startSeq > lastInLog+1 {
			// Snapshot ahead of log: corruption, or a cache for a
			// different log entirely.
			w.stream.Reset()
			w.proj = projection.New[S](w.proj.FullName, w.user)
			continue
		}

		if _, err := w.stream.DiscardUpTo(ctx, startSeq+1); err != nil {
			return fmt.Errorf("wrapper: discarding applied events during init: %w", err)
		}
		break
	}

	if err := w.catchUp(ctx); err != nil {
		return fmt.Errorf("wrapper: catch-up during init: %w", err)
	}

	return nil
}

// CatchUpAsync drains and applies any events the stream has not yet seen.
func (w *Wrapper[E, S]) CatchUpAsync(ctx context.Context) error {
	return w.catchUp(ctx)
}

func (w *Wrapper[E, S]) catchUp(ctx context.Context) error {
	for {
		commit, err := w.stream.BackgroundFetchAsync(ctx)
		if err != nil {
			return err
		}
		produced := commit()

		for {
			event, ok, decodeErr := w.stream.TryGetNext()
			if !ok {
				break
			}
			seq := w.stream.Sequence()

			if decodeErr != nil {
				if w.opts.Quarantine != nil {
					w.opts.Quarantine(projection.QuarantinedEvent{
						ProjectionName: w.proj.FullName,
						Sequence:       seq,
						Err:            decodeErr,
					})
				}
				continue
			}

			_ = w.proj.Apply(seq, event, w.opts.Quarantine)
			w.syncStep++
			w.eventsSinceSave++

			if w.eventsSinceSave >= w.opts.EventsBetweenCacheSaves {
				if err := w.trySaveReloadCycle(ctx); err != nil {
					return err
				}
				w.eventsSinceSave = 0
			}
		}

		if !produced {
			return nil
		}
	}
}

// trySaveReloadCycle implements spec §4.4 step 5: serialize to a buffer,
// persist it, then load it back into a fresh projection and compare
// sequences. A save failure is ignored; a load failure after a
// successful save is terminal (spec §7 "Fatal").
func (w *Wrapper[E, S]) trySaveReloadCycle(ctx context.Context) error {
	if w.proj.PossiblyInconsistent() {
		return nil
	}

	var buf bytes.Buffer
	saved, err := w.proj.TrySave(&buf)
	if err != nil || !saved {
		return nil
	}

	ok, err := w.cache.TryWrite(ctx, w.proj.FullName, func(dst io.Writer) error {
		_, err := dst.Write(buf.Bytes())
		return err
	})
	if err != nil || !ok {
		return nil
	}

	fresh := projection.New[S](w.proj.FullName, w.user)
	reloadErr := fresh.TryLoad(ctx, func(yield func(projection.Candidate) bool) {
		yield(projection.Candidate{Name: w.proj.FullName, Reader: bytes.NewReader(buf.Bytes())})
	})
	if reloadErr != nil {
		return wberrors.Bubblef(ErrFatalReloadFailure, "%v", reloadErr).
			Attr(slog.String("state_name", w.proj.FullName)).
			Attr(slog.Uint64("sequence", uint64(w.proj.Sequence())))
	}

	if fresh.Sequence() == w.proj.Sequence() {
		w.proj = fresh
	}
	return nil
}

// TrySave forces a save/reload verification cycle outside the normal
// EventsBetweenCacheSaves cadence.
func (w *Wrapper[E, S]) TrySave(ctx context.Context) error {
	return w.trySaveReloadCycle(ctx)
}

// Builder produces the events (and arbitrary caller-defined extra data) a
// transactional append should write, given the current committed state.
type Builder[E any, S any] func(tx *Transaction[E, S]) (extra any, err error)

// AppendEventsAsync runs builder transactionally: it catches up, asks
// builder to populate a Transaction against a clone of the live
// projection, and writes the transaction's events. On a compare-and-append
// conflict it catches up again and retries, bounded by
// Options.MaxWriteRetries.
func (w *Wrapper[E, S]) AppendEventsAsync(ctx context.Context, builder Builder[E, S]) (firstSeq uint32, count int, extra any, err error) {
	for attempt := 0; attempt < w.opts.MaxWriteRetries; attempt++ {
		if err := w.catchUp(ctx); err != nil {
			return 0, 0, nil, err
		}

		clone := w.proj.Clone()
		tx := newTransaction[E, S](clone)

		extra, err = builder(tx)
		if err != nil {
			return 0, 0, extra, err
		}

		if tx.aborted || len(tx.events) == 0 {
			for _, f := range tx.onAbort {
				f()
			}
			return 0, 0, extra, nil
		}

		seq, ok, writeErr := w.stream.WriteAsync(ctx, tx.events)
		if writeErr != nil {
			return 0, 0, extra, writeErr
		}
		if !ok {
			continue
		}

		w.proj.Adopt(tx.clone)
		w.syncStep++
		for _, f := range tx.onCommit {
			f()
		}
		return seq, len(tx.events), extra, nil
	}

	return 0, 0, extra, ErrWriteConflict
}

// AppendEvents writes events unconditionally: it catches up, pre-applies,
// and writes once, returning ErrWriteConflict on a compare-and-append
// failure instead of retrying.
func (w *Wrapper[E, S]) AppendEvents(ctx context.Context, events []E) (firstSeq uint32, err error) {
	if err := w.catchUp(ctx); err != nil {
		return 0, err
	}

	clone := w.proj.Clone()
	seq := clone.Sequence()
	for _, e := range events {
		seq++
		if applyErr := clone.Apply(seq, e, nil); applyErr != nil {
			return 0, applyErr
		}
	}

	firstSeq, ok, writeErr := w.stream.WriteAsync(ctx, events)
	if writeErr != nil {
		return 0, writeErr
	}
	if !ok {
		return 0, ErrWriteConflict
	}

	w.proj.Adopt(clone)
	w.syncStep++
	return firstSeq, nil
}
