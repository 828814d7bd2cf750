package eventstream

import (
	"context"
	"errors"
	"sync"

	"github.com/wandb/eventstore/internal/codec"
	"github.com/wandb/eventstore/internal/driver"
)

// BufferSize is the size of the fetch window passed to the driver on each
// background fetch. The spec describes this as two rotating 4 MiB byte
// buffers; in Go the allocation churn that design avoids is handled by the
// garbage collector, so Stream keeps the same fetch granularity (one
// driver.ReadAsync call reads at most this many bytes) without the
// explicit buffer-swap bookkeeping the source language needed.
const BufferSize = 4 * 1024 * 1024

// ErrNotReady names the condition of a stream whose known tail position is
// stale relative to a previously observed write conflict. WriteAsync does
// not return it: it reports that case as ok=false with a nil error,
// without a round trip to the driver.
var ErrNotReady = errors.New("eventstream: write position is behind a known conflict")

// Stream is generic over the decoded event type E. It owns a driver and a
// FIFO of decoded-but-undrained records.
type Stream[E any] struct {
	driver driver.Driver
	codec  Codec[E]

	mu sync.Mutex

	queue []codec.RawEvent

	sequence             uint32 // last sequence drained by TryGetNext
	lastSequence         uint32 // last sequence queued
	position             int64  // last fetched driver position
	minimumWritePosition int64  // observed tail after a failed WriteAsync
}

// New wraps driver with the given event codec. The stream starts at
// Sequence=0, Position=0.
func New[E any](d driver.Driver, c Codec[E]) *Stream[E] {
	return &Stream[E]{driver: d, codec: c}
}

func (s *Stream[E]) Sequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

func (s *Stream[E]) LastSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

func (s *Stream[E]) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// fetchCommit is the commit function BackgroundFetchAsync returns: it
// must run on the caller's single writer goroutine, never concurrently
// with another fetchCommit or with WriteAsync/DiscardUpTo/Reset.
type fetchCommit func() bool

// BackgroundFetchAsync issues one driver ReadAsync and returns a commit
// function the caller invokes later on its own goroutine. Only
// TryGetNext may run concurrently with the I/O this performs; the
// returned commit must not run concurrently with anything else that
// mutates the stream.
func (s *Stream[E]) BackgroundFetchAsync(ctx context.Context) (fetchCommit, error) {
	s.mu.Lock()
	fromPos := s.position
	s.mu.Unlock()

	events, nextPos, err := s.driver.ReadAsync(ctx, fromPos, BufferSize)
	if err != nil {
		return nil, err
	}

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if len(s.queue) > 0 {
			return true
		}

		s.queue = append(s.queue, events...)
		s.position = nextPos
		if len(events) == 0 {
			return false
		}
		s.lastSequence = events[len(events)-1].Sequence
		return true
	}, nil
}

// TryGetNext dequeues the next raw record and decodes it. ok is false when
// the queue is empty. A decode error still advances Sequence past the
// offending record; the caller (projection layer) is responsible for
// quarantine handling.
func (s *Stream[E]) TryGetNext() (event E, ok bool, err error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return event, false, nil
	}
	rec := s.queue[0]
	s.queue = s.queue[1:]
	s.sequence = rec.Sequence
	s.mu.Unlock()

	event, err = s.codec.Decode(rec.Payload)
	return event, true, err
}

// WriteAsync serializes events, assigns them the next sequence numbers,
// and attempts a compare-and-append at the stream's known tail. On
// success it returns the first assigned sequence and enqueues the written
// records locally so an immediate TryGetNext can drain them without a
// round trip. On a compare-and-append conflict it returns ok=false and
// records the observed tail as minimumWritePosition.
func (s *Stream[E]) WriteAsync(ctx context.Context, events []E) (firstSeq uint32, ok bool, err error) {
	s.mu.Lock()
	position := s.position
	lastSeq := s.lastSequence
	minPos := s.minimumWritePosition
	s.mu.Unlock()

	if position < minPos {
		return 0, false, nil
	}

	raw := make([]codec.RawEvent, len(events))
	seq := lastSeq
	for i, e := range events {
		seq++
		payload, encErr := s.codec.Encode(e)
		if encErr != nil {
			return 0, false, encErr
		}
		rawEvent, newErr := codec.NewRawEvent(seq, payload)
		if newErr != nil {
			return 0, false, newErr
		}
		raw[i] = rawEvent
	}

	success, nextPos, writeErr := s.driver.WriteAsync(ctx, position, raw)
	if writeErr != nil {
		return 0, false, writeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !success {
		s.minimumWritePosition = nextPos
		return 0, false, nil
	}

	s.position = nextPos
	if len(raw) > 0 {
		s.lastSequence = raw[len(raw)-1].Sequence
	}
	s.queue = append(s.queue, raw...)

	return lastSeq + 1, true, nil
}

// DiscardUpTo skips ahead so that the next TryGetNext call returns the
// event with sequence seq, if it exists.
func (s *Stream[E]) DiscardUpTo(ctx context.Context, seq uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == 0 {
		s.queue = nil
		s.sequence = 0
		return 0, nil
	}

	seekPos, err := s.driver.SeekAsync(ctx, seq)
	if err != nil {
		return s.sequence, err
	}
	if seekPos > s.position {
		s.position = seekPos
	}

	i := 0
	for i < len(s.queue) && s.queue[i].Sequence < seq {
		s.sequence = s.queue[i].Sequence
		i++
	}
	s.queue = s.queue[i:]

	for s.lastSequence < seq {
		events, nextPos, readErr := s.driver.ReadAsync(ctx, s.position, BufferSize)
		if readErr != nil {
			return s.sequence, readErr
		}
		if len(events) == 0 {
			s.sequence = s.lastSequence
			break
		}

		s.position = nextPos
		s.lastSequence = events[len(events)-1].Sequence

		for _, e := range events {
			if e.Sequence < seq {
				s.sequence = e.Sequence
			} else {
				s.queue = append(s.queue, e)
			}
		}
	}

	// Records before seq that the seek skipped were never read, so they
	// could not advance Sequence above; move it to seq-1 explicitly.
	if s.lastSequence >= seq && s.sequence < seq-1 {
		s.sequence = seq - 1
	}

	return s.sequence, nil
}

// Reset clears the queue and all sequence/position counters, preserving
// minimumWritePosition (still a valid observation about the driver's
// tail).
func (s *Stream[E]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.sequence = 0
	s.lastSequence = 0
	s.position = 0
}
