// Package queue implements the single-writer task queue that backs the
// service façade (spec §4.5): every mutation (append, catch-up, save) is
// posted as a Work value and drained in order by one goroutine, so the
// wrapper and its event stream are only ever touched from a single
// goroutine at a time.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wandb/eventstore/internal/observability"
)

var errWorkAfterClose = errors.New("queue: ignoring work after close")

// Work is a unit of work posted to a Queue.
type Work interface {
	// DebugInfo returns a short description used only for logging.
	DebugInfo() string
}

// Sentinel is a Work item with no effect of its own, used purely to
// synchronize with the drain loop: a drainer that closes Done on receipt
// tells a poster waiting on Done that every item posted before the
// Sentinel has been received. Each posted Sentinel is a separate queue
// item; posting several does not collapse them into one.
type Sentinel struct {
	Done chan struct{}
}

// NewSentinel returns a Sentinel with an open Done channel. Neither the
// Sentinel nor the Queue closes Done; whatever drains the queue does.
func NewSentinel() *Sentinel {
	return &Sentinel{Done: make(chan struct{})}
}

func (s *Sentinel) DebugInfo() string { return "Sentinel" }

// Queue is a cancellable, close-once-safe channel of Work.
//
// It may be closed more than once and tolerates Work being posted after
// Close() is called (such Work is dropped and logged), which keeps
// producers from needing to coordinate shutdown with the goroutine that
// drains the channel.
type Queue struct {
	postCount int        // number of goroutines currently inside Post()
	postCV    *sync.Cond // signalled when postCount==0

	closedMu sync.Mutex
	closed   chan struct{}

	doneMu sync.Mutex
	done   chan struct{}

	work   chan Work
	endCtx context.Context
	cancel func()

	logger *observability.CoreLogger
}

// New creates a Queue with the given channel buffer size.
func New(bufferSize int, logger *observability.CoreLogger) *Queue {
	endCtx, cancel := context.WithCancel(context.Background())

	return &Queue{
		postCV: sync.NewCond(&sync.Mutex{}),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		work:   make(chan Work, bufferSize),
		endCtx: endCtx,
		cancel: cancel,
		logger: logger,
	}
}

func (q *Queue) incPost() {
	q.postCV.L.Lock()
	defer q.postCV.L.Unlock()
	q.postCount++
}

func (q *Queue) decPost() {
	q.postCV.L.Lock()
	defer q.postCV.L.Unlock()
	q.postCount--
	if q.postCount == 0 {
		q.postCV.Broadcast()
	}
}

// Post enqueues work, blocking until there is room or the queue is closed.
//
// If cancel fires first, Post returns without enqueuing the work.
func (q *Queue) Post(cancel <-chan struct{}, work Work) {
	q.incPost()
	defer q.decPost()

	select {
	case <-cancel:
		return
	case <-q.closed:
		q.logger.Warn(errWorkAfterClose.Error(), "work", work.DebugInfo())
		return
	default:
	}

	start := time.Now()
	for i := 0; ; i++ {
		select {
		case <-time.After(10 * time.Minute):
			if i < 6 {
				q.logger.CaptureWarn(
					"queue: taking a long time",
					"seconds", time.Since(start).Seconds(),
					"work", work.DebugInfo(),
				)
			}

		case <-q.closed:
			q.logger.CaptureError(errWorkAfterClose, "work", work.DebugInfo())
			return

		case <-cancel:
			return

		case q.work <- work:
			return
		}
	}
}

// ShutdownCtx is cancelled once no more work may be accepted.
func (q *Queue) ShutdownCtx() context.Context {
	return q.endCtx
}

// Chan returns the channel of work to drain.
func (q *Queue) Chan() <-chan Work {
	return q.work
}

// SetDone allows the queue to be closed; Close blocks until this is called.
func (q *Queue) SetDone() {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()

	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Close cancels the shutdown context and closes the work channel once all
// in-flight Post calls have returned. Safe to call concurrently or more
// than once; blocks until SetDone has been called.
func (q *Queue) Close() {
	<-q.done

	q.closedMu.Lock()
	select {
	case <-q.closed:
		q.closedMu.Unlock()
		return
	default:
	}
	q.cancel()
	close(q.closed)
	q.closedMu.Unlock()

	q.postCV.L.Lock()
	for q.postCount > 0 {
		q.postCV.Wait()
	}
	close(q.work)
	q.postCV.L.Unlock()
}
