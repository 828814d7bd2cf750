// Package service wraps a [wrapper.Wrapper] with the façade spec §4.5
// describes: retried-forever initialization, a single-writer queue that
// serializes every mutation onto one goroutine, a lock-free read of the
// last applied state, and a periodic catch-up timer.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wandb/eventstore/internal/observability"
	"github.com/wandb/eventstore/internal/queue"
	"github.com/wandb/eventstore/internal/wrapper"
)

// DefaultRefreshPeriod is how often the background timer requests a
// catch-up when nothing else has advanced SyncStep (spec §4.5).
const DefaultRefreshPeriod = 60 * time.Second

// DefaultQueueBufferSize bounds how many posted calls may be waiting for
// the drain loop before Post blocks its caller.
const DefaultQueueBufferSize = 64

// Options configures a Service.
type Options struct {
	RefreshPeriod   time.Duration
	QueueBufferSize int
}

func (o Options) withDefaults() Options {
	if o.RefreshPeriod <= 0 {
		o.RefreshPeriod = DefaultRefreshPeriod
	}
	if o.QueueBufferSize <= 0 {
		o.QueueBufferSize = DefaultQueueBufferSize
	}
	return o
}

// Service is the façade a transport layer (gRPC, HTTP, CLI) drives: it
// owns the wrapper and guarantees every mutation against it runs on a
// single goroutine, while readers can bypass the queue entirely.
type Service[E any, S any] struct {
	wrapper *wrapper.Wrapper[E, S]
	logger  *observability.CoreLogger
	opts    Options

	q *queue.Queue

	readyOnce sync.Once
	readyCh   chan struct{}
	ready     atomic.Bool
	initErr   atomic.Pointer[error]

	localState atomic.Pointer[S]
	syncStep   atomic.Uint64

	wg sync.WaitGroup
}

// New constructs a Service around w. Call Run to start it.
func New[E any, S any](w *wrapper.Wrapper[E, S], logger *observability.CoreLogger, opts Options) *Service[E, S] {
	opts = opts.withDefaults()
	return &Service[E, S]{
		wrapper: w,
		logger:  logger,
		opts:    opts,
		q:       queue.New(opts.QueueBufferSize, logger),
		readyCh: make(chan struct{}),
	}
}

// IsReady reports whether initialization has completed successfully at
// least once.
func (s *Service[E, S]) IsReady() bool {
	return s.ready.Load()
}

// InitFailure returns the most recent initialization error, or nil once
// IsReady is true. It is only meaningful while !IsReady().
func (s *Service[E, S]) InitFailure() error {
	if p := s.initErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Ready blocks until initialization has completed successfully, or ctx is
// cancelled first.
func (s *Service[E, S]) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalState returns the last applied state without going through the
// queue. It is the zero value of S until the first successful catch-up.
func (s *Service[E, S]) LocalState() S {
	if p := s.localState.Load(); p != nil {
		return *p
	}
	var zero S
	return zero
}

// SyncStep returns the number of applied events/appends observed so far,
// usable to detect whether activity has happened since a prior read.
func (s *Service[E, S]) SyncStep() uint64 {
	return s.syncStep.Load()
}

// Run drives initialization (retried forever with a 5 s delay on
// failure), then the drain loop and the periodic refresh timer, until ctx
// is cancelled. Run blocks; callers typically invoke it in its own
// goroutine.
func (s *Service[E, S]) Run(ctx context.Context) {
	if !s.initLoop(ctx) {
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.drainLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.refreshLoop(ctx)
	}()
	s.wg.Wait()
}

// Close stops accepting new work and waits for the drain and refresh
// loops to exit. The context passed to Run must already be cancelled (or
// about to be) for this to return.
func (s *Service[E, S]) Close() {
	s.q.SetDone()
	s.q.Close()
	s.wg.Wait()
}

func (s *Service[E, S]) initLoop(ctx context.Context) bool {
	const retryDelay = 5 * time.Second
	for {
		err := s.wrapper.Initialize(ctx)
		if err == nil {
			s.initErr.Store(nil)
			s.markReady()
			return true
		}
		s.initErr.Store(&err)
		s.logger.CaptureError(err, "phase", "initialize")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
		}
	}
}

func (s *Service[E, S]) markReady() {
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		close(s.readyCh)
	})
	s.publishState()
}

func (s *Service[E, S]) publishState() {
	state := s.wrapper.State()
	s.localState.Store(&state)
	s.syncStep.Store(s.wrapper.SyncStep())
}

// runnable is implemented by every work item the drain loop accepts.
type runnable interface {
	queue.Work
	run(ctx context.Context)
}

func (s *Service[E, S]) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-s.q.Chan():
			if !ok {
				return
			}
			if r, ok := work.(runnable); ok {
				r.run(ctx)
			}
			s.publishState()
		}
	}
}

func (s *Service[E, S]) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshPeriod)
	defer ticker.Stop()

	var lastSyncStep uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.syncStep.Load() == lastSyncStep {
				_ = s.CatchUpAsync(ctx)
			}
			lastSyncStep = s.syncStep.Load()
			s.maybeCompact(ctx)
		}
	}
}

// maybeCompact starts a background compaction if the driver supports one
// and has enough sealed blobs to warrant it. It does not wait for the
// run to finish; the next refresh tick will see its effects.
func (s *Service[E, S]) maybeCompact(ctx context.Context) {
	handle, err := s.wrapper.TryCompact(ctx)
	if err != nil {
		s.logger.CaptureError(err, "phase", "compact")
		return
	}
	if handle == nil {
		return
	}
	s.logger.CaptureInfo("service: compaction started", "compaction_id", handle.ID)
}

// reportFatal escalates a terminal wrapper failure (spec §7 "Fatal") to
// Sentry in addition to the error already returned to the work's caller.
// A reload failure after a successful save means the serialized format
// cannot represent the state that produced it, which needs a human to
// notice regardless of whether anyone is currently awaiting this call.
func (s *Service[E, S]) reportFatal(err error) {
	if err != nil && errors.Is(err, wrapper.ErrFatalReloadFailure) {
		s.logger.CaptureFatal(err)
	}
}

func (s *Service[E, S]) post(ctx context.Context, w runnable) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	if s.q.ShutdownCtx().Err() != nil {
		return ErrShuttingDown
	}
	s.q.Post(ctx.Done(), w)
	return nil
}

// CurrentState posts a catch-up and returns the state once it has
// run, guaranteeing the result reflects every mutation queued before this
// call (unlike LocalState, which may be stale by one in-flight queue
// item).
func (s *Service[E, S]) CurrentState(ctx context.Context) (S, error) {
	w := &stateWork[E, S]{svc: s, done: make(chan struct{})}
	if err := s.post(ctx, w); err != nil {
		var zero S
		return zero, err
	}
	select {
	case <-w.done:
		return w.state, w.err
	case <-ctx.Done():
		var zero S
		return zero, ctx.Err()
	}
}

// CatchUpAsync posts a catch-up request and waits for it to run.
func (s *Service[E, S]) CatchUpAsync(ctx context.Context) error {
	w := &catchUpWork[E, S]{svc: s, done: make(chan struct{})}
	if err := s.post(ctx, w); err != nil {
		return err
	}
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySave posts a forced save/reload cycle and waits for it to run.
func (s *Service[E, S]) TrySave(ctx context.Context) error {
	w := &saveWork[E, S]{svc: s, done: make(chan struct{})}
	if err := s.post(ctx, w); err != nil {
		return err
	}
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendEventsAsync posts a transactional append and waits for it to run.
func (s *Service[E, S]) AppendEventsAsync(ctx context.Context, builder wrapper.Builder[E, S]) (firstSeq uint32, count int, extra any, err error) {
	w := &appendWork[E, S]{svc: s, builder: builder, done: make(chan struct{})}
	if err := s.post(ctx, w); err != nil {
		return 0, 0, nil, err
	}
	select {
	case <-w.done:
		return w.firstSeq, w.count, w.extra, w.err
	case <-ctx.Done():
		return 0, 0, nil, ctx.Err()
	}
}
