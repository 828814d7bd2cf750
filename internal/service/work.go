package service

import (
	"context"

	"github.com/wandb/eventstore/internal/wrapper"
)

type catchUpWork[E any, S any] struct {
	svc  *Service[E, S]
	done chan struct{}
	err  error
}

func (w *catchUpWork[E, S]) DebugInfo() string { return "CatchUpAsync" }

func (w *catchUpWork[E, S]) run(ctx context.Context) {
	w.err = w.svc.wrapper.CatchUpAsync(ctx)
	w.svc.reportFatal(w.err)
	close(w.done)
}

type stateWork[E any, S any] struct {
	svc   *Service[E, S]
	done  chan struct{}
	state S
	err   error
}

func (w *stateWork[E, S]) DebugInfo() string { return "CurrentState" }

func (w *stateWork[E, S]) run(ctx context.Context) {
	w.err = w.svc.wrapper.CatchUpAsync(ctx)
	w.svc.reportFatal(w.err)
	w.state = w.svc.wrapper.State()
	close(w.done)
}

type saveWork[E any, S any] struct {
	svc  *Service[E, S]
	done chan struct{}
	err  error
}

func (w *saveWork[E, S]) DebugInfo() string { return "TrySave" }

func (w *saveWork[E, S]) run(ctx context.Context) {
	w.err = w.svc.wrapper.TrySave(ctx)
	w.svc.reportFatal(w.err)
	close(w.done)
}

type appendWork[E any, S any] struct {
	svc     *Service[E, S]
	builder wrapper.Builder[E, S]
	done    chan struct{}

	firstSeq uint32
	count    int
	extra    any
	err      error
}

func (w *appendWork[E, S]) DebugInfo() string { return "AppendEventsAsync" }

func (w *appendWork[E, S]) run(ctx context.Context) {
	w.firstSeq, w.count, w.extra, w.err = w.svc.wrapper.AppendEventsAsync(ctx, w.builder)
	w.svc.reportFatal(w.err)
	close(w.done)
}
