// Package projection implements the reified projection (spec §4.4): a
// user-supplied fold function wrapped with the bookkeeping (sequence
// tracking, quarantine, clone-for-transaction) that turns a pure Apply
// into something the wrapper can drive safely.
package projection

import (
	"context"
	"errors"
	"io"
)

// ErrCacheExhausted is returned by TryLoad when every candidate in the
// provided sequence was rejected.
var ErrCacheExhausted = errors.New("projection: all cache candidates rejected")

// Candidate is one entry in a cache provider's lazy, newest-first sequence
// of readable snapshots (spec's "Cache candidate" tuple).
type Candidate struct {
	Name   string
	Reader io.Reader
}

// User is the contract a caller's projection implements. Apply must be
// pure: it must not mutate previous, only return a new state (spec §9:
// "Specify in the projection contract that Apply does not mutate
// previous"). TryLoad/TrySave are optional and live in the separate
// Loader and Saver interfaces; a projection with no durable state
// implements neither.
type User[S any] interface {
	// Initial returns the projection's state before any event has been
	// applied.
	Initial() S

	// Apply folds one event into previousState, returning the new state.
	// It must not mutate previousState.
	Apply(sequence uint32, event any, previousState S) (S, error)

	// Clone returns a structurally-shared copy of state suitable for
	// transaction pre-validation; mutations to the clone (via further
	// Apply calls) must not be visible through the original.
	Clone(state S) S
}

// Loader is implemented by projections with a durable cache format.
type Loader[S any] interface {
	// TryLoad attempts to decode state and its recorded sequence from r.
	TryLoad(r io.Reader) (state S, sequence uint32, ok bool, err error)
}

// Saver is implemented by projections with a durable cache format.
type Saver[S any] interface {
	// TrySave encodes sequence and state to w, in whatever format the
	// projection's own TryLoad can parse back.
	TrySave(w io.Writer, sequence uint32, state S) error
}

// Reified holds one user projection's live state: its current value, the
// sequence of the last event successfully applied, and whether a failed
// Apply has made the state untrustworthy to persist.
type Reified[S any] struct {
	FullName string
	user     User[S]

	state                S
	sequence             uint32
	possiblyInconsistent bool
}

// New constructs a Reified projection in its Initial state.
func New[S any](fullName string, user User[S]) *Reified[S] {
	return &Reified[S]{
		FullName: fullName,
		user:     user,
		state:    user.Initial(),
	}
}

func (p *Reified[S]) State() S { return p.state }

func (p *Reified[S]) Sequence() uint32 { return p.sequence }

func (p *Reified[S]) PossiblyInconsistent() bool { return p.possiblyInconsistent }

// QuarantinedEvent is routed to the Quarantine hook when Apply fails.
type QuarantinedEvent struct {
	ProjectionName string
	Sequence       uint32
	Event          any
	Err            error
}

// Apply invokes the user Apply function. If it returns an error, the event
// is handed to quarantine (which may be nil to discard silently); state
// and sequence are left unchanged and PossiblyInconsistent becomes true,
// disabling TrySave from then on (spec §4.4, §7 "ProjectionApply").
func (p *Reified[S]) Apply(sequence uint32, event any, quarantine func(QuarantinedEvent)) error {
	newState, err := p.user.Apply(sequence, event, p.state)
	if err != nil {
		p.possiblyInconsistent = true
		if quarantine != nil {
			quarantine(QuarantinedEvent{
				ProjectionName: p.FullName,
				Sequence:       sequence,
				Event:          event,
				Err:            err,
			})
		}
		return err
	}

	p.state = newState
	p.sequence = sequence
	return nil
}

// TryLoad iterates candidates newest-first, adopting the first one
// user.TryLoad accepts. On success the Reified's state and sequence are
// replaced and possiblyInconsistent is cleared. Returns ErrCacheExhausted
// if every candidate is rejected (the caller then falls back to Initial,
// per spec §7 "CacheLoadFailure").
func (p *Reified[S]) TryLoad(ctx context.Context, candidates func(yield func(Candidate) bool)) error {
	loader, ok := p.user.(Loader[S])
	if !ok {
		return ErrCacheExhausted
	}

	found := false
	candidates(func(c Candidate) bool {
		if ctx.Err() != nil {
			return false
		}
		state, seq, ok, err := loader.TryLoad(c.Reader)
		if err != nil || !ok {
			return true // keep going to the next candidate
		}
		p.state = state
		p.sequence = seq
		p.possiblyInconsistent = false
		found = true
		return false
	})

	if !found {
		return ErrCacheExhausted
	}
	return nil
}

// TrySave refuses to save a possibly-inconsistent projection. Otherwise it
// invokes user.TrySave with the current sequence and state. The
// cacheprovider a caller writes the result to is responsible for the
// per-projection naming/versioning framing described in spec §4.4; this
// layer only produces the encoded body.
func (p *Reified[S]) TrySave(w io.Writer) (bool, error) {
	if p.possiblyInconsistent {
		return false, nil
	}

	saver, ok := p.user.(Saver[S])
	if !ok {
		return false, nil
	}

	if err := saver.TrySave(w, p.sequence, p.state); err != nil {
		return false, err
	}
	return true, nil
}

// Clone returns a new Reified sharing the same user projection but an
// independent (structurally-shared) copy of state, for transaction
// pre-apply.
func (p *Reified[S]) Clone() *Reified[S] {
	return &Reified[S]{
		FullName:             p.FullName,
		user:                 p.user,
		state:                p.user.Clone(p.state),
		sequence:             p.sequence,
		possiblyInconsistent: p.possiblyInconsistent,
	}
}

// Adopt replaces p's mutable fields with clone's, used by the wrapper to
// commit a pre-applied transaction clone back into the live projection.
func (p *Reified[S]) Adopt(clone *Reified[S]) {
	p.state = clone.state
	p.sequence = clone.sequence
	p.possiblyInconsistent = clone.possiblyInconsistent
}
