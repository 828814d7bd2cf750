package wrapper

import "github.com/wandb/eventstore/internal/projection"

// Transaction accumulates events against a cloned projection during one
// AppendEventsAsync call. State reflects the clone with all events
// appended so far applied to it (spec §4.4 "Transaction object").
type Transaction[E any, S any] struct {
	clone    *projection.Reified[S]
	nextSeq  uint32
	events   []E
	aborted  bool
	onCommit []func()
	onAbort  []func()
}

func newTransaction[E any, S any](clone *projection.Reified[S]) *Transaction[E, S] {
	return &Transaction[E, S]{clone: clone, nextSeq: clone.Sequence()}
}

// State returns the clone's state with every event appended so far
// already applied.
func (t *Transaction[E, S]) State() S {
	return t.clone.State()
}

// Append pre-applies event to the clone and, if Apply succeeds, records
// it for writing. An Apply failure is propagated to the caller and the
// event is not recorded (spec §4.4 step 3: "if any Apply throws,
// propagate the exception and do not write").
func (t *Transaction[E, S]) Append(event E) error {
	seq := t.nextSeq + 1
	if err := t.clone.Apply(seq, event, nil); err != nil {
		return err
	}
	t.nextSeq = seq
	t.events = append(t.events, event)
	return nil
}

// OnCommit registers a hook that fires exactly once, after the
// transaction's events are durably written.
func (t *Transaction[E, S]) OnCommit(f func()) {
	t.onCommit = append(t.onCommit, f)
}

// OnAbort registers a hook that fires exactly once, if the transaction
// ends up committing zero events.
func (t *Transaction[E, S]) OnAbort(f func()) {
	t.onAbort = append(t.onAbort, f)
}

// Abort flags the transaction to commit zero events. Any events already
// appended are discarded; extra data the builder returns is still
// returned to the caller.
func (t *Transaction[E, S]) Abort() {
	t.aborted = true
}
