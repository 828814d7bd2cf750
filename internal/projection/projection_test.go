package projection_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wandb/eventstore/internal/projection"
)

// counter is a toy projection: state is an int, events are ints to add,
// except the sentinel value -999 which makes Apply fail (to exercise
// quarantine).
type counter struct{}

func (counter) Initial() int { return 0 }

func (counter) Apply(sequence uint32, event any, previous int) (int, error) {
	delta, ok := event.(int)
	if !ok {
		return previous, fmt.Errorf("counter: unexpected event type %T", event)
	}
	if delta == -999 {
		return previous, errors.New("counter: poison event")
	}
	return previous + delta, nil
}

func (counter) Clone(state int) int { return state }

func (counter) TryLoad(r io.Reader) (int, uint32, bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, false, err
	}
	parts := bytes.SplitN(data, []byte(":"), 2)
	if len(parts) != 2 {
		return 0, 0, false, nil
	}
	seq, err := strconv.Atoi(string(parts[0]))
	if err != nil {
		return 0, 0, false, nil
	}
	state, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return 0, 0, false, nil
	}
	return state, uint32(seq), true, nil
}

func (counter) TrySave(w io.Writer, sequence uint32, state int) error {
	_, err := fmt.Fprintf(w, "%d:%d", sequence, state)
	return err
}

func TestReifiedApplyAccumulates(t *testing.T) {
	p := projection.New[int]("counter", counter{})

	require.NoError(t, p.Apply(1, 5, nil))
	require.NoError(t, p.Apply(2, 10, nil))

	assert.Equal(t, 15, p.State())
	assert.Equal(t, uint32(2), p.Sequence())
	assert.False(t, p.PossiblyInconsistent())
}

func TestReifiedApplyQuarantinesOnFailure(t *testing.T) {
	p := projection.New[int]("counter", counter{})
	require.NoError(t, p.Apply(1, 5, nil))

	var quarantined []projection.QuarantinedEvent
	err := p.Apply(2, -999, func(q projection.QuarantinedEvent) {
		quarantined = append(quarantined, q)
	})

	require.Error(t, err)
	assert.True(t, p.PossiblyInconsistent())
	assert.Equal(t, 5, p.State(), "state must not change on a failed Apply")
	assert.Equal(t, uint32(1), p.Sequence(), "sequence must not advance on a failed Apply")
	require.Len(t, quarantined, 1)
	assert.Equal(t, uint32(2), quarantined[0].Sequence)
}

func TestReifiedPossiblyInconsistentBlocksSave(t *testing.T) {
	p := projection.New[int]("counter", counter{})
	require.NoError(t, p.Apply(1, 5, nil))
	_ = p.Apply(2, -999, func(projection.QuarantinedEvent) {})

	var buf bytes.Buffer
	saved, err := p.TrySave(&buf)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Empty(t, buf.Bytes())
}

func TestReifiedSaveThenLoad(t *testing.T) {
	p := projection.New[int]("counter", counter{})
	require.NoError(t, p.Apply(1, 5, nil))
	require.NoError(t, p.Apply(2, 10, nil))

	var buf bytes.Buffer
	saved, err := p.TrySave(&buf)
	require.NoError(t, err)
	assert.True(t, saved)

	fresh := projection.New[int]("counter", counter{})
	err = fresh.TryLoad(context.Background(), func(yield func(projection.Candidate) bool) {
		yield(projection.Candidate{Name: "counter", Reader: bytes.NewReader(buf.Bytes())})
	})
	require.NoError(t, err)
	assert.Equal(t, 15, fresh.State())
	assert.Equal(t, uint32(2), fresh.Sequence())
}

func TestReifiedTryLoadExhaustsCandidates(t *testing.T) {
	p := projection.New[int]("counter", counter{})
	err := p.TryLoad(context.Background(), func(yield func(projection.Candidate) bool) {
		if !yield(projection.Candidate{Name: "counter", Reader: bytes.NewReader([]byte("garbage"))}) {
			return
		}
		yield(projection.Candidate{Name: "counter", Reader: bytes.NewReader([]byte("also-garbage"))})
	})
	assert.ErrorIs(t, err, projection.ErrCacheExhausted)
}

func TestReifiedCloneIsIndependent(t *testing.T) {
	p := projection.New[int]("counter", counter{})
	require.NoError(t, p.Apply(1, 5, nil))

	clone := p.Clone()
	require.NoError(t, clone.Apply(2, 100, nil))

	assert.Equal(t, 5, p.State(), "original must be unaffected by clone's Apply")
	assert.Equal(t, 105, clone.State())

	p.Adopt(clone)
	assert.Equal(t, 105, p.State())
	assert.Equal(t, uint32(2), p.Sequence())
}
