package wrapper_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wandb/eventstore/internal/cacheprovider"
	"github.com/wandb/eventstore/internal/driver"
	"github.com/wandb/eventstore/internal/eventstream"
	"github.com/wandb/eventstore/internal/projection"
	"github.com/wandb/eventstore/internal/wrapper"
)

// intCodec encodes an int delta as a fixed 8-byte little-endian payload.
type intCodec struct{}

func (intCodec) Encode(v int) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(int64(v)))
	return buf, nil
}

func (intCodec) Decode(payload []byte) (int, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("intCodec: want 8 bytes, got %d", len(payload))
	}
	return int(int64(binary.LittleEndian.Uint64(payload))), nil
}

// counter is the same toy projection as internal/projection's tests: state
// is the running sum of every applied int delta, with text "seq:state"
// snapshots.
type counter struct{}

func (counter) Initial() int { return 0 }

func (counter) Apply(sequence uint32, event any, previous int) (int, error) {
	delta, ok := event.(int)
	if !ok {
		return previous, fmt.Errorf("counter: unexpected event type %T", event)
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

func newTestWrapper(t *testing.T, d driver.Driver) *wrapper.Wrapper[int, int] {
	t.Helper()
	return newTestWrapperWithFs(t, d, afero.NewMemMapFs())
}

func newTestWrapperWithFs(t *testing.T, d driver.Driver, fs afero.Fs) *wrapper.Wrapper[int, int] {
	t.Helper()
	stream := eventstream.New[int](d, intCodec{})
	cache, err := cacheprovider.NewDirectory(fs, "/snapshots")
	require.NoError(t, err)
	return wrapper.New[int, int](stream, d, cache, "counter", counter{}, wrapper.Options{})
}

func TestWrapperInitializeEmptyCache(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	w := newTestWrapper(t, d)

	require.NoError(t, w.Initialize(ctx))
	assert.Equal(t, 0, w.State())
	assert.Equal(t, uint32(0), w.Sequence())
}

func TestWrapperAppendEventsAsyncCommits(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	w := newTestWrapper(t, d)
	require.NoError(t, w.Initialize(ctx))

	var committed bool
	seq, count, _, err := w.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
		if err := tx.Append(5); err != nil {
			return nil, err
		}
		if err := tx.Append(10); err != nil {
			return nil, err
		}
		tx.OnCommit(func() { committed = true })
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, 2, count)
	assert.True(t, committed)
	assert.Equal(t, 15, w.State())
	assert.Equal(t, uint32(2), w.Sequence())
}

func TestWrapperAppendEventsAsyncAbort(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	w := newTestWrapper(t, d)
	require.NoError(t, w.Initialize(ctx))

	var aborted bool
	seq, count, _, err := w.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
		tx.OnAbort(func() { aborted = true })
		tx.Abort()
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, 0, count)
	assert.True(t, aborted)
	assert.Equal(t, 0, w.State())
}

func TestWrapperAppendEventsAsyncBuilderError(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	w := newTestWrapper(t, d)
	require.NoError(t, w.Initialize(ctx))

	wantErr := errors.New("builder refuses")
	_, _, _, err := w.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, w.State(), "a failed builder must not mutate the live projection")
}

// TestWrapperAppendEventsAsyncRetriesUnderConflict exercises spec §8's
// concurrent-writer scenario: two Wrappers share one driver, both append
// around the same time, and the loser must catch up and retry rather than
// surface a conflict to its caller.
func TestWrapperAppendEventsAsyncRetriesUnderConflict(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	a := newTestWrapper(t, d)
	b := newTestWrapper(t, d)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	conflicted := false
	seq, count, _, err := b.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
		if !conflicted {
			// a writes after b has caught up, so b's first write conflicts.
			conflicted = true
			_, _, _, err := a.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
				return nil, tx.Append(1)
			})
			require.NoError(t, err)
		}
		return nil, tx.Append(2)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, 3, b.State(), "b must have caught up to a's event before appending its own")
}

func TestWrapperSaveReloadCycle(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	fs := afero.NewMemMapFs()
	w := newTestWrapperWithFs(t, d, fs)
	require.NoError(t, w.Initialize(ctx))

	_, _, _, err := w.AppendEventsAsync(ctx, func(tx *wrapper.Transaction[int, int]) (any, error) {
		return nil, tx.Append(7)
	})
	require.NoError(t, err)

	require.NoError(t, w.TrySave(ctx))

	fresh := newTestWrapperWithFs(t, d, fs)
	require.NoError(t, fresh.Initialize(ctx))
	assert.Equal(t, 7, fresh.State())
}

var _ projection.User[int] = counter{}
