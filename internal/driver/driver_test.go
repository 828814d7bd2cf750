package driver_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wandb/eventstore/internal/codec"
	"github.com/wandb/eventstore/internal/driver"
)

// driverFactories exercises every in-process Driver implementation against
// the same scenarios (spec §8 end-to-end scenarios 1-3).
func driverFactories(t *testing.T) map[string]func() driver.Driver {
	return map[string]func() driver.Driver{
		"memory": func() driver.Driver {
			return driver.NewMemoryDriver()
		},
		"file": func() driver.Driver {
			d, err := driver.NewFileDriver(filepath.Join(t.TempDir(), "log"))
			require.NoError(t, err)
			return d
		},
	}
}

func rampPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 256)
	}
	return p
}

func TestDriverFreshStream(t *testing.T) {
	ctx := context.Background()
	for name, newDriver := range driverFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := newDriver()
			defer d.Close()

			lastKey, err := d.GetLastKeyAsync(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint32(0), lastKey)

			pos, err := d.GetPositionAsync(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), pos)

			events, nextPos, err := d.ReadAsync(ctx, 0, 1024)
			require.NoError(t, err)
			assert.Empty(t, events)
			assert.Equal(t, int64(0), nextPos)
		})
	}
}

func TestDriverWriteOneReadOne(t *testing.T) {
	ctx := context.Background()
	for name, newDriver := range driverFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := newDriver()
			defer d.Close()

			payload := rampPayload(8 * 1024)
			ok, nextPos, err := d.WriteAsync(ctx, 0, []codec.RawEvent{{Sequence: 12, Payload: payload}})
			require.NoError(t, err)
			require.True(t, ok)

			events, readNext, err := d.ReadAsync(ctx, 0, 9*1024)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, uint32(12), events[0].Sequence)
			assert.Equal(t, payload, events[0].Payload)
			assert.Equal(t, nextPos, readNext)

			more, endPos, err := d.ReadAsync(ctx, readNext, 1024)
			require.NoError(t, err)
			assert.Empty(t, more)
			assert.Equal(t, readNext, endPos)
		})
	}
}

func TestDriverWriteCollision(t *testing.T) {
	ctx := context.Background()
	for name, newDriver := range driverFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := newDriver()
			defer d.Close()

			payload := rampPayload(8 * 1024)

			ok, p, err := d.WriteAsync(ctx, 0, []codec.RawEvent{{Sequence: 12, Payload: payload}})
			require.NoError(t, err)
			require.True(t, ok)

			ok, failPos, err := d.WriteAsync(ctx, 0, []codec.RawEvent{{Sequence: 13, Payload: payload}})
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, p, failPos)

			ok, p2, err := d.WriteAsync(ctx, p, []codec.RawEvent{{Sequence: 13, Payload: payload}})
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 2*p, p2)
		})
	}
}

func TestDriverSeekAsync(t *testing.T) {
	ctx := context.Background()
	for name, newDriver := range driverFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := newDriver()
			defer d.Close()

			payload := rampPayload(8)
			pos := int64(0)
			for seq := uint32(1); seq <= 5; seq++ {
				ok, next, err := d.WriteAsync(ctx, pos, []codec.RawEvent{{Sequence: seq, Payload: payload}})
				require.NoError(t, err)
				require.True(t, ok)
				pos = next
			}

			seekPos, err := d.SeekAsync(ctx, 3)
			require.NoError(t, err)

			events, _, err := d.ReadAsync(ctx, seekPos, 1024)
			require.NoError(t, err)
			require.NotEmpty(t, events)
			assert.Equal(t, uint32(3), events[0].Sequence)
		})
	}
}
