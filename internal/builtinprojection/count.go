// Package builtinprojection provides the minimal projection the
// eventstored binary runs when no application-specific projection is
// wired in: a running count of events applied, keyed only by sequence.
// It exists so the service binary is a complete, runnable example of the
// wrapper/service stack rather than an inert library with no entrypoint.
package builtinprojection

import (
	"encoding/binary"
	"io"
)

// Count is a trivial projection: state is the number of events applied
// so far. Any payload counts; the payload's bytes are ignored.
type Count struct{}

func (Count) Initial() uint64 { return 0 }

func (Count) Apply(sequence uint32, event any, previous uint64) (uint64, error) {
	return previous + 1, nil
}

func (Count) Clone(state uint64) uint64 { return state }

const snapshotSize = 12 // sequence (4 bytes) + count (8 bytes)

func (Count) TryLoad(r io.Reader) (uint64, uint32, bool, error) {
	var buf [snapshotSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, false, nil
	}
	sequence := binary.LittleEndian.Uint32(buf[0:4])
	count := binary.LittleEndian.Uint64(buf[4:12])
	return count, sequence, true, nil
}

func (Count) TrySave(w io.Writer, sequence uint32, state uint64) error {
	var buf [snapshotSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], sequence)
	binary.LittleEndian.PutUint64(buf[4:12], state)
	_, err := w.Write(buf[:])
	return err
}

// RawCodec passes payloads through, zero-padding on Encode any payload
// whose length is not a multiple of 8; Decode does not strip the padding.
// It is used with Count since the projection never looks at event
// contents, only their presence.
type RawCodec struct{}

func (RawCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload)%8 != 0 {
		padded := make([]byte, len(payload)+(8-len(payload)%8))
		copy(padded, payload)
		return padded, nil
	}
	return payload, nil
}

func (RawCodec) Decode(payload []byte) ([]byte, error) {
	return payload, nil
}
