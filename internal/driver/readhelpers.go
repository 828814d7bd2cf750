package driver

import (
	"bytes"
	"context"
	"errors"

	"github.com/wandb/eventstore/internal/codec"
)

// decodeUpTo decodes whole records from data starting at offset 0, stopping
// once decoding another record would exceed bufSize bytes consumed, or a
// truncated-tail/end-of-records marker is hit. It returns the decoded
// events and the number of bytes of data actually consumed.
func decodeUpTo(data []byte, bufSize int) (events []codec.RawEvent, consumed int) {
	r := bytes.NewReader(data)

	for {
		if len(data)-r.Len() >= bufSize && bufSize > 0 {
			break
		}

		startOffset := len(data) - r.Len()
		seq, payload, err := codec.Deserialize(r)
		if err != nil {
			if errors.Is(err, codec.ErrEndOfRecords) || errors.Is(err, codec.ErrTruncatedTail) {
				break
			}
			break
		}

		size := codec.RecordSize(len(payload))
		if bufSize > 0 && startOffset+size > bufSize {
			break
		}

		events = append(events, codec.RawEvent{Sequence: seq, Payload: payload})
		consumed = len(data) - r.Len()
	}

	return events, consumed
}

// lastSequenceIn scans data for the highest sequence number among whole
// records, returning 0 if data contains no whole record.
func lastSequenceIn(data []byte) uint32 {
	var last uint32
	r := bytes.NewReader(data)
	for {
		seq, _, err := codec.Deserialize(r)
		if err != nil {
			break
		}
		last = seq
	}
	return last
}

// seekIn returns the byte offset of the first whole record in data whose
// sequence is >= seq. If no record qualifies (seq is beyond the last
// record in data, or data is empty), it returns the offset of the last
// whole record found instead of jumping past it: the caller still has to
// re-read that record to discover it falls short of seq, but this avoids
// skipping past data a caller has not actually consumed yet.
func seekIn(ctx context.Context, data []byte, seq uint32) int64 {
	r := bytes.NewReader(data)
	var lastRecordStart int64
	for {
		if ctx.Err() != nil {
			return lastRecordStart
		}
		offset := int64(len(data) - r.Len())
		s, _, err := codec.Deserialize(r)
		if err != nil {
			return lastRecordStart
		}
		if s >= seq {
			return offset
		}
		lastRecordStart = offset
	}
}
