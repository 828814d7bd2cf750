package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Record framing for a Store's on-disk stream: the stream is split into
// fixed-size blocks, and each block holds one or more tightly packed
// chunks. A chunk never crosses a block boundary, so a record bigger than
// one block spans several chunks (first/middle/last), letting a single
// reified-projection snapshot grow past 32KiB without changing the format.
// Each chunk has a 7-byte header (a CRC32 checksum, a little-endian uint16
// length, and a chunk-type byte) followed by its payload.
//
// On a framing error (e.g. a checksum mismatch from a torn write), Recover
// discards the rest of the current block and resumes at the next one,
// rather than failing the whole stream.
//
// Adapted from the LevelDB log format (github.com/golang/leveldb/record),
// trimmed to the single CRC-32 (IEEE) checksum and single reader/writer
// per file that a Store needs; a Store's outer HeaderSchema already
// identifies and versions the file, so unlike the upstream format this one
// carries no header of its own.
const (
	fullChunkType   = 1
	firstChunkType  = 2
	middleChunkType = 3
	lastChunkType   = 4
)

const (
	blockSize       = 32 * 1024
	blockSizeMask   = blockSize - 1
	chunkHeaderSize = 7
)

var crcTable = crc32.MakeTable(crc32.IEEE)

func checksum(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// errZeroChunk is an internal-only error used to detect and skip zeroed
// blocks, which may occur for files created with mmap.
var errZeroChunk = errors.New("store: block appears to be zeroed")

type flusher interface {
	Flush() error
}

// recordReader reads records from an underlying io.Reader.
type recordReader struct {
	r io.Reader

	// seq is the sequence number of the current record.
	seq int

	// blockOffset is the start position of the current block in the reader.
	blockOffset int64

	// buf[i:j] is the unread portion of the current chunk's payload.
	i, j int

	// nextChunkStart is the offset of the next chunk from the start of the
	// current block.
	nextChunkStart int

	// n is the number of bytes of buf that are valid.
	n int

	// recovering is true when recovering from corruption.
	recovering bool

	// last is whether the current chunk is the last chunk of the record.
	last bool

	// err is any accumulated error.
	err error

	buf [blockSize]byte
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: r}
}

// nextChunk sets r.buf[r.i:r.j] to hold the next chunk's payload, reading
// the next block into the buffer if necessary.
func (r *recordReader) nextChunk(wantFirst bool) error {
	for {
		if r.nextChunkStart < 0 {
			return errors.New("store: next chunk is behind reader")
		}

		if r.nextChunkStart+chunkHeaderSize <= r.n {
			chunkType, err := r.readChunkInBlock(r.nextChunkStart)

			if err != nil {
				if r.recovering || (wantFirst && errors.Is(err, errZeroChunk)) {
					r.err = err // Recover() requires err to be set
					r.Recover()
					continue
				}
				return err
			}

			if wantFirst &&
				chunkType != fullChunkType &&
				chunkType != firstChunkType {
				continue
			}

			return nil
		}

		// There must be no bytes after the final chunk. We can only
		// partially detect this: the final chunk is the last one in the
		// final (short) block.
		if r.isShortBlock() && 0 < r.j && r.j != r.n {
			return io.ErrUnexpectedEOF
		}

		if r.nextChunkStart < r.n {
			return io.ErrUnexpectedEOF
		}

		if err := r.readBlock(); err != nil {
			return err
		}
	}
}

// readChunkInBlock sets up the reader to read the chunk at the given
// offset in the current block. Returns the chunk type on success, or
// errZeroChunk if the chunk's header is all zero.
func (r *recordReader) readChunkInBlock(start int) (byte, error) {
	sum := binary.LittleEndian.Uint32(r.buf[start+0 : start+4])
	length := binary.LittleEndian.Uint16(r.buf[start+4 : start+6])
	chunkType := r.buf[start+6]

	if sum == 0 && length == 0 && chunkType == 0 {
		return 0, errZeroChunk
	}

	r.i = start + chunkHeaderSize
	r.j = start + chunkHeaderSize + int(length)
	r.nextChunkStart = startOfChunkAfter(r.j)

	switch {
	case r.j > blockSize:
		return 0, fmt.Errorf("store: chunk too long (%d)", length)
	case r.j > r.n:
		return 0, io.ErrUnexpectedEOF
	case sum != checksum(r.buf[r.i-1:r.j]):
		return 0, errors.New("store: invalid chunk (checksum mismatch)")
	}

	r.last = chunkType == fullChunkType || chunkType == lastChunkType
	r.recovering = false
	return chunkType, nil
}

// startOfChunkAfter returns the starting offset of the next chunk after
// the chunk ending at the given offset in a block. Only a full-size block
// can be padded, since the only non-full block is the final one.
func startOfChunkAfter(chunkEnd int) int {
	if chunkEnd+chunkHeaderSize <= blockSize {
		return chunkEnd
	}
	return blockSize
}

// readBlock reads the next block into r.buf. Returns io.EOF if the
// current block is not full, in which case it must be final.
func (r *recordReader) readBlock() error {
	if r.isShortBlock() {
		return io.EOF
	}

	prevBlockSize := r.n
	nextBlockOffset := r.blockOffset + int64(prevBlockSize)
	n, err := io.ReadFull(r.r, r.buf[:])

	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}

	r.blockOffset = nextBlockOffset
	r.i, r.j, r.n = 0, 0, n
	r.nextChunkStart -= prevBlockSize
	return nil
}

func (r *recordReader) isShortBlock() bool {
	return 0 < r.n && r.n < blockSize
}

// Next returns a reader for the next record.
//
// The error wraps io.EOF if there are no more records and
// io.ErrUnexpectedEOF if there's less data than expected based on the
// first chunk's header. Other errors indicate data corruption, recoverable
// via Recover.
//
// The reader becomes stale after the next call to Next and should no
// longer be used.
func (r *recordReader) Next() (io.Reader, error) {
	r.seq++
	if r.err != nil {
		return nil, r.err
	}

	r.err = r.nextChunk(true)
	if r.err != nil {
		return nil, r.err
	}

	return singleReader{r, r.seq}, nil
}

// Recover clears any error read so far, so that calling Next will start
// reading from the next good block. It marks the reader most recently
// returned by Next as stale. A no-op if no error occurred.
func (r *recordReader) Recover() {
	if r.err == nil {
		return
	}
	r.recovering = true
	r.err = nil
	r.i, r.j, r.last = 0, 0, false
	r.nextChunkStart = r.n
	r.seq++
}

type singleReader struct {
	r   *recordReader
	seq int
}

func (x singleReader) Read(p []byte) (int, error) {
	r := x.r
	if r.seq != x.seq {
		return 0, errors.New("store: stale reader")
	}
	if r.err != nil {
		return 0, r.err
	}
	for r.i == r.j {
		if r.last {
			return 0, io.EOF
		}

		err := r.nextChunk(false)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.err = io.ErrUnexpectedEOF
			} else {
				r.err = err
			}
			return 0, r.err
		}
	}
	n := copy(p, r.buf[r.i:r.j])
	r.i += n
	return n, nil
}

// recordWriter writes records to an underlying io.Writer.
type recordWriter struct {
	w io.Writer

	// seq is the sequence number of the current record.
	seq int

	// f is w as a flusher, if it implements one.
	f flusher

	// buf[i:j] is the bytes that will become the current chunk.
	i, j int

	// buf[:written] has already been written to w.
	written int

	// baseOffset is the offset in w at which writing started, if w
	// implements io.Seeker; 0 otherwise.
	baseOffset int64

	blockNumber int64

	// first is whether the current chunk is the first chunk of the record.
	first bool

	// pending is whether a chunk is buffered but not yet written.
	pending bool

	err error

	buf [blockSize]byte
}

func newRecordWriter(w io.Writer) *recordWriter {
	f, _ := w.(flusher)

	var o int64
	if s, ok := w.(io.Seeker); ok {
		var err error
		if o, err = s.Seek(0, io.SeekCurrent); err != nil {
			o = 0
		}
	}

	return &recordWriter{
		w:          w,
		f:          f,
		baseOffset: o,
	}
}

// fillHeader fills in the header for the pending chunk.
func (w *recordWriter) fillHeader(last bool) {
	if w.i+chunkHeaderSize > w.j || w.j > blockSize {
		panic("store: bad writer state")
	}
	if last {
		if w.first {
			w.buf[w.i+6] = fullChunkType
		} else {
			w.buf[w.i+6] = lastChunkType
		}
	} else {
		if w.first {
			w.buf[w.i+6] = firstChunkType
		} else {
			w.buf[w.i+6] = middleChunkType
		}
	}
	binary.LittleEndian.PutUint32(w.buf[w.i+0:w.i+4], checksum(w.buf[w.i+6:w.j]))
	binary.LittleEndian.PutUint16(w.buf[w.i+4:w.i+6], uint16(w.j-w.i-chunkHeaderSize))
}

// writeBlock writes the buffered block to the underlying writer, and
// reserves space for the next chunk's header.
func (w *recordWriter) writeBlock() {
	_, w.err = w.w.Write(w.buf[w.written:])
	w.i = 0
	w.j = chunkHeaderSize
	w.written = 0
	w.blockNumber++
}

// writePending finishes the current record and writes the buffer to the
// underlying writer.
func (w *recordWriter) writePending() {
	if w.err != nil {
		return
	}
	if w.pending {
		w.fillHeader(true)
		w.pending = false
	}
	_, w.err = w.w.Write(w.buf[w.written:w.j])
	w.written = w.j
}

// Close finishes the current record and closes the writer.
func (w *recordWriter) Close() error {
	w.seq++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	w.err = errors.New("store: closed writer")
	return nil
}

// Flush finishes the current record, writes to the underlying writer, and
// flushes it if that writer implements interface{ Flush() error }.
func (w *recordWriter) Flush() error {
	w.seq++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	if w.f != nil {
		w.err = w.f.Flush()
		return w.err
	}
	return nil
}

// Next returns a writer for the next record. The writer returned becomes
// stale after the next Close, Flush or Next call.
func (w *recordWriter) Next() (io.Writer, error) {
	w.seq++
	if w.err != nil {
		return nil, w.err
	}
	if w.pending {
		w.fillHeader(true)
	}
	w.i = w.j
	w.j += chunkHeaderSize
	if w.j > blockSize {
		for k := w.i; k < blockSize; k++ {
			w.buf[k] = 0
		}
		w.writeBlock()
		if w.err != nil {
			return nil, w.err
		}
	}
	w.first = true
	w.pending = true
	return singleWriter{w, w.seq}, nil
}

type singleWriter struct {
	w   *recordWriter
	seq int
}

func (x singleWriter) Write(p []byte) (int, error) {
	w := x.w
	if w.seq != x.seq {
		return 0, errors.New("store: stale writer")
	}
	if w.err != nil {
		return 0, w.err
	}
	n0 := len(p)
	for len(p) > 0 {
		if w.j == blockSize {
			w.fillHeader(false)
			w.writeBlock()
			if w.err != nil {
				return 0, w.err
			}
			w.first = false
		}
		n := copy(w.buf[w.j:], p)
		w.j += n
		p = p[n:]
	}
	return n0, nil
}
