package store

import (
	"bytes"
	"encoding/binary"
	"io"
)

// HeaderOptions is the default HeaderSchema: a small fixed-size marker
// written at the start of every store file so that a reader can reject a
// file from an incompatible format/version before trying to decode it.
type HeaderOptions struct {
	IDENT   [4]byte
	Magic   uint16
	Version byte
}

const (
	headerIdent   = "ESDB"
	headerMagic   = 0xE570
	headerVersion = 1
)

// NewHeader returns the header every Store written by this package uses.
func NewHeader() HeaderOptions {
	h := HeaderOptions{Magic: headerMagic, Version: headerVersion}
	copy(h.IDENT[:], headerIdent)
	return h
}

func (h HeaderOptions) MarshalBinary(w io.Writer) error {
	buf := make([]byte, 7)
	copy(buf[0:4], h.IDENT[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Magic)
	buf[6] = h.Version
	_, err := w.Write(buf)
	return err
}

func (h *HeaderOptions) UnmarshalBinary(r io.Reader) error {
	buf := make([]byte, 7)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	copy(h.IDENT[:], buf[0:4])
	h.Magic = binary.LittleEndian.Uint16(buf[4:6])
	h.Version = buf[6]
	return nil
}

// Valid reports whether the header matches this package's expected
// identifier, magic, and version.
func (h HeaderOptions) Valid() bool {
	return bytes.Equal(h.IDENT[:], []byte(headerIdent)) &&
		h.Magic == headerMagic &&
		h.Version == headerVersion
}
