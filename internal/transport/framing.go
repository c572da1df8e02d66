package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxWireFrameBytes bounds one length-prefixed frame read off a raw
// connection, ahead of any AEAD handling: large enough for a compressed
// image/depth payload, small enough that a corrupt length field cannot
// trigger an unbounded allocation.
const MaxWireFrameBytes = 8 << 20

// WriteFrame writes a 4-byte little-endian length prefix followed by
// payload. Every byte exchanged on a capture<->viewer TCP connection, both
// during the handshake and afterward, is framed this way.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxWireFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("transport: read frame body: %w", err)
	}
	return body, nil
}
