package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt covers any AEAD open failure: wrong key, truncated frame, or a
// tampered ciphertext.
var ErrDecrypt = errors.New("transport: aead decrypt failed")

// Framer seals and opens messages on one direction of a secure stream. The
// capture server and viewer each hold two framers (one per direction key)
// once the handshake completes. Nonces are a monotonic per-sender counter
// rather than random, so a nonce is never reused under a fixed key;
// SealEnvelope carries the counter value on the wire.
type Framer struct {
	aead    chacha20poly1305cipher
	seq     uint64
	nonce12 [chacha20poly1305.NonceSize]byte
}

// chacha20poly1305cipher is a narrow alias so the field above reads cleanly;
// the concrete type is whatever chacha20poly1305.New returns.
type chacha20poly1305cipher = interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewFramer builds a framer from a 32-byte session key.
func NewFramer(key [32]byte) (*Framer, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("transport: init aead: %w", err)
	}
	return &Framer{aead: aead}, nil
}

// Seal encrypts plaintext for the given stream, advancing the sequence
// counter. The stream tag is bound as additional data so a ciphertext from
// one logical stream cannot be replayed onto another.
func (f *Framer) Seal(stream byte, plaintext []byte) []byte {
	binary.LittleEndian.PutUint64(f.nonce12[:8], f.seq)
	f.seq++
	return f.aead.Seal(nil, f.nonce12[:], plaintext, []byte{stream})
}

// Open decrypts a frame produced by the peer's Seal for the given stream and
// sequence number. The Framer keeps no receive-side sequence state: the
// caller supplies seq (OpenEnvelope takes it from the envelope), and Open
// itself does not reject a repeated seq.
func (f *Framer) Open(stream byte, seq uint64, ciphertext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	out, err := f.aead.Open(nil, nonce[:], ciphertext, []byte{stream})
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealEnvelope wraps Seal's output with the stream tag and sequence number
// it was sealed under, so the wire carries everything OpenEnvelope needs to
// invert it without the two ends independently tracking sequence state.
func (f *Framer) SealEnvelope(stream byte, plaintext []byte) []byte {
	seq := f.seq
	ciphertext := f.Seal(stream, plaintext)
	envelope := make([]byte, 9+len(ciphertext))
	envelope[0] = stream
	binary.LittleEndian.PutUint64(envelope[1:9], seq)
	copy(envelope[9:], ciphertext)
	return envelope
}

// OpenEnvelope inverts SealEnvelope.
func (f *Framer) OpenEnvelope(envelope []byte) (stream byte, plaintext []byte, err error) {
	if len(envelope) < 9 {
		return 0, nil, fmt.Errorf("transport: envelope too short (%d bytes)", len(envelope))
	}
	stream = envelope[0]
	seq := binary.LittleEndian.Uint64(envelope[1:9])
	plaintext, err = f.Open(stream, seq, envelope[9:])
	return stream, plaintext, err
}
