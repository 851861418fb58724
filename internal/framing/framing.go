// Package framing carries discrete datagrams over a persistent byte stream.
//
// Each frame is a 2-byte big-endian payload length followed by the payload:
//
//	+--------+--------+----------------------+
//	| len hi | len lo | payload (len bytes)  |
//	+--------+--------+----------------------+
//
// A stream that yields a length the receiver cannot buffer is unrecoverable:
// the frame boundary is lost, so callers must tear the stream down.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the number of bytes in a frame header.
	HeaderLen = 2

	// MaxPayload is the largest payload expressible in a 16-bit length prefix.
	MaxPayload = 0xFFFF
)

var (
	ErrPayloadTooLarge = errors.New("framing: payload too large")
	ErrFrameTooLarge   = errors.New("framing: frame too large")
)

// Codec encodes and decodes length-prefixed frames.
type Codec struct {
	// MaxPayload is the maximum number of payload bytes allowed in a frame.
	MaxPayload int
}

// DefaultCodec is used by the top-level Encode/Decode helpers.
var DefaultCodec = Codec{MaxPayload: MaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload <= 0 || maxPayload > MaxPayload {
		return Codec{}, fmt.Errorf("framing: max payload must be in 1..%d, got %d", MaxPayload, maxPayload)
	}
	return Codec{MaxPayload: maxPayload}, nil
}

func Encode(payload []byte) ([]byte, error) {
	return DefaultCodec.AppendFrame(nil, payload)
}

// Decode reads one frame from r into a freshly allocated buffer.
func Decode(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxPayload)
	return DefaultCodec.ReadFrame(r, buf)
}

func (c Codec) limit() int {
	if c.MaxPayload <= 0 || c.MaxPayload > MaxPayload {
		return MaxPayload
	}
	return c.MaxPayload
}

// AppendFrame appends the encoded frame for payload to dst.
func (c Codec) AppendFrame(dst, payload []byte) ([]byte, error) {
	if max := c.limit(); len(payload) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), max)
	}

	n := HeaderLen + len(payload)
	start := len(dst)
	if cap(dst) < start+n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+n]
	binary.BigEndian.PutUint16(dst[start:start+HeaderLen], uint16(len(payload)))
	copy(dst[start+HeaderLen:], payload)
	return dst, nil
}

// WriteFrame writes payload as a single frame with one Write call, so the
// header and payload are never split across concurrent writers that serialize
// on w.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	frame, err := c.AppendFrame(nil, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame from r and returns its payload as a prefix of buf.
//
// It returns io.EOF when the stream ends cleanly between frames and
// io.ErrUnexpectedEOF when it ends inside a frame.
func (c Codec) ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	n, err := c.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return c.ReadPayload(r, buf, n)
}

// ReadHeader reads one frame header and returns the announced payload length.
// A length above the codec limit is ErrFrameTooLarge.
func (c Codec) ReadHeader(r io.Reader) (int, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > c.limit() {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.limit())
	}
	return n, nil
}

// ReadPayload reads the n payload bytes that follow a header into buf.
func (c Codec) ReadPayload(r io.Reader, buf []byte, n int) ([]byte, error) {
	if n > len(buf) {
		return nil, fmt.Errorf("%w: %d bytes (buffer %d)", ErrFrameTooLarge, n, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:n], nil
}
