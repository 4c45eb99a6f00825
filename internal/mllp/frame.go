// Package mllp implements the Minimal Lower Layer Protocol used to carry HL7
// v2 messages over TCP: each message is wrapped as <VT>message<FS><CR>.
package mllp

import (
	"bufio"
	"errors"
	"io"
)

const (
	StartBlock     byte = 0x0b
	EndBlock       byte = 0x1c
	CarriageReturn byte = 0x0d

	// DefaultMaxMessageSize bounds a single frame when no limit is configured.
	DefaultMaxMessageSize = 1 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds the reader's limit. The
// stream cannot be resynchronised reliably after it.
var ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum message size")

// Reader splits an MLLP byte stream into frames.
type Reader struct {
	br  *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reader{br: bufio.NewReader(r), max: maxSize}
}

// ReadFrame returns the next frame's content without its envelope. Bytes
// outside a frame are skipped, which includes the <CR> trailing the previous
// frame. io.EOF means the stream ended cleanly between frames;
// io.ErrUnexpectedEOF means it ended inside one.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	var buf []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == EndBlock {
			return buf, nil
		}
		if len(buf) >= r.max {
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, b)
	}
}

// WriteFrame writes payload wrapped in a single MLLP envelope.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, StartBlock)
	buf = append(buf, payload...)
	buf = append(buf, EndBlock, CarriageReturn)
	_, err := w.Write(buf)
	return err
}
