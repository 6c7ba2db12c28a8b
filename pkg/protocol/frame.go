// Package protocol defines the safesend wire format.
//
// Every message travels in a frame:
//
//	kind (1 byte) | length (uint32, big endian) | body (length bytes)
//
// Control frames carry a UTF-8 control line (HELLO, RESUME?, META, ...),
// chunk frames carry a 24-byte ChunkHeader followed by the payload, and ack
// frames carry an 8-byte Ack record. The kind byte replaces sniffing the
// stream to tell text lines apart from binary headers.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the body carried by a frame.
type Kind uint8

const (
	KindControl Kind = 0x01
	KindChunk   Kind = 0x02
	KindAck     Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindChunk:
		return "chunk"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

const (
	// FrameHeaderSize is the size of the kind byte plus the length prefix.
	FrameHeaderSize = 5
	// MaxPayloadSize bounds a single chunk payload.
	MaxPayloadSize = 16 * 1024 * 1024
	// MaxBodySize bounds any frame body accepted from the wire.
	MaxBodySize = ChunkHeaderSize + MaxPayloadSize
)

var (
	// ErrFrameTooLarge indicates a length prefix above MaxBodySize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrTruncatedFrame indicates the stream ended inside a frame.
	ErrTruncatedFrame = errors.New("truncated frame")
)

// Frame is one decoded wire message.
type Frame struct {
	Kind Kind
	Body []byte
}

// AppendFrame appends the encoded frame to dst and returns the extended slice.
func AppendFrame(dst []byte, kind Kind, body ...[]byte) []byte {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	var hdr [FrameHeaderSize]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(total))
	dst = append(dst, hdr[:]...)
	for _, b := range body {
		dst = append(dst, b...)
	}
	return dst
}

// WriteFrame encodes a frame and emits it with a single Write call, so
// message-oriented transports carry exactly one frame per message.
func WriteFrame(w io.Writer, kind Kind, body ...[]byte) error {
	buf := AppendFrame(nil, kind, body...)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// WriteControl writes a control line frame.
func WriteControl(w io.Writer, line string) error {
	return WriteFrame(w, KindControl, []byte(line))
}

// WriteAck writes an ack frame for seq.
func WriteAck(w io.Writer, seq uint32) error {
	ack := Ack{Seq: seq}.Marshal()
	return WriteFrame(w, KindAck, ack[:])
}

// FrameReader decodes frames from a stream.
type FrameReader struct {
	r   *bufio.Reader
	buf []byte
}

// NewFrameReader wraps r with a buffered frame decoder.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame reads the next frame. The returned body aliases an internal
// buffer and is only valid until the next call.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxBodySize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	body := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	return Frame{Kind: Kind(hdr[0]), Body: body}, nil
}
