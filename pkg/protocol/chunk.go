package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ChunkHeaderSize is the encoded size of a ChunkHeader.
	ChunkHeaderSize = 24
	// AckSize is the encoded size of an Ack.
	AckSize = 8

	// ResendSeq asks the sender to resend its unacknowledged chunk when no
	// chunk has been accepted yet.
	ResendSeq = ^uint32(0)
)

var (
	chunkTag = [4]byte{'C', 'H', 'N', 'K'}
	ackTag   = [4]byte{'A', 'C', 'K', '!'}
)

var (
	// ErrBadTag indicates a record whose 4-byte tag is not the expected one.
	ErrBadTag = errors.New("unexpected record tag")
	// ErrShortRecord indicates a record body shorter than its fixed size.
	ErrShortRecord = errors.New("record too short")
	// ErrLengthMismatch indicates a chunk whose declared length disagrees with its body.
	ErrLengthMismatch = errors.New("chunk length mismatch")
)

// ChunkHeader prefixes every data chunk.
type ChunkHeader struct {
	Seq      uint32
	Offset   uint64
	Length   uint32
	Checksum uint32
}

// End returns the offset just past the chunk.
func (h ChunkHeader) End() uint64 {
	return h.Offset + uint64(h.Length)
}

// Marshal encodes the header as "CHNK" seq offset length checksum, big endian.
func (h ChunkHeader) Marshal() [ChunkHeaderSize]byte {
	var b [ChunkHeaderSize]byte
	copy(b[0:4], chunkTag[:])
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint64(b[8:16], h.Offset)
	binary.BigEndian.PutUint32(b[16:20], h.Length)
	binary.BigEndian.PutUint32(b[20:24], h.Checksum)
	return b
}

// UnmarshalChunkHeader decodes a header from the first ChunkHeaderSize bytes of b.
func UnmarshalChunkHeader(b []byte) (ChunkHeader, error) {
	if len(b) < ChunkHeaderSize {
		return ChunkHeader{}, ErrShortRecord
	}
	if [4]byte(b[0:4]) != chunkTag {
		return ChunkHeader{}, fmt.Errorf("%w: %q", ErrBadTag, b[0:4])
	}
	return ChunkHeader{
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Offset:   binary.BigEndian.Uint64(b[8:16]),
		Length:   binary.BigEndian.Uint32(b[16:20]),
		Checksum: binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

// AppendChunkFrame appends a complete chunk frame (frame header, chunk
// header, payload) to dst.
func AppendChunkFrame(dst []byte, h ChunkHeader, payload []byte) []byte {
	hdr := h.Marshal()
	return AppendFrame(dst, KindChunk, hdr[:], payload)
}

// DecodeChunk splits a chunk frame body into its header and payload.
// The payload aliases body.
func DecodeChunk(body []byte) (ChunkHeader, []byte, error) {
	h, err := UnmarshalChunkHeader(body)
	if err != nil {
		return ChunkHeader{}, nil, err
	}
	payload := body[ChunkHeaderSize:]
	if uint64(len(payload)) != uint64(h.Length) {
		return ChunkHeader{}, nil, fmt.Errorf("%w: header says %d, body has %d", ErrLengthMismatch, h.Length, len(payload))
	}
	return h, payload, nil
}

// Ack acknowledges a chunk by sequence number.
type Ack struct {
	Seq uint32
}

// IsResend reports whether the ack carries the resend sentinel.
func (a Ack) IsResend() bool {
	return a.Seq == ResendSeq
}

// Marshal encodes the ack as "ACK!" seq, big endian.
func (a Ack) Marshal() [AckSize]byte {
	var b [AckSize]byte
	copy(b[0:4], ackTag[:])
	binary.BigEndian.PutUint32(b[4:8], a.Seq)
	return b
}

// UnmarshalAck decodes an ack record.
func UnmarshalAck(b []byte) (Ack, error) {
	if len(b) < AckSize {
		return Ack{}, ErrShortRecord
	}
	if [4]byte(b[0:4]) != ackTag {
		return Ack{}, fmt.Errorf("%w: %q", ErrBadTag, b[0:4])
	}
	return Ack{Seq: binary.BigEndian.Uint32(b[4:8])}, nil
}

// ChunkFrameOverhead is the number of bytes preceding the payload in an
// encoded chunk frame.
const ChunkFrameOverhead = FrameHeaderSize + ChunkHeaderSize

// PutChunkFrameHeader encodes the frame and chunk headers into the first
// ChunkFrameOverhead bytes of buf, whose payload must already sit at
// buf[ChunkFrameOverhead:]. It returns the complete frame.
func PutChunkFrameHeader(buf []byte, h ChunkHeader) []byte {
	n := ChunkFrameOverhead + int(h.Length)
	buf[0] = byte(KindChunk)
	binary.BigEndian.PutUint32(buf[1:FrameHeaderSize], uint32(ChunkHeaderSize)+h.Length)
	hdr := h.Marshal()
	copy(buf[FrameHeaderSize:ChunkFrameOverhead], hdr[:])
	return buf[:n]
}
