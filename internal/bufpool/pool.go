// Package bufpool recycles fixed-size byte buffers for chunk frames and
// scan blocks.
package bufpool

import (
	"sync"

	"github.com/sheerbytes/safesend/pkg/protocol"
)

// Pool hands out buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{bufSize: bufSize}
}

// ForChunks returns a pool whose buffers hold one complete chunk frame with
// up to chunkSize payload bytes. Payload bytes go at protocol.ChunkFrameOverhead.
func ForChunks(chunkSize int) *Pool {
	if chunkSize <= 0 {
		panic("chunkSize must be positive")
	}
	return New(protocol.ChunkFrameOverhead + chunkSize)
}

// Get returns a buffer of length BufSize. Contents are not zeroed.
func (p *Pool) Get() []byte {
	if bp, ok := p.pool.Get().(*[]byte); ok && cap(*bp) >= p.bufSize {
		return (*bp)[:p.bufSize]
	}
	return make([]byte, p.bufSize)
}

// Put returns buf to the pool. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Payload returns the payload area of a chunk frame buffer from ForChunks.
func Payload(buf []byte) []byte {
	return buf[protocol.ChunkFrameOverhead:]
}
