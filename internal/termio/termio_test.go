package termio

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriterPreservesOrderAndFlushes(t *testing.T) {
	out := &lockedBuffer{}
	w := newWriter(nil, out)

	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		line := fmt.Sprintf("line %d\n", i)
		want.WriteString(line)
		n, err := w.Write([]byte(line))
		assert.NoError(t, err)
		assert.Equal(t, len(line), n)
	}
	w.flush()

	assert.Equal(t, want.String(), out.String())
	assert.Nil(t, w.File())
}

func TestWriterCopiesInput(t *testing.T) {
	out := &lockedBuffer{}
	w := newWriter(nil, out)

	p := []byte("abc")
	_, _ = w.Write(p)
	p[0] = 'x'
	w.flush()

	assert.Equal(t, "abc", out.String())
}
