package transfer

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Interrupting a transfer after any number of acknowledged chunks and then
// re-running it must deliver an identical file, resuming exactly at the
// receiver's committed offset with a gap-free ack sequence.
func TestResumeAfterInterruptionProperty(t *testing.T) {
	h := newHarness(t)
	srcDir := t.TempDir()
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		name := fmt.Sprintf("prop-%d.bin", iteration)
		size := rapid.IntRange(0, 300*1024).Draw(rt, "size")
		chunkSize := rapid.SampledFrom([]int{1024, 4096, 16 * 1024, 64 * 1024}).Draw(rt, "chunkSize")
		chunks := (size + chunkSize - 1) / chunkSize
		cutAt := rapid.IntRange(1, chunks+1).Draw(rt, "cutAt")

		path, data := writeSource(rt, srcDir, name, size, int64(iteration))
		opts := fastOptions()
		opts.ChunkSize = chunkSize

		h.wrapNext(func(s Stream) Stream { return &cutOnAck{Stream: s, n: cutAt} })
		_, err := SendFile(context.Background(), tcpDialer(nil), h.addr(), path, opts)
		first := h.result(rt)
		h.wrapNext(nil)

		if cutAt > chunks {
			require.NoError(rt, err)
			require.NoError(rt, first.err)
		} else {
			require.ErrorIs(rt, err, ErrConnection)
			require.ErrorIs(rt, first.err, ErrConnection)

			committed := int64(cutAt * chunkSize)
			if committed > int64(size) {
				committed = int64(size)
			}
			off, ok, err := h.store.Offset(name)
			require.NoError(rt, err)
			require.True(rt, ok)
			require.Equal(rt, committed, off)

			rec := &recorder{}
			opts.Hooks = rec.hooks()
			res, err := SendFile(context.Background(), tcpDialer(nil), h.addr(), path, opts)
			require.NoError(rt, err)
			require.NoError(rt, h.result(rt).err)
			require.Equal(rt, committed, res.StartOffset)

			remaining := (int64(size) - committed + int64(chunkSize) - 1) / int64(chunkSize)
			require.Len(rt, rec.acks, int(remaining))
			for i, seq := range rec.acks {
				require.Equal(rt, uint32(i), seq)
			}
		}

		got, err := os.ReadFile(h.receivedPath(name))
		require.NoError(rt, err)
		require.Equal(rt, data, got)
	})
}
