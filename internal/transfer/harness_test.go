package transfer

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/safesend/internal/resume"
	"github.com/sheerbytes/safesend/internal/scan"
	"github.com/sheerbytes/safesend/pkg/protocol"
	"github.com/stretchr/testify/require"
)

type sessionResult struct {
	res ReceiveResult
	err error
}

// harness runs a Server on a loopback TCP listener backed by a temp store.
type harness struct {
	root    string
	store   *resume.Store
	ln      *tcpListener
	results chan sessionResult
}

func newHarness(t *testing.T, configure ...func(*ServerOptions)) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := resume.Open(resume.Options{Dirs: resume.DirsFromRoot(root)})
	require.NoError(t, err)

	nl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{
		root:    root,
		store:   store,
		ln:      &tcpListener{Listener: nl},
		results: make(chan sessionResult, 16),
	}
	opts := ServerOptions{
		Store:       store,
		Scanner:     scan.Nop{},
		ReadTimeout: 5 * time.Second,
		OnResult: func(res ReceiveResult, err error) {
			h.results <- sessionResult{res: res, err: err}
		},
	}
	for _, c := range configure {
		c(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(h.ln, opts).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.ln.Close()
		<-done
		store.Close()
	})
	return h
}

func (h *harness) addr() string { return h.ln.Addr().String() }

// wrapNext wraps the receiver side of subsequently accepted streams.
func (h *harness) wrapNext(wrap func(Stream) Stream) { h.ln.setWrap(wrap) }

func (h *harness) result(t require.TestingT) sessionResult {
	select {
	case r := <-h.results:
		return r
	case <-time.After(10 * time.Second):
		require.FailNow(t, "no receiver result")
		return sessionResult{}
	}
}

func (h *harness) receivedPath(name string) string {
	return filepath.Join(h.store.Dirs().Received, name)
}

type tcpListener struct {
	net.Listener
	mu   sync.Mutex
	wrap func(Stream) Stream
}

func (l *tcpListener) setWrap(wrap func(Stream) Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wrap = wrap
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	var s Stream = c.(*net.TCPConn)
	l.mu.Lock()
	wrap := l.wrap
	l.mu.Unlock()
	if wrap != nil {
		s = wrap(s)
	}
	return s, nil
}

func tcpDialer(wrap func(Stream) Stream) Dialer {
	return func(ctx context.Context, addr string) (Stream, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		var s Stream = c.(*net.TCPConn)
		if wrap != nil {
			s = wrap(s)
		}
		return s, nil
	}
}

func fastOptions() SenderOptions {
	return SenderOptions{
		AckTimeout:     300 * time.Millisecond,
		ControlTimeout: 3 * time.Second,
		DoneTimeout:    5 * time.Second,
	}
}

func writeSource(t require.TestingT, dir, name string, size int, seed int64) (string, []byte) {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func ackSeq(p []byte) (uint32, bool) {
	if len(p) != protocol.FrameHeaderSize+protocol.AckSize || protocol.Kind(p[0]) != protocol.KindAck {
		return 0, false
	}
	a, err := protocol.UnmarshalAck(p[protocol.FrameHeaderSize:])
	return a.Seq, err == nil
}

// dropAcks swallows ack frames for which drop returns true.
type dropAcks struct {
	Stream
	drop func(seq uint32) bool
}

func (s *dropAcks) Write(p []byte) (int, error) {
	if seq, ok := ackSeq(p); ok && s.drop(seq) {
		return len(p), nil
	}
	return s.Stream.Write(p)
}

func dropAckOnce(target uint32) func(Stream) Stream {
	dropped := false
	return func(s Stream) Stream {
		return &dropAcks{Stream: s, drop: func(seq uint32) bool {
			if seq == target && !dropped {
				dropped = true
				return true
			}
			return false
		}}
	}
}

// corruptChunk flips one payload byte in the first transmission of seq.
type corruptChunk struct {
	Stream
	seq  uint32
	done bool
}

func (s *corruptChunk) Write(p []byte) (int, error) {
	if !s.done && len(p) > protocol.ChunkFrameOverhead && protocol.Kind(p[0]) == protocol.KindChunk {
		h, err := protocol.UnmarshalChunkHeader(p[protocol.FrameHeaderSize:])
		if err == nil && h.Seq == s.seq {
			s.done = true
			bad := append([]byte(nil), p...)
			bad[protocol.ChunkFrameOverhead] ^= 0xFF
			if _, err := s.Stream.Write(bad); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	return s.Stream.Write(p)
}

// cutOnAck closes the connection instead of writing the n-th ack.
type cutOnAck struct {
	Stream
	n     int
	count int
}

func (s *cutOnAck) Write(p []byte) (int, error) {
	if _, ok := ackSeq(p); ok {
		s.count++
		if s.count == s.n {
			s.Stream.Close()
			return 0, net.ErrClosed
		}
	}
	return s.Stream.Write(p)
}

// rawClient speaks frames directly for malformed-peer tests.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	fr   *protocol.FrameReader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, fr: protocol.NewFrameReader(conn)}
}

func (c *rawClient) send(line string) {
	require.NoError(c.t, protocol.WriteControl(c.conn, line))
}

func (c *rawClient) sendChunk(h protocol.ChunkHeader, payload []byte) {
	_, err := c.conn.Write(protocol.AppendChunkFrame(nil, h, payload))
	require.NoError(c.t, err)
}

func (c *rawClient) expect(kind protocol.Kind) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := c.fr.ReadFrame()
	require.NoError(c.t, err)
	require.Equal(c.t, kind, f.Kind)
	return append([]byte(nil), f.Body...)
}

func (c *rawClient) expectLine(want string) {
	c.t.Helper()
	require.Equal(c.t, want, string(c.expect(protocol.KindControl)))
}

func (c *rawClient) expectAck(want uint32) {
	c.t.Helper()
	a, err := protocol.UnmarshalAck(c.expect(protocol.KindAck))
	require.NoError(c.t, err)
	require.Equal(c.t, want, a.Seq)
}
