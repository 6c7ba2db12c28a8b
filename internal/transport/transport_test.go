package transport

import (
	"context"
	"crypto/x509"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/safesend/internal/resume"
	"github.com/sheerbytes/safesend/internal/scan"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type served struct {
	res transfer.ReceiveResult
	err error
}

// startReceiver runs a transfer server over a listener of the given kind and
// returns its address, store root and a channel of finished sessions.
func startReceiver(t *testing.T, kind string) (string, string, <-chan served) {
	t.Helper()
	root := t.TempDir()
	store, err := resume.Open(resume.Options{Dirs: resume.DirsFromRoot(root)})
	require.NoError(t, err)

	ln, err := Listen(kind, "127.0.0.1:0", Options{})
	require.NoError(t, err)

	results := make(chan served, 4)
	srv := transfer.NewServer(ln, transfer.ServerOptions{
		Store:       store,
		Scanner:     scan.Nop{},
		ReadTimeout: 5 * time.Second,
		OnResult: func(res transfer.ReceiveResult, err error) {
			results <- served{res: res, err: err}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-done
		store.Close()
	})
	return ln.Addr().String(), root, results
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestTransferOverEveryTransport(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			addr, root, results := startReceiver(t, kind)
			path, data := writeFile(t, 200*1024+17)

			dial, err := NewDialer(kind, Options{})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			res, err := transfer.SendFile(ctx, dial, addr, path, transfer.SenderOptions{ChunkSize: 64 * 1024})
			require.NoError(t, err)
			assert.Equal(t, 4, res.Chunks)
			assert.Zero(t, res.Retransmits)

			select {
			case s := <-results:
				require.NoError(t, s.err)
				assert.Equal(t, transfer.OutcomeDelivered, s.res.Outcome)
			case <-time.After(10 * time.Second):
				t.Fatal("receiver did not finish")
			}

			got, err := os.ReadFile(filepath.Join(root, "received", "payload.bin"))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestUnknownKind(t *testing.T) {
	_, err := Listen("carrier-pigeon", "127.0.0.1:0", Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewDialer("carrier-pigeon", Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestAcceptHonoursContext(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			ln, err := Listen(kind, "127.0.0.1:0", Options{})
			require.NoError(t, err)
			defer ln.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = ln.Accept(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestAcceptAfterClose(t *testing.T) {
	for _, kind := range []string{KindQUIC, KindWS} {
		t.Run(kind, func(t *testing.T) {
			ln, err := Listen(kind, "127.0.0.1:0", Options{})
			require.NoError(t, err)
			require.NoError(t, ln.Close())

			_, err = ln.Accept(context.Background())
			assert.ErrorIs(t, err, ErrListenerClosed)
		})
	}
}

func TestWSDialWrongPathReportsStatus(t *testing.T) {
	ln, err := Listen(KindWS, "127.0.0.1:0", Options{WSPath: "/safesend"})
	require.NoError(t, err)
	defer ln.Close()

	dial := WSDialer("/elsewhere", time.Second)
	_, err = dial(context.Background(), ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket upgrade failed (404)")
}

func TestWSStreamMessageBoundaries(t *testing.T) {
	ln, err := Listen(KindWS, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	dial, err := NewDialer(KindWS, Options{})
	require.NoError(t, err)
	client, err := dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server, err := ln.Accept(ctx)
	require.NoError(t, err)

	_, err = client.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = client.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	require.NoError(t, client.Close())
	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())
}

func TestServerTLSConfig(t *testing.T) {
	conf, err := ServerTLSConfig()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	assert.Equal(t, []string{ALPNProtocol}, conf.NextProtos)

	cert, err := x509.ParseCertificate(conf.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, x509.ECDSA, cert.PublicKeyAlgorithm)
	assert.True(t, cert.NotAfter.After(time.Now()))

	assert.Equal(t, []string{ALPNProtocol}, ClientTLSConfig().NextProtos)
}
