package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/sirupsen/logrus"
)

// ALPNProtocol is negotiated on every safesend QUIC connection.
const ALPNProtocol = "safesend/1"

const (
	// streamAcceptTimeout bounds how long a new connection may take to open
	// its stream.
	streamAcceptTimeout = 10 * time.Second
	// closeLinger bounds how long the receiving side waits for the peer to
	// close the connection after the last reply.
	closeLinger = 2 * time.Second
	// acceptBacklog is the number of opened streams waiting for Accept.
	acceptBacklog = 16
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// ServerTLSConfig returns a TLS config with a fresh self-signed certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the dialing TLS config. The receiver certificate is
// self-signed, so it is not verified.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig returns the default QUIC config for listeners.
// Transfers are stop-and-wait, so a single chunk in flight fits comfortably
// in the stream window.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             1,
		MaxIncomingUniStreams:          -1,
		InitialConnectionReceiveWindow: 4 * 1024 * 1024,
		MaxConnectionReceiveWindow:     32 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         32 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC config for dialers.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             -1,
		MaxIncomingUniStreams:          -1,
		InitialConnectionReceiveWindow: 1024 * 1024,
		MaxConnectionReceiveWindow:     4 * 1024 * 1024,
		InitialStreamReceiveWindow:     1024 * 1024,
		MaxStreamReceiveWindow:         4 * 1024 * 1024,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"safesend"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// quicStream carries one transfer over the single bidirectional stream of a
// QUIC connection. Closing it tears down the connection.
type quicStream struct {
	*quic.Stream
	conn   *quic.Conn
	linger time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close sends FIN on the stream, optionally waits for the peer to hang up so
// the last frame is delivered, then closes the connection.
func (s *quicStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Stream.Close()
		if s.linger > 0 {
			t := time.NewTimer(s.linger)
			select {
			case <-s.conn.Context().Done():
			case <-t.C:
			}
			t.Stop()
		}
		_ = s.conn.CloseWithError(0, "")
	})
	return s.closeErr
}

type quicListener struct {
	ln      *quic.Listener
	log     *logrus.Entry
	streams chan *quicStream
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ListenQUIC listens for QUIC connections on the UDP address addr. A nil
// config selects DefaultServerQUICConfig.
func ListenQUIC(addr string, cfg *quic.Config, log *logrus.Entry) (transfer.Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultServerQUICConfig()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Error("QUIC listen failed")
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:      ln,
		log:     log,
		streams: make(chan *quicStream, acceptBacklog),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.WithError(err).Debug("QUIC accept stopped")
			}
			return
		}
		l.wg.Add(1)
		go l.openStream(conn)
	}
}

func (l *quicListener) openStream(conn *quic.Conn) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("QUIC connection opened no stream")
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	s := &quicStream{Stream: stream, conn: conn, linger: closeLinger}
	select {
	case l.streams <- s:
	case <-l.ctx.Done():
		_ = s.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (transfer.Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	for {
		select {
		case s := <-l.streams:
			_ = s.Close()
		default:
			return err
		}
	}
}

// QUICDialer opens one QUIC connection and stream per transfer. A nil config
// selects DefaultClientQUICConfig.
func QUICDialer(cfg *quic.Config, timeout time.Duration) transfer.Dialer {
	if cfg == nil {
		cfg = DefaultClientQUICConfig()
	}
	return func(ctx context.Context, addr string) (transfer.Stream, error) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := quic.DialAddr(dctx, addr, ClientTLSConfig(), cfg)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(dctx)
		if err != nil {
			_ = conn.CloseWithError(1, "no stream")
			return nil, err
		}
		return &quicStream{Stream: stream, conn: conn}, nil
	}
}
