// Package transport provides the byte-stream carriers a transfer runs over:
// plain TCP, a single QUIC stream, or binary WebSocket messages.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Transport kinds.
const (
	KindTCP  = "tcp"
	KindQUIC = "quic"
	KindWS   = "ws"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// ErrUnknownKind is returned for a transport name that is not supported.
var ErrUnknownKind = errors.New("unknown transport")

// Options tune a listener or dialer.
type Options struct {
	// WSPath is the HTTP path the WebSocket endpoint is served on.
	WSPath      string
	// DialTimeout bounds connection establishment. Zero means DefaultDialTimeout.
	DialTimeout time.Duration
	// QUIC overrides the QUIC config. Nil selects the defaults.
	QUIC        *quic.Config
	Logger      *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.WSPath == "" {
		o.WSPath = "/safesend"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Kinds lists the supported transports.
func Kinds() []string {
	return []string{KindTCP, KindQUIC, KindWS}
}

// Listen opens a listener of the given kind on addr.
func Listen(kind, addr string, opts Options) (transfer.Listener, error) {
	opts = opts.withDefaults()
	log := opts.Logger.WithField("transport", kind)
	var (
		ln  transfer.Listener
		err error
	)
	switch kind {
	case KindTCP, "":
		ln, err = ListenTCP(addr)
	case KindQUIC:
		ln, err = ListenQUIC(addr, opts.QUIC, log)
	case KindWS:
		ln, err = ListenWS(addr, opts.WSPath, log)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("addr", ln.Addr().String()).Debug("listening")
	return ln, nil
}

// NewDialer returns a dialer for the given kind.
func NewDialer(kind string, opts Options) (transfer.Dialer, error) {
	opts = opts.withDefaults()
	switch kind {
	case KindTCP, "":
		return TCPDialer(opts.DialTimeout), nil
	case KindQUIC:
		return QUICDialer(opts.QUIC, opts.DialTimeout), nil
	case KindWS:
		return WSDialer(opts.WSPath, opts.DialTimeout), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}
