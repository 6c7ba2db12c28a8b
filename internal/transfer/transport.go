package transfer

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is one bidirectional byte stream carrying a single file transfer.
// Every protocol frame is written with one Write call.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the stream. After Close is called, Read and Write operations
	// will return errors.
	Close() error
	// SetReadDeadline bounds pending and future Reads. A zero value disables
	// the deadline.
	SetReadDeadline(t time.Time) error
}

// Listener accepts incoming streams, one per transfer.
type Listener interface {
	// Accept waits for the next stream or until ctx is done.
	Accept(ctx context.Context) (Stream, error)
	// Addr returns the listening address.
	Addr() net.Addr
	// Close stops accepting. Pending Accept calls return errors.
	Close() error
}

// Dialer opens a stream to the receiver at addr.
type Dialer func(ctx context.Context, addr string) (Stream, error)

// RemoteAddrer exposes the peer address when the transport knows it.
type RemoteAddrer interface {
	RemoteAddr() net.Addr
}
