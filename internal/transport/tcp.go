package transport

import (
	"context"
	"net"
	"time"

	"github.com/sheerbytes/safesend/internal/transfer"
)

type tcpListener struct {
	ln net.Listener
}

// ListenTCP listens on addr. A net.Conn already satisfies transfer.Stream.
func ListenTCP(addr string) (transfer.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Accept waits for a connection. Cancelling ctx closes the listener.
func (l *tcpListener) Accept(ctx context.Context) (transfer.Stream, error) {
	conn, err := acceptWithContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Close() error { return l.ln.Close() }

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		r := <-ch
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// TCPDialer dials plain TCP with the given connect timeout.
func TCPDialer(timeout time.Duration) transfer.Dialer {
	return func(ctx context.Context, addr string) (transfer.Stream, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
