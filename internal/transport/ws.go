package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/sirupsen/logrus"
)

const wsCloseTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsStream maps the byte stream onto binary messages. Each Write is one
// message, and Read drains messages in order.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.cur == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close sends a close frame and closes the connection.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

type wsListener struct {
	ln      net.Listener
	srv     *http.Server
	log     *logrus.Entry
	streams chan *wsStream
	done    chan struct{}
	once    sync.Once
}

// ListenWS serves a WebSocket endpoint on path at addr. Every upgraded
// connection becomes one stream.
func ListenWS(addr, path string, log *logrus.Entry) (transfer.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:      ln,
		log:     log,
		streams: make(chan *wsStream, acceptBacklog),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("websocket server stopped")
		}
	}()
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}
	s := newWSStream(conn)
	select {
	case l.streams <- s:
	case <-l.done:
		_ = s.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (transfer.Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// WSDialer connects to ws://addr<path>.
func WSDialer(path string, timeout time.Duration) transfer.Dialer {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	return func(ctx context.Context, addr string) (transfer.Stream, error) {
		u := url.URL{Scheme: "ws", Host: addr, Path: path}
		conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				_ = resp.Body.Close()
				if len(body) > 0 {
					return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
				}
				return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
			}
			return nil, err
		}
		return newWSStream(conn), nil
	}
}
