package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrScanFailed wraps an ERROR reply from clamd.
var ErrScanFailed = errors.New("clamd scan failed")

const clamdChunkSize = 64 * 1024

// ClamdScanner streams files to a clamd daemon with the INSTREAM command.
type ClamdScanner struct {
	network string
	address string
	timeout time.Duration
}

// NewClamdScanner parses addr as tcp://host:port, unix:///path or a bare
// host:port.
func NewClamdScanner(addr string, timeout time.Duration) (*ClamdScanner, error) {
	network, address, err := parseClamdAddr(addr)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ClamdScanner{network: network, address: address, timeout: timeout}, nil
}

func parseClamdAddr(addr string) (string, string, error) {
	if addr == "" {
		return "", "", errors.New("clamd address is required")
	}
	if !strings.Contains(addr, "://") {
		return "tcp", addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid clamd address: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported clamd scheme %q", u.Scheme)
	}
}

// Scan sends the file and interprets the single reply line.
func (c *ClamdScanner) Scan(ctx context.Context, path string) (Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to open for scan: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to connect to clamd: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return Verdict{}, fmt.Errorf("failed to send INSTREAM: %w", err)
	}
	buf := make([]byte, clamdChunkSize)
	var lenPrefix [4]byte
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(lenPrefix[:], uint32(n))
			if _, err := w.Write(lenPrefix[:]); err != nil {
				return Verdict{}, fmt.Errorf("failed to stream to clamd: %w", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return Verdict{}, fmt.Errorf("failed to stream to clamd: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Verdict{}, fmt.Errorf("failed to read for scan: %w", rerr)
		}
	}
	binary.BigEndian.PutUint32(lenPrefix[:], 0)
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return Verdict{}, fmt.Errorf("failed to stream to clamd: %w", err)
	}
	if err := w.Flush(); err != nil {
		return Verdict{}, fmt.Errorf("failed to stream to clamd: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return Verdict{}, fmt.Errorf("failed to read clamd reply: %w", err)
	}
	return parseClamdReply(strings.TrimRight(reply, "\x00\n"))
}

// parseClamdReply maps "stream: OK", "stream: <sig> FOUND" and
// "... ERROR" replies.
func parseClamdReply(reply string) (Verdict, error) {
	body := strings.TrimSpace(strings.TrimPrefix(reply, "stream:"))
	switch {
	case body == "OK":
		return Verdict{Message: "clean"}, nil
	case strings.HasSuffix(body, " FOUND"):
		return Verdict{Infected: true, Message: strings.TrimSuffix(body, " FOUND")}, nil
	case strings.HasSuffix(body, " ERROR"):
		return Verdict{}, fmt.Errorf("%w: %s", ErrScanFailed, strings.TrimSuffix(body, " ERROR"))
	default:
		return Verdict{}, fmt.Errorf("%w: unexpected reply %q", ErrScanFailed, reply)
	}
}
