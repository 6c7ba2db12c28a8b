package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sheerbytes/safesend/internal/bufpool"
	"github.com/sheerbytes/safesend/internal/integrity"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/progress"
	"github.com/sheerbytes/safesend/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Sender defaults.
const (
	DefaultChunkSize      = 64 * 1024
	DefaultAckTimeout     = 2 * time.Second
	DefaultControlTimeout = 5 * time.Second
	DefaultDoneTimeout    = 2 * time.Minute
	DefaultMaxRetries     = 8
)

// SenderState is the sender's position in the protocol.
type SenderState int

const (
	SenderConnecting SenderState = iota
	SenderHandshake
	SenderResumeWait
	SenderMetaSent
	SenderReady
	SenderSending
	SenderDoneWait
	SenderClosed
)

func (s SenderState) String() string {
	switch s {
	case SenderConnecting:
		return "CONNECTING"
	case SenderHandshake:
		return "HANDSHAKE"
	case SenderResumeWait:
		return "RESUME_WAIT"
	case SenderMetaSent:
		return "META_SENT"
	case SenderReady:
		return "READY"
	case SenderSending:
		return "SENDING"
	case SenderDoneWait:
		return "DONE_WAIT"
	case SenderClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SenderState(%d)", int(s))
	}
}

// SenderHooks observe a transfer. All fields are optional.
type SenderHooks struct {
	OnState func(SenderState)
	// OnChunk is called before every chunk write, including retransmissions.
	OnChunk func(h protocol.ChunkHeader, retransmit bool)
	// OnAck is called when the expected ack arrives.
	OnAck func(seq uint32)
}

// NoRetries disables retransmission when set as SenderOptions.MaxRetries.
const NoRetries = -1

// SenderOptions tune one transfer. Zero values select defaults.
type SenderOptions struct {
	// ChunkSize is capped at protocol.MaxPayloadSize.
	ChunkSize      int
	AckTimeout     time.Duration
	ControlTimeout time.Duration
	DoneTimeout    time.Duration
	// MaxRetries bounds retransmissions of one chunk. Zero selects
	// DefaultMaxRetries; NoRetries gives up on the first ack timeout.
	MaxRetries     int
	Logger         *logrus.Entry
	// Meter, when set, is started with the file size and fed acknowledged bytes.
	Meter          *progress.Meter
	Hooks          SenderHooks
}

func (o SenderOptions) withDefaults() SenderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > protocol.MaxPayloadSize {
		o.ChunkSize = protocol.MaxPayloadSize
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.DoneTimeout <= 0 {
		o.DoneTimeout = DefaultDoneTimeout
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Source is a local file opened for sending. It is never modified.
type Source struct {
	Path   string
	Name   string
	Size   int64
	Digest string
	f      *os.File
}

// OpenSource opens path and computes its digest.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open: %w", ErrSource, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: failed to stat: %w", ErrSource, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrSource, path)
	}
	digest, err := integrity.DigestReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: failed to digest: %w", ErrSource, err)
	}
	return &Source{
		Path:   path,
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Digest: digest,
		f:      f,
	}, nil
}

// Close closes the underlying file.
func (s *Source) Close() error {
	return s.f.Close()
}

// SendResult summarizes a completed transfer.
type SendResult struct {
	Name        string
	Size        int64
	Digest      string
	StartOffset int64
	Chunks      int
	Retransmits int
	BytesSent   int64 // payload bytes written, retransmissions included
	Elapsed     time.Duration
}

// SendFile opens path, dials addr and transfers the file over one stream.
func SendFile(ctx context.Context, dial Dialer, addr, path string, opts SenderOptions) (SendResult, error) {
	src, err := OpenSource(path)
	if err != nil {
		return SendResult{}, err
	}
	defer src.Close()

	stream, err := dial(ctx, addr)
	if err != nil {
		return SendResult{Name: src.Name, Size: src.Size, Digest: src.Digest},
			fmt.Errorf("%w: failed to connect to %s: %w", ErrConnection, addr, err)
	}
	defer stream.Close()

	return Send(ctx, stream, src, opts)
}

// Send runs the sender protocol for src over stream. Cancelling ctx closes
// the stream. The caller closes the stream afterwards, which also stops the
// background frame reader.
func Send(ctx context.Context, stream Stream, src *Source, opts SenderOptions) (SendResult, error) {
	opts = opts.withDefaults()
	s := &sendSession{
		stream: stream,
		src:    src,
		opts:   opts,
		log:    opts.Logger.WithFields(logrus.Fields{"file": src.Name, "size": src.Size}),
		done:   make(chan struct{}),
		result: SendResult{Name: src.Name, Size: src.Size, Digest: src.Digest},
	}
	start := time.Now()
	defer func() {
		close(s.done)
		s.result.Elapsed = time.Since(start)
		s.setState(SenderClosed)
	}()

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	s.in = readFrames(stream, s.done)
	err := s.run(ctx)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return s.result, err
}

// inbound is one decoded frame or the error that ended the reader.
type inbound struct {
	frame protocol.Frame
	err   error
}

// readFrames decodes frames on its own goroutine so ack timeouts never
// interrupt a frame mid-read.
func readFrames(r io.Reader, done <-chan struct{}) <-chan inbound {
	ch := make(chan inbound, 16)
	go func() {
		fr := protocol.NewFrameReader(r)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				select {
				case ch <- inbound{err: err}:
				case <-done:
				}
				return
			}
			f.Body = append([]byte(nil), f.Body...)
			select {
			case ch <- inbound{frame: f}:
			case <-done:
				return
			}
		}
	}()
	return ch
}

var errReplyTimeout = errors.New("timed out waiting for reply")

type sendSession struct {
	stream Stream
	src    *Source
	opts   SenderOptions
	log    *logrus.Entry
	in     <-chan inbound
	done   chan struct{}
	state  SenderState
	result SendResult
}

func (s *sendSession) setState(st SenderState) {
	s.state = st
	if s.opts.Hooks.OnState != nil {
		s.opts.Hooks.OnState(st)
	}
}

func (s *sendSession) run(ctx context.Context) error {
	s.setState(SenderHandshake)
	if err := s.writeControl(protocol.Hello(protocol.Version)); err != nil {
		return err
	}
	if err := s.writeControl(protocol.ResumeQuery(s.src.Name)); err != nil {
		return err
	}

	s.setState(SenderResumeWait)
	line, err := s.awaitControl(ctx, s.opts.ControlTimeout)
	if err != nil {
		return err
	}
	if msg, ok := protocol.ParseErr(line); ok {
		return &RemoteError{Message: msg}
	}
	offset, err := protocol.ParseResume(line)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if offset > s.src.Size {
		return fmt.Errorf("%w: resume offset %d beyond file size %d", ErrProtocol, offset, s.src.Size)
	}
	s.result.StartOffset = offset

	meta := protocol.Meta{Name: s.src.Name, Size: s.src.Size, Digest: s.src.Digest}
	if err := s.writeControl(protocol.MetaLine(meta)); err != nil {
		return err
	}
	s.setState(SenderMetaSent)
	line, err = s.awaitControl(ctx, s.opts.ControlTimeout)
	if err != nil {
		return err
	}
	if msg, ok := protocol.ParseErr(line); ok {
		return &RemoteError{Message: msg}
	}
	if line != protocol.VerbReady {
		return fmt.Errorf("%w: expected READY, got %q", ErrProtocol, line)
	}
	s.setState(SenderReady)

	if s.opts.Meter != nil {
		s.opts.Meter.Start(s.src.Size)
		s.opts.Meter.Advance(offset)
	}
	s.log.WithField("offset", offset).Info("receiver ready")

	s.setState(SenderSending)
	if err := s.sendChunks(ctx, offset); err != nil {
		return err
	}

	s.setState(SenderDoneWait)
	if err := s.writeControl(protocol.VerbDone); err != nil {
		return err
	}
	line, err = s.awaitControl(ctx, s.opts.DoneTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	if msg, ok := protocol.ParseErr(line); ok {
		return &RemoteError{Message: msg}
	}
	if line != protocol.VerbDoneOK {
		return fmt.Errorf("%w: unexpected reply %q", ErrCompletion, line)
	}
	return nil
}

func (s *sendSession) sendChunks(ctx context.Context, offset int64) error {
	pool := bufpool.ForChunks(s.opts.ChunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	var seq uint32
	for offset < s.src.Size {
		n := int64(s.opts.ChunkSize)
		if remaining := s.src.Size - offset; remaining < n {
			n = remaining
		}
		payload := bufpool.Payload(buf)[:n]
		if read, err := s.src.f.ReadAt(payload, offset); int64(read) != n {
			return fmt.Errorf("%w: failed to read at offset %d: %w", ErrSource, offset, err)
		}
		h := protocol.ChunkHeader{
			Seq:      seq,
			Offset:   uint64(offset),
			Length:   uint32(n),
			Checksum: integrity.Checksum(payload),
		}
		if err := s.sendChunk(ctx, h, protocol.PutChunkFrameHeader(buf, h)); err != nil {
			return err
		}
		seq++
		offset += n
	}
	return nil
}

// sendChunk writes one frame and retransmits it until the matching ack
// arrives or MaxRetries retransmissions have timed out.
func (s *sendSession) sendChunk(ctx context.Context, h protocol.ChunkHeader, frame []byte) error {
	for attempt := 0; ; attempt++ {
		retransmit := attempt > 0
		if s.opts.Hooks.OnChunk != nil {
			s.opts.Hooks.OnChunk(h, retransmit)
		}
		if retransmit {
			s.result.Retransmits++
			if s.opts.Meter != nil {
				s.opts.Meter.Retransmit()
			}
		}
		if _, err := s.stream.Write(frame); err != nil {
			return fmt.Errorf("%w: failed to write chunk %d: %w", ErrConnection, h.Seq, err)
		}
		s.result.BytesSent += int64(h.Length)

		acked, err := s.awaitAck(ctx, h.Seq)
		if err != nil {
			return err
		}
		if acked {
			s.result.Chunks++
			if s.opts.Meter != nil {
				s.opts.Meter.Add(int(h.Length))
			}
			if s.opts.Hooks.OnAck != nil {
				s.opts.Hooks.OnAck(h.Seq)
			}
			return nil
		}
		if attempt >= s.opts.MaxRetries {
			return fmt.Errorf("%w: chunk %d unacknowledged after %d retransmissions", ErrRetriesExhausted, h.Seq, attempt)
		}
		s.log.WithFields(logrus.Fields{"seq": h.Seq, "attempt": attempt + 1}).Warn("ack timeout, retransmitting")
	}
}

// awaitAck waits up to AckTimeout for an ack of seq. Acks for other
// sequence numbers, the resend sentinel included, do not reset the timer.
func (s *sendSession) awaitAck(ctx context.Context, seq uint32) (bool, error) {
	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case m := <-s.in:
			if m.err != nil {
				return false, connectionError(m.err)
			}
			switch m.frame.Kind {
			case protocol.KindAck:
				ack, err := protocol.UnmarshalAck(m.frame.Body)
				if err != nil {
					continue
				}
				if ack.Seq == seq {
					return true, nil
				}
				s.log.WithFields(logrus.Fields{"want": seq, "got": ack.Seq}).Debug("ignoring ack")
			case protocol.KindControl:
				line := string(m.frame.Body)
				if msg, ok := protocol.ParseErr(line); ok {
					return false, &RemoteError{Message: msg}
				}
				return false, fmt.Errorf("%w: unexpected %q while sending", ErrProtocol, line)
			}
		}
	}
}

// awaitControl returns the next control line, skipping stray acks.
func (s *sendSession) awaitControl(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w: %w after %s", ErrConnection, errReplyTimeout, timeout)
		case m := <-s.in:
			if m.err != nil {
				return "", connectionError(m.err)
			}
			if m.frame.Kind == protocol.KindControl {
				return string(m.frame.Body), nil
			}
		}
	}
}

func (s *sendSession) writeControl(line string) error {
	if err := protocol.WriteControl(s.stream, line); err != nil {
		return fmt.Errorf("%w: failed to send %s: %w", ErrConnection, protocol.Verb(line), err)
	}
	return nil
}

func connectionError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: closed by peer", ErrConnection)
	}
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
