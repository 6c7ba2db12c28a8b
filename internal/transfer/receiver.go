package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sheerbytes/safesend/internal/integrity"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/resume"
	"github.com/sheerbytes/safesend/internal/scan"
	"github.com/sheerbytes/safesend/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultReadTimeout bounds every receiver read.
const DefaultReadTimeout = 60 * time.Second

// drainTimeout bounds how long an aborted session waits for the peer to
// hang up after an ERR reply.
const drainTimeout = 2 * time.Second

// ReceiverState is the receiver's position in the protocol.
type ReceiverState int

const (
	ReceiverAccepted ReceiverState = iota
	ReceiverHandshakeCheck
	ReceiverResumeLookup
	ReceiverMetaCheck
	ReceiverReady
	ReceiverReceiving
	ReceiverFinalizing
	ReceiverDelivered
	ReceiverQuarantined
	ReceiverAborted
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverAccepted:
		return "ACCEPTED"
	case ReceiverHandshakeCheck:
		return "HANDSHAKE_CHECK"
	case ReceiverResumeLookup:
		return "RESUME_LOOKUP"
	case ReceiverMetaCheck:
		return "META_CHECK"
	case ReceiverReady:
		return "READY"
	case ReceiverReceiving:
		return "RECEIVING"
	case ReceiverFinalizing:
		return "FINALIZING"
	case ReceiverDelivered:
		return "DELIVERED"
	case ReceiverQuarantined:
		return "QUARANTINED"
	case ReceiverAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("ReceiverState(%d)", int(s))
	}
}

// Outcome is how a receiver session ended.
type Outcome int

const (
	OutcomeAborted Outcome = iota
	OutcomeDelivered
	OutcomeQuarantined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeQuarantined:
		return "quarantined"
	default:
		return "aborted"
	}
}

// ReceiverHooks observe a session. All fields are optional.
type ReceiverHooks struct {
	OnState func(ReceiverState)
	// OnAck is called after chunk seq is durably written and acknowledged.
	OnAck func(seq uint32)
	// OnReject is called for every chunk that fails its checksum.
	OnReject func(h protocol.ChunkHeader)
}

// ReceiverOptions configure one session.
type ReceiverOptions struct {
	Store   *resume.Store
	Scanner scan.Scanner
	// ReadTimeout bounds each read; zero selects DefaultReadTimeout and a
	// negative value disables deadlines.
	ReadTimeout time.Duration
	Logger      *logrus.Entry
	Session     string
	Hooks       ReceiverHooks
}

// ReceiveResult describes a finished session.
type ReceiveResult struct {
	Session     string
	Name        string
	Size        int64
	Digest      string
	Outcome     Outcome
	Path        string // final location when delivered or quarantined
	ScanMessage string
	StartOffset int64
	Chunks      int // chunks written and acknowledged
	Rejected    int // chunks dropped for checksum mismatch
}

// Receive runs the receiver protocol for one connection. The caller closes
// the stream. Cancelling ctx closes the stream; resume state stays durable.
func Receive(ctx context.Context, stream Stream, opts ReceiverOptions) (ReceiveResult, error) {
	if opts.Store == nil {
		return ReceiveResult{}, errors.New("receiver requires a store")
	}
	if opts.Scanner == nil {
		opts.Scanner = scan.Nop{}
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	r := &recvSession{
		stream: stream,
		fr:     protocol.NewFrameReader(stream),
		opts:   opts,
		log:    opts.Logger,
		result: ReceiveResult{Session: opts.Session},
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	defer func() {
		if r.partial != nil {
			if err := r.partial.Release(); err != nil {
				r.log.WithError(err).Warn("failed to release partial")
			}
		}
	}()

	r.setState(ReceiverAccepted)
	err := r.run(ctx)
	if err != nil {
		r.setState(ReceiverAborted)
		r.result.Outcome = OutcomeAborted
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		} else if r.sentErr {
			r.drain()
		}
	}
	return r.result, err
}

type recvSession struct {
	stream  Stream
	fr      *protocol.FrameReader
	opts    ReceiverOptions
	log     *logrus.Entry
	partial *resume.Partial
	meta    protocol.Meta
	result  ReceiveResult
	lastAck uint32
	hasAck  bool
	sentErr bool
}

func (r *recvSession) setState(st ReceiverState) {
	if r.opts.Hooks.OnState != nil {
		r.opts.Hooks.OnState(st)
	}
}

func (r *recvSession) run(ctx context.Context) error {
	if err := r.handshake(); err != nil {
		return err
	}
	if err := r.resumeLookup(); err != nil {
		return err
	}
	if err := r.metaCheck(); err != nil {
		return err
	}
	r.setState(ReceiverReceiving)
	if err := r.receiveChunks(); err != nil {
		return err
	}
	return r.finalize(ctx)
}

func (r *recvSession) handshake() error {
	r.setState(ReceiverHandshakeCheck)
	line, err := r.readControl()
	if err != nil {
		return err
	}
	version, err := protocol.ParseHello(line)
	if err != nil {
		r.replyErr(errMsgBadHello)
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if version != protocol.Version {
		r.replyErr(fmt.Sprintf("%s server=%d", errMsgVersionMismatch, protocol.Version))
		return fmt.Errorf("%w: client=%d server=%d", ErrVersionMismatch, version, protocol.Version)
	}
	return nil
}

func (r *recvSession) resumeLookup() error {
	r.setState(ReceiverResumeLookup)
	line, err := r.readControl()
	if err != nil {
		return err
	}
	name, err := protocol.ParseResumeQuery(line)
	if err != nil {
		r.replyErr(errMsgExpectedResume)
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := resume.ValidateName(name); err != nil {
		r.replyErr(errMsgInvalidName)
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	r.result.Name = name
	r.log = r.log.WithField("file", name)

	partial, err := r.opts.Store.Begin(name)
	if errors.Is(err, resume.ErrBusy) {
		r.replyErr(errMsgBusy)
		return err
	}
	if err != nil {
		r.replyErr(errMsgInternal)
		return fmt.Errorf("failed to open resume state: %w", err)
	}
	r.partial = partial
	r.result.StartOffset = partial.Offset()

	r.log.WithField("offset", partial.Offset()).Debug("resume lookup")
	return r.reply(protocol.Resume(partial.Offset()))
}

func (r *recvSession) metaCheck() error {
	r.setState(ReceiverMetaCheck)
	line, err := r.readControl()
	if err != nil {
		return err
	}
	meta, err := protocol.ParseMeta(line)
	if err == nil && !integrity.ValidDigest(meta.Digest) {
		err = fmt.Errorf("%w: bad digest %q", protocol.ErrMalformedControl, meta.Digest)
	}
	if err != nil {
		r.replyErr(errMsgExpectedMeta)
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if meta.Name != r.result.Name {
		r.replyErr(errMsgNameMismatch)
		return fmt.Errorf("%w: META names %q, RESUME? named %q", ErrProtocol, meta.Name, r.result.Name)
	}
	r.meta = meta
	r.result.Size = meta.Size
	r.result.Digest = meta.Digest

	declared := resume.Meta{Size: meta.Size, Digest: meta.Digest}
	if offset := r.partial.Offset(); offset > 0 {
		stored, ok, err := r.partial.StoredMeta()
		if err != nil {
			r.replyErr(errMsgInternal)
			return err
		}
		if (ok && stored != declared) || offset > meta.Size {
			r.log.WithField("offset", offset).Warn("partial belongs to a different version, discarding")
			if err := r.partial.Reset(); err != nil {
				r.replyErr(errMsgInternal)
				return err
			}
			r.replyErr(errMsgStaleResume)
			return fmt.Errorf("%w: %s", ErrStaleResume, meta.Name)
		}
	}
	if err := r.partial.SaveMeta(declared); err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	r.setState(ReceiverReady)
	return r.reply(protocol.VerbReady)
}

// receiveChunks runs until DONE. Chunk frames that do not decode are
// skipped; checksum failures re-ack the last good chunk.
func (r *recvSession) receiveChunks() error {
	for {
		f, err := r.next()
		if err != nil {
			return err
		}
		switch f.Kind {
		case protocol.KindControl:
			line := string(f.Body)
			if line == protocol.VerbDone {
				return nil
			}
			r.replyErr(errMsgUnexpected + " " + protocol.Verb(line))
			return fmt.Errorf("%w: unexpected %q while receiving", ErrProtocol, line)
		case protocol.KindChunk:
			if err := r.handleChunk(f.Body); err != nil {
				return err
			}
		default:
			// Acks and unknown kinds carry nothing for the receiver.
		}
	}
}

func (r *recvSession) handleChunk(body []byte) error {
	h, payload, err := protocol.DecodeChunk(body)
	if err != nil {
		r.log.WithError(err).Debug("discarding undecodable chunk")
		return nil
	}
	log := r.log.WithFields(logrus.Fields{"seq": h.Seq, "offset": h.Offset, "length": h.Length})

	if integrity.Checksum(payload) != h.Checksum {
		r.result.Rejected++
		if r.opts.Hooks.OnReject != nil {
			r.opts.Hooks.OnReject(h)
		}
		seq := protocol.ResendSeq
		if r.hasAck {
			seq = r.lastAck
		}
		log.WithField("reack", seq).Warn("checksum mismatch")
		return r.ack(seq)
	}

	committed := r.partial.Offset()
	if h.End() > uint64(r.meta.Size) || h.Offset > uint64(committed) {
		r.replyErr(errMsgOutOfRange)
		return fmt.Errorf("%w: chunk %d covers [%d,%d), committed %d, size %d",
			ErrProtocol, h.Seq, h.Offset, h.End(), committed, r.meta.Size)
	}
	if err := r.partial.WriteAt(payload, int64(h.Offset)); err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	// A late duplicate never moves the committed offset backwards.
	if end := int64(h.End()); end > committed {
		if err := r.partial.Commit(end); err != nil {
			r.replyErr(errMsgInternal)
			return err
		}
	}
	r.lastAck, r.hasAck = h.Seq, true
	r.result.Chunks++
	if err := r.ack(h.Seq); err != nil {
		return err
	}
	if r.opts.Hooks.OnAck != nil {
		r.opts.Hooks.OnAck(h.Seq)
	}
	return nil
}

func (r *recvSession) finalize(ctx context.Context) error {
	r.setState(ReceiverFinalizing)
	if err := r.partial.Sync(); err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	size, err := r.partial.Size()
	if err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	if size != r.meta.Size {
		r.replyErr(errMsgSizeMismatch)
		return fmt.Errorf("%w: have %d bytes, declared %d", ErrIntegrity, size, r.meta.Size)
	}
	digest, err := integrity.DigestReader(io.NewSectionReader(r.partial.ReaderAt(), 0, size))
	if err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	if digest != r.meta.Digest {
		if err := r.partial.Reset(); err != nil {
			r.log.WithError(err).Error("failed to reset after digest mismatch")
		}
		r.replyErr(errMsgDigestMismatch)
		return fmt.Errorf("%w: digest %s, declared %s", ErrIntegrity, digest, r.meta.Digest)
	}

	verdict, err := r.opts.Scanner.Scan(ctx, r.partial.Path())
	if err != nil {
		r.replyErr(errMsgScanFailed)
		return fmt.Errorf("%w: %w", ErrScan, err)
	}
	r.result.ScanMessage = verdict.Message

	dirs := r.opts.Store.Dirs()
	dest, outcome, state := dirs.Received, OutcomeDelivered, ReceiverDelivered
	if verdict.Infected {
		dest, outcome, state = dirs.Quarantine, OutcomeQuarantined, ReceiverQuarantined
	}
	path, err := r.partial.MoveTo(dest)
	if err != nil {
		r.replyErr(errMsgInternal)
		return err
	}
	r.result.Path = path
	r.result.Outcome = outcome
	r.setState(state)
	if verdict.Infected {
		r.log.WithField("signature", verdict.Message).Warn("infected file quarantined")
	}
	return r.reply(protocol.VerbDoneOK)
}

// next reads one frame under the read deadline.
func (r *recvSession) next() (protocol.Frame, error) {
	if r.opts.ReadTimeout > 0 {
		if err := r.stream.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout)); err != nil {
			return protocol.Frame{}, fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}
	f, err := r.fr.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			return protocol.Frame{}, fmt.Errorf("%w: idle for %s", ErrConnection, r.opts.ReadTimeout)
		}
		return protocol.Frame{}, connectionError(err)
	}
	return f, nil
}

// readControl returns the next control line. A chunk frame where a control
// line belongs reads as an empty line, which fails the caller's parse.
func (r *recvSession) readControl() (string, error) {
	for {
		f, err := r.next()
		if err != nil {
			return "", err
		}
		switch f.Kind {
		case protocol.KindControl:
			return string(f.Body), nil
		case protocol.KindChunk:
			return "", nil
		}
	}
}

func (r *recvSession) reply(line string) error {
	if err := protocol.WriteControl(r.stream, line); err != nil {
		return fmt.Errorf("%w: failed to send %s: %w", ErrConnection, protocol.Verb(line), err)
	}
	return nil
}

func (r *recvSession) replyErr(msg string) {
	if err := r.reply(protocol.ErrLine(msg)); err != nil {
		r.log.WithError(err).Debug("failed to send ERR")
		return
	}
	r.sentErr = true
}

// drain discards input until the peer closes, so closing with unread data
// does not reset the connection before the ERR reply is read.
func (r *recvSession) drain() {
	if err := r.stream.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, r.stream)
}

func (r *recvSession) ack(seq uint32) error {
	if err := protocol.WriteAck(r.stream, seq); err != nil {
		return fmt.Errorf("%w: failed to ack %d: %w", ErrConnection, seq, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
