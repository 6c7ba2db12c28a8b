package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/resume"
	"github.com/sheerbytes/safesend/internal/scan"
	"github.com/sirupsen/logrus"
)

// ServerOptions configure every session a Server runs.
type ServerOptions struct {
	Store       *resume.Store
	Scanner     scan.Scanner
	ReadTimeout time.Duration
	Logger      *logrus.Entry
	// OnResult, when set, is called once per finished session.
	OnResult func(ReceiveResult, error)
}

// Server accepts streams and runs one receiver session per stream.
type Server struct {
	ln   Listener
	opts ServerOptions
	wg   sync.WaitGroup
}

// NewServer returns a server for ln.
func NewServer(ln Listener, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Server{ln: ln, opts: opts}
}

// Serve accepts until ctx is cancelled or the listener fails, then waits
// for active sessions. It returns nil after cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.opts.Logger.WithField("addr", s.ln.Addr()).Info("listening")
	defer s.wg.Wait()
	for {
		stream, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(ctx, stream)
	}
}

func (s *Server) handle(ctx context.Context, stream Stream) {
	defer s.wg.Done()
	defer stream.Close()

	id := uuid.NewString()
	fields := logrus.Fields{"session": id}
	if ra, ok := stream.(RemoteAddrer); ok {
		fields["remote"] = ra.RemoteAddr().String()
	}
	log := s.opts.Logger.WithFields(fields)

	var (
		res ReceiveResult
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("session panic: %v", p)
			log.WithField("panic", p).Error("session crashed")
		}
		if s.opts.OnResult != nil {
			s.opts.OnResult(res, err)
		}
	}()

	log.Debug("session accepted")
	res, err = Receive(ctx, stream, ReceiverOptions{
		Store:       s.opts.Store,
		Scanner:     s.opts.Scanner,
		ReadTimeout: s.opts.ReadTimeout,
		Logger:      log,
		Session:     id,
	})

	log = log.WithFields(logrus.Fields{
		"file":    res.Name,
		"outcome": res.Outcome.String(),
		"chunks":  res.Chunks,
	})
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"size": humanize.IBytes(uint64(res.Size)),
			"path": res.Path,
			"scan": res.ScanMessage,
		}).Info("transfer complete")
	case errors.Is(err, ErrConnection) || errors.Is(err, context.Canceled):
		log.WithError(err).Warn("session ended, resume state kept")
	default:
		log.WithError(err).Error("session failed")
	}
}
