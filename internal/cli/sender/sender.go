package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sheerbytes/safesend/internal/config"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/progress"
	"github.com/sheerbytes/safesend/internal/termio"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/sheerbytes/safesend/internal/transport"
	"github.com/sheerbytes/safesend/pkg/protocol"
	"github.com/sirupsen/logrus"
)

const (
	statsInterval  = time.Second
	restartBackoff = time.Second
)

// Run parses args, sends one file and returns the process exit code.
func Run(args []string) int {
	if hasHelpFlag(args) {
		printSenderUsage(termio.Stdout())
		return 0
	}
	cfg, err := config.ParseSenderConfig(args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
		printSenderUsage(termio.Stderr())
		return 2
	}
	logger := logging.NewWithOutput(termio.Stderr(), "safesend-send", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := Transfer(ctx, cfg, logger, termio.Stderr())
	if err != nil {
		logger.WithError(err).Error("transfer failed")
		fmt.Fprintf(termio.Stderr(), "send failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(termio.Stdout(), Summary(res))
	return 0
}

// Transfer sends cfg.File to the configured receiver. Retryable failures
// restart the whole transfer, which resumes from the receiver's offset, up to
// cfg.Restarts times. Progress is drawn on ui when it is non-nil.
func Transfer(ctx context.Context, cfg config.SenderConfig, logger *logrus.Entry, ui io.Writer) (transfer.SendResult, error) {
	dial, err := transport.NewDialer(cfg.Transport, transport.Options{WSPath: cfg.WSPath, Logger: logger})
	if err != nil {
		return transfer.SendResult{}, err
	}

	var statsOut io.Writer
	if cfg.StatsFile != "" {
		f, err := os.OpenFile(cfg.StatsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return transfer.SendResult{}, fmt.Errorf("failed to open stats file: %w", err)
		}
		defer f.Close()
		statsOut = f
	}

	log := logger.WithFields(logrus.Fields{"addr": cfg.Addr(), "transport": cfg.Transport})
	staleRetried := false
	for attempt, restarts := 1, 0; ; attempt++ {
		res, err := attemptOnce(ctx, dial, cfg, log.WithField("attempt", attempt), ui, statsOut)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !transfer.IsRetryable(err) {
			return res, err
		}
		// The receiver already discarded stale state, so one fresh attempt
		// is free of the restart budget.
		if errors.Is(err, transfer.ErrStaleResume) && !staleRetried {
			staleRetried = true
			log.WithError(err).Info("receiver discarded stale partial, starting over")
			continue
		}
		if restarts >= cfg.Restarts {
			return res, err
		}
		restarts++
		log.WithError(err).Warn("transfer interrupted, restarting")
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-time.After(restartBackoff * time.Duration(restarts)):
		}
	}
}

// maxRetries maps the -max-retries flag, where 0 means no retransmission,
// onto transfer.SenderOptions, where 0 selects the default.
func maxRetries(n int) int {
	if n == 0 {
		return transfer.NoRetries
	}
	return n
}

func attemptOnce(ctx context.Context, dial transfer.Dialer, cfg config.SenderConfig, log *logrus.Entry, ui, statsOut io.Writer) (transfer.SendResult, error) {
	meter := progress.NewMeter()
	var stats *progress.StatsLog
	tick := func() {
		if stats == nil {
			return
		}
		if err := stats.Tick(); err != nil {
			log.WithError(err).Warn("failed to write stats row")
		}
	}

	stopUI := func() {}
	opts := transfer.SenderOptions{
		ChunkSize:      cfg.ChunkSize,
		AckTimeout:     cfg.AckTimeout,
		ControlTimeout: cfg.ControlTimeout,
		DoneTimeout:    cfg.DoneTimeout,
		MaxRetries:     maxRetries(cfg.MaxRetries),
		Logger:         log,
		Meter:          meter,
		Hooks: transfer.SenderHooks{
			OnState: func(st transfer.SenderState) {
				log.WithField("state", st.String()).Debug("sender state")
				if st != transfer.SenderSending {
					return
				}
				if statsOut != nil {
					stats = progress.NewStatsLog(statsOut, meter, statsInterval, meter.Snapshot().BytesDone)
					tick()
				}
				if ui != nil {
					stopUI = progress.RenderSender(ctx, ui, cfg.File, meter)
				}
			},
			OnChunk: func(h protocol.ChunkHeader, retransmit bool) {
				if retransmit {
					log.WithFields(logrus.Fields{"seq": h.Seq, "offset": h.Offset}).Debug("retransmitting chunk")
				}
			},
			OnAck: func(uint32) { tick() },
		},
	}

	res, err := transfer.SendFile(ctx, dial, cfg.Addr(), cfg.File, opts)
	stopUI()
	if stats != nil {
		if ferr := stats.Final(); ferr != nil {
			log.WithError(ferr).Warn("failed to write stats row")
		}
	}
	var remote *transfer.RemoteError
	if errors.As(err, &remote) {
		log.WithField("reply", remote.Message).Debug("receiver rejected transfer")
	}
	return res, err
}

// Summary formats a one-line report of a finished transfer.
func Summary(res transfer.SendResult) string {
	line := fmt.Sprintf("sent %s (%s) in %s: %d chunks, %d retransmissions",
		res.Name, humanize.IBytes(uint64(res.Size)), res.Elapsed.Round(time.Millisecond), res.Chunks, res.Retransmits)
	if res.StartOffset > 0 {
		line += fmt.Sprintf(", resumed at %s", humanize.IBytes(uint64(res.StartOffset)))
	}
	return line
}

func printSenderUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: safesend send -file <path> [flags]")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  -host <addr>            receiver host (default 127.0.0.1)")
	fmt.Fprintln(w, "  -port <n>               receiver port (default 9000)")
	fmt.Fprintln(w, "  -file <path>            file to send")
	fmt.Fprintln(w, "  -transport <kind>       tcp, quic or ws (default tcp)")
	fmt.Fprintln(w, "  -ws-path <path>         websocket endpoint path (default /safesend)")
	fmt.Fprintln(w, "  -chunk-size <bytes>     payload bytes per chunk (default 65536)")
	fmt.Fprintln(w, "  -ack-timeout <dur>      wait per chunk before retransmitting (default 2s)")
	fmt.Fprintln(w, "  -control-timeout <dur>  wait for handshake replies (default 5s)")
	fmt.Fprintln(w, "  -done-timeout <dur>     wait for DONE_OK while the receiver scans (default 2m)")
	fmt.Fprintln(w, "  -max-retries <n>        retransmissions per chunk (default 8)")
	fmt.Fprintln(w, "  -restarts <n>           whole-transfer restarts on retryable errors (default 0)")
	fmt.Fprintln(w, "  -stats-file <path>      append STATS rows to this file")
	fmt.Fprintln(w, "  -config <path>          YAML config file (or SAFESEND_CONFIG)")
	fmt.Fprintln(w, "  -log-level <level>      debug, info, warn or error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "-help" {
			return true
		}
	}
	return false
}
