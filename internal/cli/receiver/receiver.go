package receiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sheerbytes/safesend/internal/config"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/resume"
	"github.com/sheerbytes/safesend/internal/scan"
	"github.com/sheerbytes/safesend/internal/termio"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/sheerbytes/safesend/internal/transport"
	"github.com/sirupsen/logrus"
)

// Run parses args and serves transfers until interrupted. It returns the
// process exit code.
func Run(args []string) int {
	if hasHelpFlag(args) {
		printReceiverUsage(termio.Stdout())
		return 0
	}
	cfg, err := config.ParseReceiverConfig(args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "recv: %v\n", err)
		printReceiverUsage(termio.Stderr())
		return 2
	}
	logger := logging.NewWithOutput(termio.Stderr(), "safesend-recv", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, cfg, logger, nil); err != nil {
		logger.WithError(err).Error("receiver stopped")
		fmt.Fprintf(termio.Stderr(), "recv failed: %v\n", err)
		return 1
	}
	return 0
}

// Serve opens the store, scanner and listener described by cfg and runs the
// acceptor until ctx is cancelled. ready, when set, receives the bound
// address once the listener is up.
func Serve(ctx context.Context, cfg config.ReceiverConfig, logger *logrus.Entry, ready func(addr string)) error {
	store, err := resume.Open(resume.Options{
		Dirs:    resume.DirsFromRoot(cfg.DataDir),
		Backend: cfg.StateBackend,
		Fsync:   cfg.Fsync,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	scanner, err := scan.New(cfg.Scanner, cfg.ClamdAddr, cfg.ScanTimeout)
	if err != nil {
		return err
	}

	ln, err := transport.Listen(cfg.Transport, cfg.Addr(), transport.Options{WSPath: cfg.WSPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	defer ln.Close()

	logger.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"transport": cfg.Transport,
		"data_dir":  cfg.DataDir,
		"backend":   cfg.StateBackend,
		"scanner":   cfg.Scanner,
	}).Info("receiver started")
	if ready != nil {
		ready(ln.Addr().String())
	}

	srv := transfer.NewServer(ln, transfer.ServerOptions{
		Store:       store,
		Scanner:     scanner,
		ReadTimeout: cfg.ReadTimeout,
		Logger:      logger,
		OnResult:    func(res transfer.ReceiveResult, err error) { report(termio.Stdout(), res, err) },
	})
	return srv.Serve(ctx)
}

// report prints one line per routed file.
func report(w io.Writer, res transfer.ReceiveResult, err error) {
	if err != nil || res.Outcome == transfer.OutcomeAborted {
		return
	}
	fmt.Fprintf(w, "%s %s (%s) -> %s\n", res.Outcome, res.Name, humanize.IBytes(uint64(res.Size)), res.Path)
}

func printReceiverUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: safesend recv [flags]")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  -host <addr>            listen host (default all interfaces)")
	fmt.Fprintln(w, "  -port <n>               listen port (default 9000)")
	fmt.Fprintln(w, "  -transport <kind>       tcp, quic or ws (default tcp)")
	fmt.Fprintln(w, "  -ws-path <path>         websocket endpoint path (default /safesend)")
	fmt.Fprintln(w, "  -data-dir <path>        storage root for incoming, received and quarantine (default data)")
	fmt.Fprintln(w, "  -state-backend <kind>   file or badger (default file)")
	fmt.Fprintln(w, "  -fsync <bool>           fsync partial data before committing offsets (default true)")
	fmt.Fprintln(w, "  -scanner <kind>         signature, clamd or none (default signature)")
	fmt.Fprintln(w, "  -clamd-addr <addr>      clamd socket, unix:// or tcp://")
	fmt.Fprintln(w, "  -scan-timeout <dur>     per-file scan limit (default 2m)")
	fmt.Fprintln(w, "  -read-timeout <dur>     idle limit per read, 0 disables (default 60s)")
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
