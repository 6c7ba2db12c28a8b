package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/safesend/pkg/protocol"
	"gopkg.in/yaml.v2"
)

const (
	DefaultPort      = 9000
	DefaultChunkSize = 64 * 1024
	DefaultWSPath    = "/safesend"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ReceiverConfig holds configuration for the receiving side.
type ReceiverConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Transport    string        `yaml:"transport"`     // tcp, quic or ws
	WSPath       string        `yaml:"ws_path"`       // HTTP path for the ws transport
	DataDir      string        `yaml:"data_dir"`      // storage root: incoming/, received/, quarantine/
	StateBackend string        `yaml:"state_backend"` // file or badger
	Fsync        bool          `yaml:"fsync"`         // fsync partial data before committing each offset
	Scanner      string        `yaml:"scanner"`       // signature, clamd or none
	ClamdAddr    string        `yaml:"clamd_addr"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"` // per-read idle limit, 0 disables
	LogLevel     string        `yaml:"log_level"`
}

// Addr returns the listen address.
func (c ReceiverConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SenderConfig holds configuration for the sending side.
type SenderConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	File           string        `yaml:"file"`
	Transport      string        `yaml:"transport"`
	WSPath         string        `yaml:"ws_path"`
	ChunkSize      int           `yaml:"chunk_size"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
	DoneTimeout    time.Duration `yaml:"done_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Restarts       int           `yaml:"restarts"`   // whole-transfer restarts after retryable failures
	StatsFile      string        `yaml:"stats_file"` // CSV STATS rows, empty disables
	LogLevel       string        `yaml:"log_level"`
}

// Addr returns the receiver address to dial.
func (c SenderConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseReceiverConfig parses receiver configuration from a YAML file, environment variables and flags.
// Precedence: flags > environment > config file > defaults.
func ParseReceiverConfig(args []string) (ReceiverConfig, error) {
	return parseReceiverConfigWithFlagSet(flag.NewFlagSet("recv", flag.ContinueOnError), args)
}

// parseReceiverConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseReceiverConfigWithFlagSet(fs *flag.FlagSet, args []string) (ReceiverConfig, error) {
	cfg := ReceiverConfig{
		Port:         DefaultPort,
		Transport:    "tcp",
		WSPath:       DefaultWSPath,
		DataDir:      "data",
		StateBackend: "file",
		Fsync:        true,
		Scanner:      "signature",
		ClamdAddr:    "unix:///var/run/clamav/clamd.ctl",
		ScanTimeout:  2 * time.Minute,
		ReadTimeout:  60 * time.Second,
		LogLevel:     "info",
	}

	if path := configPath(args); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	// Environment overrides the file
	envString("SAFESEND_HOST", &cfg.Host)
	if err := envInt("SAFESEND_PORT", &cfg.Port); err != nil {
		return cfg, err
	}
	envString("SAFESEND_TRANSPORT", &cfg.Transport)
	envString("SAFESEND_DATA_DIR", &cfg.DataDir)
	envString("SAFESEND_STATE_BACKEND", &cfg.StateBackend)
	envString("SAFESEND_SCANNER", &cfg.Scanner)
	envString("SAFESEND_CLAMD_ADDR", &cfg.ClamdAddr)
	envString("SAFESEND_LOG_LEVEL", &cfg.LogLevel)

	// Flags override environment
	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host (empty for all interfaces)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "HTTP path for the ws transport")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "storage root for partial, received and quarantined files")
	fs.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "resume index backend (file, badger)")
	fs.BoolVar(&cfg.Fsync, "fsync", cfg.Fsync, "fsync partial data before acknowledging each chunk")
	fs.StringVar(&cfg.Scanner, "scanner", cfg.Scanner, "malware scanner (signature, clamd, none)")
	fs.StringVar(&cfg.ClamdAddr, "clamd-addr", cfg.ClamdAddr, "clamd address (tcp://host:port or unix:///path)")
	fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "malware scan timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "per-read idle timeout (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges and enumerations.
func (c ReceiverConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if err := oneOf("transport", c.Transport, "tcp", "quic", "ws"); err != nil {
		return err
	}
	if err := oneOf("state-backend", c.StateBackend, "file", "badger"); err != nil {
		return err
	}
	if err := oneOf("scanner", c.Scanner, "signature", "clamd", "none"); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data-dir is required", ErrInvalidConfig)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("%w: read-timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ParseSenderConfig parses sender configuration from a YAML file, environment variables and flags.
// Precedence: flags > environment > config file > defaults.
func ParseSenderConfig(args []string) (SenderConfig, error) {
	return parseSenderConfigWithFlagSet(flag.NewFlagSet("send", flag.ContinueOnError), args)
}

// parseSenderConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) (SenderConfig, error) {
	cfg := SenderConfig{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		Transport:      "tcp",
		WSPath:         DefaultWSPath,
		ChunkSize:      DefaultChunkSize,
		AckTimeout:     2 * time.Second,
		ControlTimeout: 5 * time.Second,
		DoneTimeout:    2 * time.Minute,
		MaxRetries:     8,
		LogLevel:       "info",
	}

	if path := configPath(args); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	envString("SAFESEND_HOST", &cfg.Host)
	if err := envInt("SAFESEND_PORT", &cfg.Port); err != nil {
		return cfg, err
	}
	envString("SAFESEND_FILE", &cfg.File)
	envString("SAFESEND_TRANSPORT", &cfg.Transport)
	envString("SAFESEND_STATS_FILE", &cfg.StatsFile)
	envString("SAFESEND_LOG_LEVEL", &cfg.LogLevel)

	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "receiver host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "receiver port")
	fs.StringVar(&cfg.File, "file", cfg.File, "file to send")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "HTTP path for the ws transport")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk payload size in bytes")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "wait for an ack before retransmitting")
	fs.DurationVar(&cfg.ControlTimeout, "control-timeout", cfg.ControlTimeout, "wait for handshake replies")
	fs.DurationVar(&cfg.DoneTimeout, "done-timeout", cfg.DoneTimeout, "wait for the completion reply")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmissions per chunk before giving up")
	fs.IntVar(&cfg.Restarts, "restarts", cfg.Restarts, "restart the whole transfer this many times after retryable failures")
	fs.StringVar(&cfg.StatsFile, "stats-file", cfg.StatsFile, "append STATS rows (CSV) to this file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges and enumerations.
func (c SenderConfig) Validate() error {
	if c.File == "" {
		return fmt.Errorf("%w: file is required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if err := oneOf("transport", c.Transport, "tcp", "quic", "ws"); err != nil {
		return err
	}
	if c.ChunkSize < 1 || c.ChunkSize > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: chunk-size must be in 1..%d", ErrInvalidConfig, protocol.MaxPayloadSize)
	}
	if c.AckTimeout <= 0 || c.ControlTimeout <= 0 || c.DoneTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 || c.Restarts < 0 {
		return fmt.Errorf("%w: max-retries and restarts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// configPath finds -config/--config in args, falling back to SAFESEND_CONFIG.
// It runs before flag parsing so the file can seed flag defaults.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("SAFESEND_CONFIG")
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
	}
	*dst = n
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidConfig, name, strings.Join(allowed, ", "), value)
}
