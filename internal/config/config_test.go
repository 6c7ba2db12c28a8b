package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SAFESEND_CONFIG", "SAFESEND_HOST", "SAFESEND_PORT", "SAFESEND_TRANSPORT",
		"SAFESEND_DATA_DIR", "SAFESEND_STATE_BACKEND", "SAFESEND_SCANNER",
		"SAFESEND_CLAMD_ADDR", "SAFESEND_LOG_LEVEL", "SAFESEND_FILE", "SAFESEND_STATS_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestParseReceiverConfig_Defaults(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "file", cfg.StateBackend)
	assert.True(t, cfg.Fsync)
	assert.Equal(t, "signature", cfg.Scanner)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseReceiverConfig_Flags(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{
		"-host", "127.0.0.1", "-port", "9100", "-transport", "quic",
		"-data-dir", "/srv/safesend", "-state-backend", "badger",
		"-fsync=false", "-scanner", "none", "-read-timeout", "5s",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, "quic", cfg.Transport)
	assert.Equal(t, "/srv/safesend", cfg.DataDir)
	assert.Equal(t, "badger", cfg.StateBackend)
	assert.False(t, cfg.Fsync)
	assert.Equal(t, "none", cfg.Scanner)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
}

func TestParseReceiverConfig_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAFESEND_PORT", "9200")
	t.Setenv("SAFESEND_DATA_DIR", "/var/lib/safesend")
	t.Setenv("SAFESEND_LOG_LEVEL", "warn")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{})
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "/var/lib/safesend", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParseReceiverConfig_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAFESEND_PORT", "9200")
	t.Setenv("SAFESEND_LOG_LEVEL", "warn")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{"-port", "9300", "-log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseReceiverConfig_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "recv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9400\ndata_dir: /tmp/ss\nscanner: clamd\nclamd_addr: tcp://127.0.0.1:3310\nread_timeout: 30s\n",
	), 0o644))
	t.Setenv("SAFESEND_DATA_DIR", "/env/ss")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{"-config", path, "-port", "9500"})
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Port, "flag beats file")
	assert.Equal(t, "/env/ss", cfg.DataDir, "env beats file")
	assert.Equal(t, "clamd", cfg.Scanner)
	assert.Equal(t, "tcp://127.0.0.1:3310", cfg.ClamdAddr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestParseReceiverConfig_FileFromEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "recv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_backend: badger\n"), 0o644))
	t.Setenv("SAFESEND_CONFIG", path)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseReceiverConfigWithFlagSet(fs, []string{})
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.StateBackend)
}

func TestParseReceiverConfig_UnknownFileKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "recv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("colour: blue\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseReceiverConfigWithFlagSet(fs, []string{"--config=" + path})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseReceiverConfig_Invalid(t *testing.T) {
	cases := map[string][]string{
		"transport": {"-transport", "udp"},
		"backend":   {"-state-backend", "sqlite"},
		"scanner":   {"-scanner", "magic"},
		"port":      {"-port", "70000"},
		"data dir":  {"-data-dir", ""},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			_, err := parseReceiverConfigWithFlagSet(fs, args)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseReceiverConfig_BadEnvPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAFESEND_PORT", "ninety")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseReceiverConfigWithFlagSet(fs, []string{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseSenderConfig_Defaults(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSenderConfigWithFlagSet(fs, []string{"-file", "report.pdf"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "report.pdf", cfg.File)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, 5*time.Second, cfg.ControlTimeout)
	assert.Equal(t, 2*time.Minute, cfg.DoneTimeout)
	assert.Equal(t, 8, cfg.MaxRetries)
	assert.Equal(t, 0, cfg.Restarts)
	assert.Empty(t, cfg.StatsFile)
}

func TestParseSenderConfig_RequiresFile(t *testing.T) {
	clearEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseSenderConfigWithFlagSet(fs, []string{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseSenderConfig_EnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAFESEND_FILE", "env.bin")
	t.Setenv("SAFESEND_HOST", "10.0.0.5")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseSenderConfigWithFlagSet(fs, []string{
		"-chunk-size", "4096", "-ack-timeout", "250ms", "-max-retries", "3",
		"-restarts", "2", "-stats-file", "stats.log", "-transport", "ws",
	})
	require.NoError(t, err)

	assert.Equal(t, "env.bin", cfg.File)
	assert.Equal(t, "10.0.0.5:9000", cfg.Addr())
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.Restarts)
	assert.Equal(t, "stats.log", cfg.StatsFile)
	assert.Equal(t, "ws", cfg.Transport)
}

func TestParseSenderConfig_Invalid(t *testing.T) {
	cases := map[string][]string{
		"chunk size zero":  {"-file", "f", "-chunk-size", "0"},
		"chunk size huge":  {"-file", "f", "-chunk-size", "999999999"},
		"negative retries": {"-file", "f", "-max-retries", "-1"},
		"zero ack timeout": {"-file", "f", "-ack-timeout", "0s"},
		"port zero":        {"-file", "f", "-port", "0"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			_, err := parseSenderConfigWithFlagSet(fs, args)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
