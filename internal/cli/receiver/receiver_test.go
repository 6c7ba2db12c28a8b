package receiver

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sheerbytes/safesend/internal/config"
	"github.com/sheerbytes/safesend/internal/logging"
	"github.com/sheerbytes/safesend/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportLinesOnlyForRoutedFiles(t *testing.T) {
	var buf bytes.Buffer
	report(&buf, transfer.ReceiveResult{Name: "a.bin", Size: 2048, Outcome: transfer.OutcomeDelivered, Path: "data/received/a.bin"}, nil)
	report(&buf, transfer.ReceiveResult{Name: "b.bin", Outcome: transfer.OutcomeAborted}, nil)
	report(&buf, transfer.ReceiveResult{Name: "c.bin"}, errors.New("boom"))
	report(&buf, transfer.ReceiveResult{Name: "d.bin", Size: 68, Outcome: transfer.OutcomeQuarantined, Path: "data/quarantine/d.bin"}, nil)

	assert.Equal(t,
		"delivered a.bin (2.0 KiB) -> data/received/a.bin\n"+
			"quarantined d.bin (68 B) -> data/quarantine/d.bin\n",
		buf.String())
}

func testConfig(t *testing.T) config.ReceiverConfig {
	return config.ReceiverConfig{
		Host:         "127.0.0.1",
		Port:         0,
		Transport:    "tcp",
		WSPath:       config.DefaultWSPath,
		DataDir:      t.TempDir(),
		StateBackend: "badger",
		Scanner:      "none",
		ReadTimeout:  time.Second,
		LogLevel:     "error",
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, testConfig(t), logging.Nop(), func(addr string) { ready <- addr }) }()

	select {
	case addr := <-ready:
		assert.NotEmpty(t, addr)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not start")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestServeRejectsUnknownScanner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scanner = "antivirus-9000"
	err := Serve(context.Background(), cfg, logging.Nop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scanner")
}
