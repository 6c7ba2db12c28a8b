package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// IsTTY reports whether w is, or wraps, a character device.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	}
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderSender redraws a one-line progress view for name until ctx is done
// or the returned stop function is called. On a terminal the line is redrawn
// in place every 250ms; otherwise a line is printed every 5s.
func RenderSender(ctx context.Context, w io.Writer, name string, m *Meter) func() {
	isTTY := IsTTY(w)
	interval := 5 * time.Second
	if isTTY {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		line := FormatLine(name, m.Snapshot())
		if isTTY {
			fmt.Fprintf(w, "\r\033[K%s", line)
		} else {
			fmt.Fprintln(w, line)
		}
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprintln(w)
			}
		})
	}
}

// FormatLine renders one progress line.
func FormatLine(name string, s Stats) string {
	return fmt.Sprintf("%s %s %5.1f%% %s/%s %s/s ETA %s retx %d",
		name,
		renderBar(s.Percent, 24),
		s.Percent,
		humanize.IBytes(uint64(s.BytesDone)),
		humanize.IBytes(uint64(s.Total)),
		humanize.IBytes(uint64(s.RateBps)),
		formatETA(s.ETA),
		s.Retransmits,
	)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
