package progress

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"time"
)

// StatsLog appends "STATS,<elapsed_s>,<throughput_Bps>,<retransmission_pct>"
// rows sampled from a Meter, at most once per interval.
type StatsLog struct {
	mu       sync.Mutex
	w        *csv.Writer
	meter    *Meter
	interval time.Duration
	last     time.Time
	base     int64
}

// NewStatsLog writes rows for m to w. Throughput is averaged over the bytes
// acknowledged after resumeOffset.
func NewStatsLog(w io.Writer, m *Meter, interval time.Duration, resumeOffset int64) *StatsLog {
	return &StatsLog{w: csv.NewWriter(w), meter: m, interval: interval, base: resumeOffset}
}

// Tick writes a row if interval has passed since the previous one.
func (l *StatsLog) Tick() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.meter.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return nil
	}
	l.last = now
	return l.write()
}

// Final writes a closing row unconditionally.
func (l *StatsLog) Final() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write()
}

func (l *StatsLog) write() error {
	s := l.meter.Snapshot()
	row := []string{
		"STATS",
		strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64),
		strconv.FormatFloat(s.AvgRateBps(s.BytesDone-l.base), 'f', 1, 64),
		strconv.FormatFloat(s.RetransmitPct(), 'f', 2, 64),
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}
