package progress

import (
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone   int64
	Total       int64
	RateBps     float64
	ETA         time.Duration
	Percent     float64
	StartedAt   time.Time
	Elapsed     time.Duration
	Chunks      int64
	Retransmits int64
}

// RetransmitPct returns retransmissions as a percentage of all chunk sends.
func (s Stats) RetransmitPct() float64 {
	sends := s.Chunks + s.Retransmits
	if sends == 0 {
		return 0
	}
	return float64(s.Retransmits) / float64(sends) * 100
}

// AvgRateBps returns bytes acknowledged in this session divided by elapsed time.
func (s Stats) AvgRateBps(sessionBytes int64) float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(sessionBytes) / s.Elapsed.Seconds()
}

// Meter tracks acknowledged bytes and retransmissions and computes a smoothed rate.
type Meter struct {
	mu          sync.Mutex
	total       int64
	done        int64
	startedAt   time.Time
	lastAt      time.Time
	lastDone    int64
	rateBps     float64
	alpha       float64
	chunks      int64
	retransmits int64
	now         func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a file of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
	m.chunks = 0
	m.retransmits = 0
}

// Add records an acknowledged chunk of n bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.chunks++
	m.done += int64(n)
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Advance counts bytes the receiver already holds (a resume offset)
// without affecting rate.
func (m *Meter) Advance(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.lastDone += n
}

// Retransmit records one retransmitted chunk.
func (m *Meter) Retransmit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retransmits++
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:   m.done,
		Total:       m.total,
		RateBps:     m.rateBps,
		StartedAt:   m.startedAt,
		Chunks:      m.chunks,
		Retransmits: m.retransmits,
	}
	if !m.startedAt.IsZero() {
		stats.Elapsed = m.now().Sub(m.startedAt)
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
