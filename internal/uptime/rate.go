package uptime

import (
	"sync"
	"time"
)

// RateMeter counts requests within a sliding window plus a monotonic
// lifetime total. Timestamps older than the window are pruned on both
// record and read, so the slice stays bounded by the actual request rate.
type RateMeter struct {
	mu     sync.Mutex
	window time.Duration
	stamps []time.Time
	total  int64
	now    func() time.Time
}

// NewRateMeter creates a meter over the given window (one hour when
// window <= 0).
func NewRateMeter(window time.Duration) *RateMeter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateMeter{window: window, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (m *RateMeter) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Record counts one request at the current time.
func (m *RateMeter) Record() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.pruneLocked(now)
	m.stamps = append(m.stamps, now)
	m.total++
}

// WindowCount returns the number of requests inside the sliding window.
func (m *RateMeter) WindowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return len(m.stamps)
}

// Total returns the lifetime request count.
func (m *RateMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *RateMeter) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.stamps) && !m.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.stamps = append(m.stamps[:0], m.stamps[i:]...)
	}
}
