package uptime

import (
	"sort"
	"sync"
	"time"
)

// Status is the health verdict for one tracked service.
const (
	StatusUp      = "up"
	StatusWarn    = "warn"
	StatusDown    = "down"
	StatusUnknown = "unknown"
)

const defaultWindow = 100

// Heartbeat is one recorded sample, newest last.
type Heartbeat struct {
	Time    time.Time `json:"time"`
	Success bool      `json:"success"`
}

// Service is the dashboard view of one service's recent availability.
type Service struct {
	Name         string      `json:"name"`
	Status       string      `json:"status"`
	UptimeRatio  float64     `json:"uptime_ratio"`
	SuccessCount int         `json:"success_count"`
	TotalCount   int         `json:"total_count"`
	LastSample   time.Time   `json:"last_sample"`
	Heartbeats   []Heartbeat `json:"heartbeats"`
}

type window struct {
	samples []Heartbeat // ring, oldest at head
	head    int
	size    int
}

// Tracker keeps a bounded window of request outcomes per service and
// derives an up/warn/down verdict from the recent success ratio.
type Tracker struct {
	mu       sync.Mutex
	services map[string]*window
	capacity int
	now      func() time.Time
}

// NewTracker creates a tracker keeping the last capacity samples per
// service (defaultWindow when capacity <= 0).
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = defaultWindow
	}
	return &Tracker{
		services: make(map[string]*window),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record appends one outcome sample for a service, evicting the oldest
// sample once the window is full.
func (t *Tracker) Record(service string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.services[service]
	if !ok {
		w = &window{samples: make([]Heartbeat, t.capacity)}
		t.services[service] = w
	}
	hb := Heartbeat{Time: t.now(), Success: success}
	if w.size < t.capacity {
		w.samples[(w.head+w.size)%t.capacity] = hb
		w.size++
		return
	}
	w.samples[w.head] = hb
	w.head = (w.head + 1) % t.capacity
}

// Summary returns the per-service views, sorted by name. Services with no
// samples yet report StatusUnknown.
func (t *Tracker) Summary() []Service {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Service, 0, len(t.services))
	for name, w := range t.services {
		svc := Service{Name: name, Status: StatusUnknown}
		svc.Heartbeats = make([]Heartbeat, 0, w.size)
		for i := 0; i < w.size; i++ {
			hb := w.samples[(w.head+i)%t.capacity]
			svc.Heartbeats = append(svc.Heartbeats, hb)
			svc.TotalCount++
			if hb.Success {
				svc.SuccessCount++
			}
			svc.LastSample = hb.Time
		}
		if svc.TotalCount > 0 {
			svc.UptimeRatio = float64(svc.SuccessCount) / float64(svc.TotalCount)
			switch {
			case svc.UptimeRatio >= 0.95:
				svc.Status = StatusUp
			case svc.UptimeRatio >= 0.5:
				svc.Status = StatusWarn
			default:
				svc.Status = StatusDown
			}
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
