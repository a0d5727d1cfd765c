package logbuf

import (
	"strings"
	"sync"
	"time"
)

// Entry is one operational log line as exposed to the admin surface.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Filter selects entries out of the buffer. Zero values mean "no filter".
type Filter struct {
	Level       string
	Search      string
	Start       time.Time
	End         time.Time
	Limit       int
	NewestFirst bool
}

// Stats describes the live buffer contents.
type Stats struct {
	Total        int            `json:"total"`
	ByLevel      map[string]int `json:"by_level"`
	Capacity     int            `json:"capacity"`
	ErrorCount   int            `json:"error_count"`
	RecentErrors []Entry        `json:"recent_errors"`
}

const recentErrorsLimit = 10

// Buffer is a fixed-capacity ring of log entries. Appends never block and
// never fail; once full, the oldest entry is evicted. Level counts are
// maintained incrementally so Stats always matches the live contents.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of oldest entry
	size    int
	byLevel map[string]int
}

// New creates a buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		byLevel: make(map[string]int),
	}
}

// Append adds an entry, evicting the oldest one if the buffer is full.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.entries) {
		evicted := b.entries[b.head]
		b.byLevel[evicted.Level]--
		if b.byLevel[evicted.Level] == 0 {
			delete(b.byLevel, evicted.Level)
		}
		b.entries[b.head] = e
		b.head = (b.head + 1) % len(b.entries)
	} else {
		b.entries[(b.head+b.size)%len(b.entries)] = e
		b.size++
	}
	b.byLevel[e.Level]++
}

// Len returns the number of entries currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the fixed capacity.
func (b *Buffer) Capacity() int {
	return len(b.entries)
}

// Clear drops all entries and returns how many were removed.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.size
	b.head = 0
	b.size = 0
	b.byLevel = make(map[string]int)
	return n
}

// Query returns entries matching f, oldest-first unless f.NewestFirst.
// When a limit applies it keeps the newest matches, mirroring a log tail.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	level := strings.ToUpper(f.Level)
	search := strings.ToLower(f.Search)

	matched := make([]Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if level != "" && e.Level != level {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}
		if !f.Start.IsZero() && e.Time.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Time.After(f.End) {
			continue
		}
		matched = append(matched, e)
	}

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	if f.NewestFirst {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	return matched
}

// Stats computes statistics over the live buffer contents.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byLevel := make(map[string]int, len(b.byLevel))
	for k, v := range b.byLevel {
		byLevel[k] = v
	}

	errCount := b.byLevel["ERROR"] + b.byLevel["CRITICAL"]
	recent := make([]Entry, 0, recentErrorsLimit)
	for i := b.size - 1; i >= 0 && len(recent) < recentErrorsLimit; i-- {
		e := b.entries[(b.head+i)%len(b.entries)]
		if e.Level == "ERROR" || e.Level == "CRITICAL" {
			recent = append(recent, e)
		}
	}
	// restore insertion order
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	return Stats{
		Total:        b.size,
		ByLevel:      byLevel,
		Capacity:     len(b.entries),
		ErrorCount:   errCount,
		RecentErrors: recent,
	}
}

func (b *Buffer) snapshotLocked() []Entry {
	out := make([]Entry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}
