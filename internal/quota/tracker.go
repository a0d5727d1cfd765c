package quota

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type limitEntry struct {
	limitedAt time.Time
	resetAt   time.Time
	reason    string
}

// Tracker tracks per-account, per-resource rate-limit cooldowns. A resource
// silently becomes available once its cooldown elapses; callers re-check
// instead of being notified.
type Tracker struct {
	mu        sync.RWMutex
	limits    map[string]map[Resource]*limitEntry
	cooldowns Cooldowns
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a tracker with the configured per-resource cooldowns.
func NewTracker(cooldowns Cooldowns, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		limits:    make(map[string]map[Resource]*limitEntry),
		cooldowns: cooldowns,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Check reports availability of one resource on one account.
func (t *Tracker) Check(accountID string, r Resource) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked(accountID, r)
}

func (t *Tracker) statusLocked(accountID string, r Resource) Status {
	entry, ok := t.limits[accountID][r]
	if !ok {
		return Status{Available: true}
	}
	remaining := entry.resetAt.Sub(t.now())
	if remaining <= 0 {
		return Status{Available: true}
	}
	return Status{Available: false, RemainingSeconds: int64(remaining.Seconds()) + 1}
}

// MarkRateLimited puts a resource into cooldown using the configured
// duration for its resource type.
func (t *Tracker) MarkRateLimited(accountID string, r Resource, reason string) {
	t.MarkRateLimitedFor(accountID, r, t.cooldowns.For(r), reason)
}

// MarkRateLimitedFor puts a resource into cooldown for an explicit duration.
func (t *Tracker) MarkRateLimitedFor(accountID string, r Resource, d time.Duration, reason string) {
	t.mu.Lock()
	now := t.now()
	byResource, ok := t.limits[accountID]
	if !ok {
		byResource = make(map[Resource]*limitEntry)
		t.limits[accountID] = byResource
	}
	byResource[r] = &limitEntry{limitedAt: now, resetAt: now.Add(d), reason: reason}
	t.mu.Unlock()

	t.logger.Warn("resource rate limited",
		zap.String("account", accountID),
		zap.String("resource", string(r)),
		zap.Duration("cooldown", d),
		zap.String("reason", reason),
	)
}

// Clear removes all cooldowns for an account (successful use or manual
// clear).
func (t *Tracker) Clear(accountID string) {
	t.mu.Lock()
	delete(t.limits, accountID)
	t.mu.Unlock()
}

// ClearExpired drops entries whose cooldown already elapsed.
func (t *Tracker) ClearExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, byResource := range t.limits {
		for r, entry := range byResource {
			if now.After(entry.resetAt) {
				delete(byResource, r)
			}
		}
		if len(byResource) == 0 {
			delete(t.limits, id)
		}
	}
}

// Cooldown returns the longest pending cooldown for an account and its
// reason, or zero when nothing is cooling.
func (t *Tracker) Cooldown(accountID string) (int64, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var maxRemaining int64
	var reason string
	now := t.now()
	for _, entry := range t.limits[accountID] {
		remaining := int64(entry.resetAt.Sub(now).Seconds())
		if remaining > maxRemaining {
			maxRemaining = remaining
			reason = entry.reason
		}
	}
	return maxRemaining, reason
}

// Snapshot aggregates the per-resource statuses for one account.
func (t *Tracker) Snapshot(accountID string, isExpired bool) AccountStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := AccountStatus{
		Quotas:     make(map[Resource]Status, len(Resources)),
		TotalCount: len(Resources),
		IsExpired:  isExpired,
	}
	for _, r := range Resources {
		st := t.statusLocked(accountID, r)
		out.Quotas[r] = st
		if !st.Available {
			out.LimitedCount++
		}
	}
	return out
}
