package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"geminipool/internal/quota"

	"go.uber.org/zap"
)

// ErrNoAccountAvailable means every account is disabled, expired or cooling
// for the requested resource. Callers back off and retry; the registry never
// blocks waiting for one to free up.
var ErrNoAccountAvailable = errors.New("no account available")

// ErrAccountNotFound means no account with the given id exists.
var ErrAccountNotFound = errors.New("account not found")

// Store persists account mutations. Implementations must tolerate
// best-effort usage; the registry is the source of truth at runtime.
type Store interface {
	UpsertAccount(a Account) error
	DeleteAccount(id string) error
}

// entry wraps one account with its own lock so concurrent outcome
// recordings for different accounts never serialize on each other.
type entry struct {
	mu        sync.Mutex
	acc       Account
	suspended bool // tripped the failure threshold; cleared by refresh/login
}

// Registry owns the account pool: selection, health counters and the
// disable/cooldown lifecycle.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*entry

	tracker          *quota.Tracker
	store            Store
	logger           *zap.Logger
	failureThreshold int
	now              func() time.Time
}

// NewRegistry creates an empty registry. store may be nil (no persistence).
func NewRegistry(tracker *quota.Tracker, store Store, failureThreshold int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Registry{
		accounts:         make(map[string]*entry),
		tracker:          tracker,
		store:            store,
		logger:           logger,
		failureThreshold: failureThreshold,
		now:              time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// clock reads the current time under the registry lock so SetNow is safe
// to call while other goroutines read it.
func (r *Registry) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// Upsert adds a new account or replaces the stored identity/expiry of an
// existing one. Health counters of an existing account are preserved.
func (r *Registry) Upsert(acc Account) {
	r.mu.Lock()
	e, ok := r.accounts[acc.ID]
	if !ok {
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = r.now()
		}
		e = &entry{acc: acc}
		r.accounts[acc.ID] = e
		r.mu.Unlock()
		r.persist(e)
		r.logger.Info("account added", zap.String("account", acc.ID))
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.acc.ExpiresAt = acc.ExpiresAt
	e.acc.Disabled = acc.Disabled
	e.mu.Unlock()
	r.persist(e)
}

// Get returns a point-in-time snapshot of one account.
func (r *Registry) Get(id string) (Account, error) {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return r.snapshot(e), nil
}

// List returns snapshots of every account, ordered by id.
func (r *Registry) List() []Account {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.accounts))
	for _, e := range r.accounts {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Account, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the most promising usable account for a resource type:
// lowest failure count first, then least used (conversation count, then
// last-used time) to spread load. Returns ErrNoAccountAvailable when the
// pool has nothing usable; it never waits.
func (r *Registry) Select(res quota.Resource) (Account, error) {
	return r.SelectExcluding(res, nil)
}

// SelectExcluding is Select with a per-request exclusion set, used by the
// failover path to skip accounts that already failed this logical request.
func (r *Registry) SelectExcluding(res quota.Resource, exclude map[string]bool) (Account, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.accounts))
	for id, e := range r.accounts {
		if !exclude[id] {
			entries = append(entries, e)
		}
	}
	now := r.now()
	r.mu.RUnlock()

	var best *entry
	var bestAcc Account
	for _, e := range entries {
		e.mu.Lock()
		acc := e.acc
		usable := !acc.Disabled && !e.suspended && !acc.Expired(now)
		e.mu.Unlock()
		if !usable || !r.tracker.Check(acc.ID, res).Available {
			continue
		}
		if best == nil || lessLoaded(acc, bestAcc) {
			best, bestAcc = e, acc
		}
	}
	if best == nil {
		return Account{}, ErrNoAccountAvailable
	}

	best.mu.Lock()
	best.acc.LastUsedAt = now
	best.mu.Unlock()
	return r.snapshot(best), nil
}

func lessLoaded(a, b Account) bool {
	if a.FailureCount != b.FailureCount {
		return a.FailureCount < b.FailureCount
	}
	if a.ConversationCount != b.ConversationCount {
		return a.ConversationCount < b.ConversationCount
	}
	return a.LastUsedAt.Before(b.LastUsedAt)
}

// RecordOutcome applies one request outcome to an account. Success resets
// the error counter and counts a conversation; failure bumps both counters
// and trips the failure threshold when crossed.
func (r *Registry) RecordOutcome(id string, res quota.Resource, out Outcome) error {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	now := r.clock()
	var tripped bool
	e.mu.Lock()
	if out.Success {
		e.acc.ErrorCount = 0
		e.acc.ConversationCount++
		e.acc.LastUsedAt = now
	} else {
		e.acc.ErrorCount++
		e.acc.FailureCount++
		e.acc.LastFailureAt = now
		if !e.suspended && e.acc.FailureCount >= r.failureThreshold {
			e.suspended = true
			tripped = true
		}
	}
	e.mu.Unlock()
	r.persist(e)

	if tripped {
		r.logger.Warn("account disabled after repeated failures",
			zap.String("account", id),
			zap.String("resource", string(res)),
			zap.Int("threshold", r.failureThreshold),
			zap.String("reason", out.Reason),
		)
	}
	return nil
}

// SetDisabled flips the manual disable override. Enabling also lifts a
// threshold suspension and resets the error counter.
func (r *Registry) SetDisabled(id string, disabled bool) error {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	e.mu.Lock()
	e.acc.Disabled = disabled
	if !disabled {
		e.suspended = false
		e.acc.ErrorCount = 0
		e.acc.FailureCount = 0
	}
	e.mu.Unlock()
	r.persist(e)

	r.logger.Info("account disabled flag changed",
		zap.String("account", id), zap.Bool("disabled", disabled))
	return nil
}

// Remove drops an account from the pool and clears its quota state.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	delete(r.accounts, id)
	r.mu.Unlock()

	r.tracker.Clear(id)
	if r.store != nil {
		if err := r.store.DeleteAccount(id); err != nil {
			r.logger.Error("account delete failed", zap.String("account", id), zap.Error(err))
		}
	}
	r.logger.Info("account removed", zap.String("account", id))
	return nil
}

// MarkSessionRefreshed records a successful login/registration refresh:
// counters reset, cooldowns clear, a threshold suspension is lifted and the
// new session expiry is recorded.
func (r *Registry) MarkSessionRefreshed(id string, expiresAt time.Time) error {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	e.mu.Lock()
	e.acc.ErrorCount = 0
	e.acc.FailureCount = 0
	e.acc.ExpiresAt = expiresAt
	e.suspended = false
	e.mu.Unlock()
	r.tracker.Clear(id)
	r.persist(e)

	r.logger.Info("account session refreshed",
		zap.String("account", id), zap.Time("expires_at", expiresAt))
	return nil
}

// Refresh re-validates the pool: expired quota entries are dropped and
// accounts whose last failure is older than the refresh window get their
// counters cleared and any threshold suspension lifted.
func (r *Registry) Refresh(window time.Duration) {
	r.tracker.ClearExpired()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.accounts))
	for _, e := range r.accounts {
		entries = append(entries, e)
	}
	now := r.now()
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		stale := !e.acc.LastFailureAt.IsZero() && now.Sub(e.acc.LastFailureAt) >= window
		if stale && (e.acc.ErrorCount > 0 || e.acc.FailureCount > 0 || e.suspended) {
			r.logger.Info("clearing stale failure counters",
				zap.String("account", e.acc.ID),
				zap.Int("failure_count", e.acc.FailureCount))
			e.acc.ErrorCount = 0
			e.acc.FailureCount = 0
			e.suspended = false
			e.mu.Unlock()
			r.persist(e)
			continue
		}
		e.mu.Unlock()
	}
}

// StartAutoRefresh runs Refresh on a timer until ctx is cancelled.
func (r *Registry) StartAutoRefresh(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(window)
			}
		}
	}()
}

// ExpiringAccounts returns ids of enabled accounts whose session expires
// within the window (or already expired), candidates for a login refresh.
func (r *Registry) ExpiringAccounts(window time.Duration) []string {
	now := r.clock()
	var ids []string
	for _, acc := range r.List() {
		if acc.Disabled || acc.ExpiresAt.IsZero() {
			continue
		}
		if acc.ExpiresAt.Sub(now) <= window {
			ids = append(ids, acc.ID)
		}
	}
	return ids
}

// QuotaSnapshot returns the aggregated quota view for one account.
func (r *Registry) QuotaSnapshot(id string) (quota.AccountStatus, error) {
	acc, err := r.Get(id)
	if err != nil {
		return quota.AccountStatus{}, err
	}
	return r.tracker.Snapshot(id, acc.Expired(r.clock())), nil
}

// Stats counts accounts by derived status.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, acc := range r.List() {
		s.Total++
		switch acc.Status {
		case StatusActive:
			s.Active++
		case StatusCooling:
			s.Cooling++
		case StatusDisabled:
			s.Disabled++
		case StatusExpired:
			s.Expired++
		}
	}
	return s
}

// snapshot copies an entry into an Account value with derived fields filled.
func (r *Registry) snapshot(e *entry) Account {
	e.mu.Lock()
	acc := e.acc
	suspended := e.suspended
	e.mu.Unlock()

	acc.CooldownSeconds, acc.CooldownReason = r.tracker.Cooldown(acc.ID)
	switch {
	case acc.Disabled || suspended:
		acc.Status = StatusDisabled
	case acc.Expired(r.clock()):
		acc.Status = StatusExpired
	case acc.CooldownSeconds > 0:
		acc.Status = StatusCooling
	default:
		acc.Status = StatusActive
	}
	return acc
}

func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}
	e.mu.Lock()
	acc := e.acc
	e.mu.Unlock()
	if err := r.store.UpsertAccount(acc); err != nil {
		r.logger.Error("account persist failed",
			zap.String("account", acc.ID), zap.Error(err))
	}
}
