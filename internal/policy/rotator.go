package policy

import (
	"context"
	"errors"

	"geminipool/internal/quota"
	"geminipool/internal/registry"

	"go.uber.org/zap"
)

// Recorder takes one availability sample per logical request.
type Recorder interface {
	Record(service string, success bool)
}

// PoolService is the service name under which pool outcomes are recorded.
const PoolService = "account_pool"

// Rotator drives one logical upstream request across the pool: pick an
// account, run the attempt, and on failure either retry, cool down and
// switch, or give up per the configured budgets.
type Rotator struct {
	registry *registry.Registry
	tracker  *quota.Tracker
	limits   Limits
	recorder Recorder
	logger   *zap.Logger
}

// NewRotator wires a rotator. recorder may be nil.
func NewRotator(reg *registry.Registry, tracker *quota.Tracker, limits Limits, recorder Recorder, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		registry: reg,
		tracker:  tracker,
		limits:   limits,
		recorder: recorder,
		logger:   logger,
	}
}

// Do runs fn against pool accounts until it succeeds or the budgets run
// out. Each attempt gets a fresh account snapshot; accounts that failed
// this request are excluded from re-selection. Returns nil on success,
// ErrNoAccountAvailable when the pool had nothing to offer at all, or an
// ExhaustedError carrying the attempt history.
func (r *Rotator) Do(ctx context.Context, res quota.Resource, fn func(ctx context.Context, acc registry.Account) error) error {
	var attempts []Attempt
	tried := make(map[string]bool)
	switches := 0

	for {
		acc, err := r.registry.SelectExcluding(res, tried)
		if err != nil {
			if errors.Is(err, registry.ErrNoAccountAvailable) && len(attempts) > 0 {
				r.record(false)
				return &ExhaustedError{Attempts: attempts}
			}
			r.record(false)
			return err
		}
		switches++

		retries := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := fn(ctx, acc)
			if err == nil {
				_ = r.registry.RecordOutcome(acc.ID, res, registry.Outcome{Success: true})
				r.record(true)
				return nil
			}
			attempts = append(attempts, Attempt{AccountID: acc.ID, Err: err})

			rl, rateLimited := AsRateLimit(err)
			if rateLimited {
				if rl.RetryAfter > 0 {
					r.tracker.MarkRateLimitedFor(acc.ID, res, rl.RetryAfter, rl.Reason)
				} else {
					r.tracker.MarkRateLimited(acc.ID, res, rl.Reason)
				}
			} else {
				_ = r.registry.RecordOutcome(acc.ID, res, registry.Outcome{Reason: err.Error()})
			}
			retries++

			switch Decide(r.limits, retries, switches, rateLimited) {
			case ActionRetry:
				r.logger.Debug("retrying on same account",
					zap.String("account", acc.ID), zap.Int("retries", retries), zap.Error(err))
				continue
			case ActionSwitch:
				r.logger.Warn("switching account",
					zap.String("account", acc.ID),
					zap.String("resource", string(res)),
					zap.Bool("rate_limited", rateLimited),
					zap.Error(err))
				tried[acc.ID] = true
			case ActionGiveUp:
				r.logger.Error("request exhausted all accounts",
					zap.String("resource", string(res)),
					zap.Int("attempts", len(attempts)))
				r.record(false)
				return &ExhaustedError{Attempts: attempts}
			}
			break
		}
	}
}

func (r *Rotator) record(success bool) {
	if r.recorder != nil {
		r.recorder.Record(PoolService, success)
	}
}
