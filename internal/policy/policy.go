package policy

// Limits are the retry and failover budgets for one logical request. The
// session-establishment budget lives with the scheduler's login items, not
// here.
type Limits struct {
	MaxRequestRetries     int // attempts per account before switching
	MaxAccountSwitchTries int // distinct accounts tried per request
}

// DefaultLimits mirrors the config defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestRetries:     3,
		MaxAccountSwitchTries: 5,
	}
}

// Action is what the rotator should do after a failed attempt.
type Action int

const (
	// ActionRetry tries the same account again.
	ActionRetry Action = iota
	// ActionSwitch moves to a different account.
	ActionSwitch
	// ActionGiveUp stops; budgets are spent.
	ActionGiveUp
)

// Decide picks the next action given how many retries were burned on the
// current account, how many accounts were already tried, and whether the
// last failure was a rate limit. Rate limits never retry on the same
// account; the quota is gone until the cooldown lapses.
func Decide(l Limits, retries, switches int, rateLimited bool) Action {
	if rateLimited || retries >= l.MaxRequestRetries {
		if switches >= l.MaxAccountSwitchTries {
			return ActionGiveUp
		}
		return ActionSwitch
	}
	return ActionRetry
}
