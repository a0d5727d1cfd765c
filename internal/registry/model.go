package registry

import "time"

// Status is the derived lifecycle state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusCooling  Status = "cooling"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
)

// Account is one upstream credential/session, the unit of rotation.
// Snapshots returned by the registry are value copies; Status,
// CooldownSeconds and CooldownReason are derived at snapshot time.
type Account struct {
	ID                string    `json:"id"`
	Status            Status    `json:"status"`
	ExpiresAt         time.Time `json:"expires_at"`
	ErrorCount        int       `json:"error_count"`
	FailureCount      int       `json:"failure_count"`
	Disabled          bool      `json:"disabled"`
	CooldownSeconds   int64     `json:"cooldown_seconds"`
	CooldownReason    string    `json:"cooldown_reason,omitempty"`
	ConversationCount int64     `json:"conversation_count"`
	CreatedAt         time.Time `json:"created_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	LastFailureAt     time.Time `json:"-"`
}

// Expired reports whether the account's session expired as of now.
// A zero ExpiresAt means no known expiry.
func (a *Account) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Outcome describes the result of one request attempt against an account.
type Outcome struct {
	Success     bool
	RateLimited bool
	Reason      string
}

// Stats summarizes the pool for the dashboard.
type Stats struct {
	Total    int `json:"total_accounts"`
	Active   int `json:"active_accounts"`
	Cooling  int `json:"rate_limited_accounts"`
	Disabled int `json:"failed_accounts"`
	Expired  int `json:"expired_accounts"`
}
