package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"geminipool/internal/quota"
)

// RateLimitError marks an upstream quota rejection. The rotator treats it
// as a signal to cool the account down and switch, never to retry on the
// same account.
type RateLimitError struct {
	Resource   quota.Resource
	RetryAfter time.Duration // zero means use the configured cooldown
	Reason     string
}

func (e *RateLimitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rate limited on %s: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("rate limited on %s", e.Resource)
}

// AsRateLimit unwraps err into a RateLimitError if there is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Attempt records one failed try for the exhaustion report.
type Attempt struct {
	AccountID string
	Err       error
}

// ExhaustedError is returned when every retry and account-switch budget is
// spent without a success. It keeps the per-attempt history so the caller
// can see what the pool went through.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all attempts exhausted after %d tries", len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.AccountID, a.Err)
	}
	return b.String()
}
