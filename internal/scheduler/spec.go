package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geminipool/internal/automation"
	"geminipool/internal/registry"
)

// Spec describes one task to run. Each variant carries its own parameters
// and knows how to execute a single item; the scheduler owns queuing,
// cancellation and bookkeeping.
type Spec interface {
	Kind() TaskKind
	Total() int
	Validate() error
	// RunItem executes item i and returns a target label for the result
	// row (account id or similar).
	RunItem(ctx context.Context, d Deps, i int) (target string, err error)
}

// Deps are the collaborators task items run against. SessionTries bounds
// how often one login item may hit the driver before the item fails.
type Deps struct {
	Driver       automation.Driver
	Registry     *registry.Registry
	SessionTries int
}

// RegisterSpec creates Count fresh accounts under the given mail domain.
type RegisterSpec struct {
	Count  int    `json:"count"`
	Domain string `json:"domain"`
}

func (s RegisterSpec) Kind() TaskKind { return KindRegister }
func (s RegisterSpec) Total() int     { return s.Count }

func (s RegisterSpec) Validate() error {
	if s.Count < 1 {
		return errors.New("count must be at least 1")
	}
	if s.Domain == "" {
		return errors.New("domain is required")
	}
	return nil
}

func (s RegisterSpec) RunItem(ctx context.Context, d Deps, i int) (string, error) {
	creds, err := d.Driver.PerformRegistration(ctx, s.Domain)
	if err != nil {
		return "", err
	}
	d.Registry.Upsert(registry.Account{ID: creds.AccountID, ExpiresAt: creds.ExpiresAt})
	return creds.AccountID, nil
}

// LoginSpec re-logins the listed accounts to refresh their sessions.
type LoginSpec struct {
	AccountIDs []string `json:"account_ids"`
}

func (s LoginSpec) Kind() TaskKind { return KindLogin }
func (s LoginSpec) Total() int     { return len(s.AccountIDs) }

func (s LoginSpec) Validate() error {
	if len(s.AccountIDs) == 0 {
		return errors.New("account_ids must not be empty")
	}
	return nil
}

func (s LoginSpec) RunItem(ctx context.Context, d Deps, i int) (string, error) {
	id := s.AccountIDs[i]
	acc, err := d.Registry.Get(id)
	if err != nil {
		return id, err
	}
	if acc.Disabled {
		return id, fmt.Errorf("account %s is disabled", id)
	}

	// Each account gets at most SessionTries driver attempts.
	tries := d.SessionTries
	if tries <= 0 {
		tries = 1
	}
	var expiresAt time.Time
	for attempt := 1; ; attempt++ {
		expiresAt, err = d.Driver.PerformLogin(ctx, id)
		if err == nil {
			break
		}
		if attempt >= tries || ctx.Err() != nil {
			return id, fmt.Errorf("login failed after %d tries: %w", attempt, err)
		}
	}
	if err := d.Registry.MarkSessionRefreshed(id, expiresAt); err != nil {
		return id, err
	}
	return id, nil
}
