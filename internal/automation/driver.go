package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Credentials is the result of a successful account registration.
type Credentials struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Driver performs the browser-automation steps against the upstream
// service: registering fresh accounts and refreshing sessions of existing
// ones. Calls are slow (minutes) and must honor ctx.
type Driver interface {
	PerformRegistration(ctx context.Context, domain string) (*Credentials, error)
	PerformLogin(ctx context.Context, accountID string) (time.Time, error)
}

// HTTPDriver talks to the automation sidecar over plain JSON endpoints.
type HTTPDriver struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPDriver wires a driver against the sidecar at baseURL.
func NewHTTPDriver(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDriver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// PerformRegistration asks the sidecar to register one account under the
// given mail domain and returns the resulting credentials.
func (d *HTTPDriver) PerformRegistration(ctx context.Context, domain string) (*Credentials, error) {
	var creds Credentials
	if err := d.post(ctx, "/register", map[string]string{"domain": domain}, &creds); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	if creds.AccountID == "" {
		return nil, fmt.Errorf("registration returned no account id")
	}
	d.logger.Info("account registered",
		zap.String("account", creds.AccountID), zap.String("domain", domain))
	return &creds, nil
}

// PerformLogin asks the sidecar to re-login an existing account and
// returns the new session expiry.
func (d *HTTPDriver) PerformLogin(ctx context.Context, accountID string) (time.Time, error) {
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := d.post(ctx, "/login", map[string]string{"account_id": accountID}, &resp); err != nil {
		return time.Time{}, fmt.Errorf("login failed for %s: %w", accountID, err)
	}
	d.logger.Info("account session renewed",
		zap.String("account", accountID), zap.Time("expires_at", resp.ExpiresAt))
	return resp.ExpiresAt, nil
}

func (d *HTTPDriver) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
