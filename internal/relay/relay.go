package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"geminipool/internal/policy"
	"geminipool/internal/quota"
	"geminipool/internal/registry"
	"geminipool/internal/uptime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// accountHeader carries the selected account id to the upstream.
const accountHeader = "X-Account-ID"

// Relay forwards generation requests to the upstream through the account
// rotator. The body is opaque; only the resource type matters here.
type Relay struct {
	rotator     *policy.Rotator
	upstreamURL string
	client      *http.Client
	meter       *uptime.RateMeter
	logger      *zap.Logger
}

// New wires a relay against the upstream base URL. Every accepted request
// is counted on the meter, regardless of how the rotation ends.
func New(rotator *policy.Rotator, upstreamURL string, timeout time.Duration, meter *uptime.RateMeter, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = uptime.NewRateMeter(0)
	}
	return &Relay{
		rotator:     rotator,
		upstreamURL: upstreamURL,
		client:      &http.Client{Timeout: timeout},
		meter:       meter,
		logger:      logger,
	}
}

// Handle proxies one request. The resource type comes from the "resource"
// query parameter and defaults to text.
func (r *Relay) Handle(c *gin.Context) {
	resParam := c.DefaultQuery("resource", string(quota.ResourceText))
	res, err := quota.ParseResource(resParam)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read request body"})
		return
	}
	r.meter.Record()

	var (
		status      int
		contentType string
		respBody    []byte
	)
	err = r.rotator.Do(c.Request.Context(), res, func(ctx context.Context, acc registry.Account) error {
		st, ct, out, err := r.forward(ctx, res, acc.ID, body)
		if err != nil {
			return err
		}
		status, contentType, respBody = st, ct, out
		return nil
	})
	if err != nil {
		r.fail(c, res, err)
		return
	}

	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(status, contentType, respBody)
}

// forward posts the body upstream on behalf of one account. A 429 becomes
// a RateLimitError so the rotator cools the account down; 5xx is a
// transient failure eligible for retry.
func (r *Relay) forward(ctx context.Context, res quota.Resource, accountID string, body []byte) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.upstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(accountHeader, accountID)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, "", nil, &policy.RateLimitError{
			Resource:   res,
			RetryAfter: retryAfter(resp.Header),
			Reason:     "upstream 429",
		}
	}
	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, "", nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), out, nil
}

func (r *Relay) fail(c *gin.Context, res quota.Resource, err error) {
	var ex *policy.ExhaustedError
	switch {
	case errors.Is(err, registry.ErrNoAccountAvailable):
		c.JSON(503, gin.H{"error": "no account available"})
	case errors.As(err, &ex):
		r.logger.Error("relay exhausted the pool",
			zap.String("resource", string(res)), zap.Int("attempts", len(ex.Attempts)))
		c.JSON(502, gin.H{"error": ex.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		c.JSON(500, gin.H{"error": err.Error()})
	}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
