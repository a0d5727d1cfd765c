package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geminipool/internal/quota"
	"geminipool/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	l := Limits{MaxRequestRetries: 3, MaxAccountSwitchTries: 5}

	cases := []struct {
		name        string
		retries     int
		switches    int
		rateLimited bool
		want        Action
	}{
		{"first failure retries", 1, 1, false, ActionRetry},
		{"under budget retries", 2, 1, false, ActionRetry},
		{"retry budget spent switches", 3, 1, false, ActionSwitch},
		{"rate limit never retries", 1, 1, true, ActionSwitch},
		{"rate limit on last account gives up", 1, 5, true, ActionGiveUp},
		{"retries spent on last account gives up", 3, 5, false, ActionGiveUp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(l, tc.retries, tc.switches, tc.rateLimited))
		})
	}
}

type recorderStub struct {
	mu      sync.Mutex
	samples []bool
}

func (r *recorderStub) Record(service string, success bool) {
	r.mu.Lock()
	r.samples = append(r.samples, success)
	r.mu.Unlock()
}

func newTestRotator(t *testing.T, limits Limits, ids ...string) (*Rotator, *registry.Registry, *quota.Tracker, *recorderStub) {
	t.Helper()
	tracker := quota.NewTracker(quota.Cooldowns{Text: time.Hour, Images: time.Hour, Videos: time.Hour}, nil)
	reg := registry.NewRegistry(tracker, nil, 100, nil)
	// Seed increasing failure counts so selection order matches the id
	// order and the assertions below are deterministic.
	for i, id := range ids {
		reg.Upsert(registry.Account{ID: id})
		for j := 0; j < i; j++ {
			require.NoError(t, reg.RecordOutcome(id, quota.ResourceText, registry.Outcome{Reason: "seed"}))
		}
	}
	rec := &recorderStub{}
	return NewRotator(reg, tracker, limits, rec, nil), reg, tracker, rec
}

func TestDoSucceedsFirstTry(t *testing.T) {
	rot, reg, _, rec := newTestRotator(t, DefaultLimits(), "a")

	calls := 0
	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []bool{true}, rec.samples)

	acc, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.ConversationCount)
}

func TestDoRetriesSameAccountThenSwitches(t *testing.T) {
	rot, _, _, _ := newTestRotator(t, Limits{MaxRequestRetries: 3, MaxAccountSwitchTries: 5}, "a", "b")

	perAccount := map[string]int{}
	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		perAccount[acc.ID]++
		if perAccount["a"] <= 3 && acc.ID == "a" {
			return errors.New("upstream 500")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, perAccount["a"])
	assert.Equal(t, 1, perAccount["b"])
}

func TestDoSwitchesImmediatelyOnRateLimit(t *testing.T) {
	rot, _, tracker, _ := newTestRotator(t, DefaultLimits(), "a", "b")

	perAccount := map[string]int{}
	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		perAccount[acc.ID]++
		if acc.ID == "a" {
			return &RateLimitError{Resource: quota.ResourceText, Reason: "quota exceeded"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, perAccount["a"], "rate limit must not retry the same account")
	assert.Equal(t, 1, perAccount["b"])
	assert.False(t, tracker.Check("a", quota.ResourceText).Available)
}

func TestDoRateLimitHonorsRetryAfter(t *testing.T) {
	rot, _, tracker, _ := newTestRotator(t, DefaultLimits(), "a", "b")

	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		if acc.ID == "a" {
			return &RateLimitError{Resource: quota.ResourceText, RetryAfter: 90 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)

	st := tracker.Check("a", quota.ResourceText)
	assert.False(t, st.Available)
	assert.LessOrEqual(t, st.RemainingSeconds, int64(91))
}

func TestDoExhaustionReturnsAttemptHistory(t *testing.T) {
	rot, _, _, rec := newTestRotator(t, Limits{MaxRequestRetries: 1, MaxAccountSwitchTries: 2}, "a", "b", "c")

	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		return errors.New("boom")
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 2, "one attempt per account within the switch budget")
	assert.Equal(t, []bool{false}, rec.samples)
}

func TestDoEmptyPool(t *testing.T) {
	rot, _, _, _ := newTestRotator(t, DefaultLimits())

	err := rot.Do(context.Background(), quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		t.Fatal("fn must not run without an account")
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrNoAccountAvailable)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	rot, _, _, _ := newTestRotator(t, DefaultLimits(), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rot.Do(ctx, quota.ResourceText, func(ctx context.Context, acc registry.Account) error {
		return errors.New("should not matter")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
