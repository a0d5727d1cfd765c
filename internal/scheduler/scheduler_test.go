package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geminipool/internal/automation"
	"geminipool/internal/quota"
	"geminipool/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExpiry = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

// scriptedDriver fails the registration calls and login accounts it is
// told to and succeeds otherwise.
type scriptedDriver struct {
	mu            sync.Mutex
	registerCalls int
	failRegister  map[int]error // keyed by call number, starting at 1
	failLogin     map[string]error
}

func (d *scriptedDriver) PerformRegistration(ctx context.Context, domain string) (*automation.Credentials, error) {
	d.mu.Lock()
	d.registerCalls++
	n := d.registerCalls
	err := d.failRegister[n]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &automation.Credentials{
		AccountID: domain + "-" + string(rune('a'+n-1)),
		ExpiresAt: testExpiry,
	}, nil
}

func (d *scriptedDriver) PerformLogin(ctx context.Context, accountID string) (time.Time, error) {
	d.mu.Lock()
	err := d.failLogin[accountID]
	d.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	return testExpiry, nil
}

func newTestScheduler(t *testing.T, drv automation.Driver, opts Options) (*Scheduler, *registry.Registry) {
	t.Helper()
	tracker := quota.NewTracker(quota.Cooldowns{Text: time.Hour, Images: time.Hour, Videos: time.Hour}, nil)
	reg := registry.NewRegistry(tracker, nil, 3, nil)
	// Pin the registry clock before testExpiry so fixture sessions read as live.
	reg.SetNow(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return New(Deps{Driver: drv, Registry: reg}, nil, opts, nil), reg
}

func waitTerminal(t *testing.T, s *Scheduler, id string) Task {
	t.Helper()
	var task Task
	require.Eventually(t, func() bool {
		got, err := s.Get(id)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestRegisterTaskPartialFailure(t *testing.T) {
	drv := &scriptedDriver{failRegister: map[int]error{3: errors.New("captcha failed")}}
	s, reg := newTestScheduler(t, drv, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(RegisterSpec{Count: 5, Domain: "example.com"})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 4, task.SuccessCount)
	assert.Equal(t, 1, task.FailCount)
	require.Len(t, task.Results, 5)
	assert.Equal(t, 5, task.Progress)
	assert.False(t, task.Results[2].Success)
	assert.Contains(t, task.Results[2].Error, "captcha failed")
	assert.Equal(t, "1 of 5 items failed", task.Error)
	assert.Len(t, reg.List(), 4, "each successful item registers one account")
}

func TestRegisterTaskAllSucceed(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(RegisterSpec{Count: 2, Domain: "example.com"})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusSuccess, task.Status)
	assert.Equal(t, 2, task.SuccessCount)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.FinishedAt)
}

func TestLoginTaskRefreshesSessions(t *testing.T) {
	s, reg := newTestScheduler(t, &scriptedDriver{}, Options{Workers: 1})
	reg.Upsert(registry.Account{ID: "a"})
	reg.Upsert(registry.Account{ID: "b"})
	// Trip the failure threshold on "a"; a successful login must lift it.
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordOutcome("a", quota.ResourceText, registry.Outcome{Reason: "500"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(LoginSpec{AccountIDs: []string{"a", "b"}})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusSuccess, task.Status)

	acc, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, acc.Status)
	assert.True(t, acc.ExpiresAt.Equal(testExpiry))
}

func TestLoginTaskMissingAndDisabledAccountsFail(t *testing.T) {
	s, reg := newTestScheduler(t, &scriptedDriver{}, Options{Workers: 1})
	reg.Upsert(registry.Account{ID: "off", Disabled: true})
	reg.Upsert(registry.Account{ID: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(LoginSpec{AccountIDs: []string{"ghost", "off", "ok"}})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 1, task.SuccessCount)
	assert.Equal(t, 2, task.FailCount)
	require.Len(t, task.Results, 3)
	assert.Contains(t, task.Results[0].Error, "not found")
	assert.Contains(t, task.Results[1].Error, "disabled")
}

// flakyLoginDriver fails the first N login calls per account and
// succeeds afterwards, counting every call.
type flakyLoginDriver struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (d *flakyLoginDriver) PerformRegistration(ctx context.Context, domain string) (*automation.Credentials, error) {
	return nil, errors.New("not used")
}

func (d *flakyLoginDriver) PerformLogin(ctx context.Context, accountID string) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[accountID]++
	if d.calls[accountID] <= d.failures[accountID] {
		return time.Time{}, errors.New("session handshake timed out")
	}
	return testExpiry, nil
}

func (d *flakyLoginDriver) callCount(accountID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[accountID]
}

func TestLoginRetriesSessionEstablishment(t *testing.T) {
	drv := &flakyLoginDriver{failures: map[string]int{"shaky": 2, "dead": 5}}
	tracker := quota.NewTracker(quota.Cooldowns{Text: time.Hour, Images: time.Hour, Videos: time.Hour}, nil)
	reg := registry.NewRegistry(tracker, nil, 3, nil)
	s := New(Deps{Driver: drv, Registry: reg, SessionTries: 3}, nil, Options{Workers: 1}, nil)
	reg.Upsert(registry.Account{ID: "shaky"})
	reg.Upsert(registry.Account{ID: "dead"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(LoginSpec{AccountIDs: []string{"shaky", "dead"}})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 1, task.SuccessCount)
	assert.Equal(t, 1, task.FailCount)
	require.Len(t, task.Results, 2)

	// "shaky" recovers within the budget.
	assert.True(t, task.Results[0].Success)
	assert.Equal(t, 3, drv.callCount("shaky"))
	acc, err := reg.Get("shaky")
	require.NoError(t, err)
	assert.True(t, acc.ExpiresAt.Equal(testExpiry))

	// "dead" burns the whole budget and stops.
	assert.False(t, task.Results[1].Success)
	assert.Contains(t, task.Results[1].Error, "after 3 tries")
	assert.Equal(t, 3, drv.callCount("dead"))
}

// gatedDriver blocks each login until the test releases it, so the test
// controls exactly where the task is when cancel arrives.
type gatedDriver struct {
	started chan string
	proceed chan struct{}
}

func (d *gatedDriver) PerformRegistration(ctx context.Context, domain string) (*automation.Credentials, error) {
	return nil, errors.New("not used")
}

func (d *gatedDriver) PerformLogin(ctx context.Context, accountID string) (time.Time, error) {
	d.started <- accountID
	<-d.proceed
	return testExpiry, nil
}

func TestCancelRunningTaskStopsBetweenItems(t *testing.T) {
	drv := &gatedDriver{started: make(chan string), proceed: make(chan struct{})}
	s, reg := newTestScheduler(t, drv, Options{Workers: 1})
	reg.Upsert(registry.Account{ID: "a"})
	reg.Upsert(registry.Account{ID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(LoginSpec{AccountIDs: []string{"a", "b"}})
	require.NoError(t, err)

	// Item "a" is mid-flight; request cancellation, then let it finish.
	require.Equal(t, "a", <-drv.started)
	ok, err := s.Cancel(id, "operator request")
	require.NoError(t, err)
	assert.True(t, ok)
	drv.proceed <- struct{}{}

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.True(t, task.CancelRequested)
	assert.Equal(t, "operator request", task.CancelReason)
	require.Len(t, task.Results, 1, "the in-flight item completes, the rest never run")
	assert.True(t, task.Results[0].Success)

	// Only the first cancel reports true.
	ok, err = s.Cancel(id, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelPendingTaskIsImmediate(t *testing.T) {
	// No workers started: the task stays pending.
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{Workers: 1})

	id, err := s.Submit(RegisterSpec{Count: 1, Domain: "example.com"})
	require.NoError(t, err)

	before, err := s.Get(id)
	require.NoError(t, err)
	assert.Nil(t, before.FinishedAt, "finished_at is only set on terminal tasks")

	ok, err := s.Cancel(id, "changed my mind")
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	require.NotNil(t, task.FinishedAt)
	assert.Empty(t, task.Results)

	ok, err = s.Cancel(id, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelUnknownTask(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{})
	_, err := s.Cancel("nope", "reason")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitQueueFull(t *testing.T) {
	// No workers: the single queue slot stays occupied.
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{QueueSize: 1})

	_, err := s.Submit(RegisterSpec{Count: 1, Domain: "example.com"})
	require.NoError(t, err)
	_, err = s.Submit(RegisterSpec{Count: 1, Domain: "example.com"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, s.List(), 1, "the rejected task is not retained")
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{})
	_, err := s.Submit(RegisterSpec{Count: 0, Domain: "example.com"})
	assert.Error(t, err)
	_, err = s.Submit(LoginSpec{})
	assert.Error(t, err)
}

type panickyDriver struct{}

func (panickyDriver) PerformRegistration(ctx context.Context, domain string) (*automation.Credentials, error) {
	panic("browser crashed")
}

func (panickyDriver) PerformLogin(ctx context.Context, accountID string) (time.Time, error) {
	panic("browser crashed")
}

func TestPanicInItemFailsTaskNotProcess(t *testing.T) {
	s, _ := newTestScheduler(t, panickyDriver{}, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(RegisterSpec{Count: 2, Domain: "example.com"})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.FailCount)
	assert.Contains(t, task.Results[0].Error, "browser crashed")
}

func TestListNewestFirstAndRetentionSweep(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{Retention: time.Minute})
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return clock })

	first, err := s.Submit(RegisterSpec{Count: 1, Domain: "example.com"})
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	second, err := s.Submit(RegisterSpec{Count: 1, Domain: "example.com"})
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)

	// Cancel the first (making it terminal) and age it past retention.
	_, err = s.Cancel(first, "stale")
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)

	list = s.List()
	require.Len(t, list, 1)
	assert.Equal(t, second, list[0].ID)
}

func TestTaskLogsAreCapped(t *testing.T) {
	s, _ := newTestScheduler(t, &scriptedDriver{}, Options{Workers: 1, MaxLogs: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit(RegisterSpec{Count: 10, Domain: "example.com"})
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, StatusSuccess, task.Status)
	assert.Len(t, task.Logs, 5)
	assert.Equal(t, "task finished", task.Logs[4].Message)
}
