package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"geminipool/internal/logbuf"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueFull means the pending queue is at capacity; the caller should
// retry later rather than block.
var ErrQueueFull = errors.New("task queue is full")

// ErrTaskNotFound means no task with the given id exists (it may have been
// evicted after retention).
var ErrTaskNotFound = errors.New("task not found")

// Store persists terminal tasks. Implementations are best-effort.
type Store interface {
	SaveTask(t Task) error
}

// Options tune a scheduler; zero values fall back to defaults.
type Options struct {
	Workers   int
	QueueSize int
	MaxLogs   int
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.MaxLogs <= 0 {
		o.MaxLogs = 200
	}
	if o.Retention <= 0 {
		o.Retention = 2 * time.Hour
	}
	return o
}

type taskState struct {
	task Task
	spec Spec
}

// Scheduler runs automation tasks on a bounded worker pool. Tasks are
// queued FIFO; cancellation is cooperative and observed between items.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	queue chan string

	deps    Deps
	store   Store
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler. store may be nil.
func New(deps Deps, store Store, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	if deps.SessionTries <= 0 {
		deps.SessionTries = 5
	}
	return &Scheduler{
		tasks:  make(map[string]*taskState),
		queue:  make(chan string, opts.QueueSize),
		deps:   deps,
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Submit validates and enqueues a task, returning its id. Fails fast with
// ErrQueueFull when the queue is at capacity.
func (s *Scheduler) Submit(spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	task := Task{
		ID:         id,
		Kind:       spec.Kind(),
		Status:     StatusPending,
		TotalItems: spec.Total(),
		CreatedAt:  s.nowClock()(),
	}
	switch v := spec.(type) {
	case RegisterSpec:
		task.Count = v.Count
		task.Domain = v.Domain
	case LoginSpec:
		task.AccountIDs = append([]string(nil), v.AccountIDs...)
	}

	s.mu.Lock()
	s.sweepLocked()
	s.tasks[id] = &taskState{task: task, spec: spec}
	select {
	case s.queue <- id:
	default:
		delete(s.tasks, id)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.mu.Unlock()

	s.logger.Info("task submitted",
		zap.String("task", id), zap.String("kind", string(spec.Kind())),
		zap.Int("items", spec.Total()))
	return id, nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return st.task.clone(), nil
}

// List returns snapshots of all retained tasks, newest first.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	out := make([]Task, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, st.task.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cancellation. A pending task is cancelled immediately; a
// running one finishes its current item first. Returns true only for the
// call that actually initiated the cancellation, false when the task is
// already terminal or already being cancelled.
func (s *Scheduler) Cancel(id, reason string) (bool, error) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t := &st.task
	if t.Status.Terminal() || t.CancelRequested {
		s.mu.Unlock()
		return false, nil
	}
	t.CancelRequested = true
	t.CancelReason = reason
	if t.Status == StatusPending {
		// Never started; finalize right here. The worker skips it when
		// the id surfaces from the queue.
		now := s.now()
		t.Status = StatusCancelled
		t.FinishedAt = &now
		s.appendTaskLogLocked(t, "WARNING", "task cancelled before start: "+reason)
		snapshot := t.clone()
		s.mu.Unlock()
		s.persist(snapshot)
		s.logger.Warn("task cancelled before start",
			zap.String("task", id), zap.String("reason", reason))
		return true, nil
	}
	s.mu.Unlock()

	s.logger.Warn("task cancellation requested",
		zap.String("task", id), zap.String("reason", reason))
	return true, nil
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.runTask(ctx, id)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, id string) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok || st.task.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	now := s.now()
	st.task.Status = StatusRunning
	st.task.StartedAt = &now
	s.appendTaskLogLocked(&st.task, "INFO", fmt.Sprintf("task started, %d items", st.task.TotalItems))
	spec := st.spec
	total := st.task.TotalItems
	s.mu.Unlock()

	s.logger.Info("task started",
		zap.String("task", id), zap.String("kind", string(spec.Kind())))

	for i := 0; i < total; i++ {
		if s.cancelRequested(id) || ctx.Err() != nil {
			s.finalize(id, true)
			return
		}
		target, err := s.runItem(ctx, spec, i)
		s.recordItem(id, i, target, err)
	}
	s.finalize(id, false)
}

// runItem isolates one item so a panic fails the item, not the process.
func (s *Scheduler) runItem(ctx context.Context, spec Spec, i int) (target string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item panicked: %v", r)
		}
	}()
	return spec.RunItem(ctx, s.deps, i)
}

func (s *Scheduler) cancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	return ok && st.task.CancelRequested
}

func (s *Scheduler) recordItem(id string, i int, target string, err error) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := &st.task
	res := ItemResult{Index: i, Target: target, Success: err == nil, FinishedAt: s.now()}
	if err != nil {
		res.Error = err.Error()
		t.FailCount++
		s.appendTaskLogLocked(t, "ERROR", fmt.Sprintf("item %d failed: %v", i, err))
	} else {
		t.SuccessCount++
		s.appendTaskLogLocked(t, "INFO", fmt.Sprintf("item %d done: %s", i, target))
	}
	t.Results = append(t.Results, res)
	t.Progress = len(t.Results)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task item failed",
			zap.String("task", id), zap.Int("item", i), zap.Error(err))
	}
}

func (s *Scheduler) finalize(id string, cancelled bool) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := &st.task
	now := s.now()
	switch {
	case cancelled:
		t.Status = StatusCancelled
		s.appendTaskLogLocked(t, "WARNING", "task cancelled: "+t.CancelReason)
	case t.FailCount == 0:
		t.Status = StatusSuccess
		s.appendTaskLogLocked(t, "INFO", "task finished")
	default:
		t.Status = StatusFailed
		t.Error = fmt.Sprintf("%d of %d items failed", t.FailCount, t.TotalItems)
		s.appendTaskLogLocked(t, "ERROR", t.Error)
	}
	t.FinishedAt = &now
	snapshot := t.clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.logger.Info("task finished",
		zap.String("task", id),
		zap.String("status", string(snapshot.Status)),
		zap.Int("success", snapshot.SuccessCount),
		zap.Int("failed", snapshot.FailCount))
}

// appendTaskLogLocked appends one entry to the task's own log, dropping the
// oldest entries past the cap. Caller holds s.mu.
func (s *Scheduler) appendTaskLogLocked(t *Task, level, msg string) {
	t.Logs = append(t.Logs, logbuf.Entry{Time: s.now(), Level: level, Message: msg})
	if over := len(t.Logs) - s.opts.MaxLogs; over > 0 {
		t.Logs = append(t.Logs[:0], t.Logs[over:]...)
	}
}

// sweepLocked evicts terminal tasks older than the retention window.
// Caller holds s.mu.
func (s *Scheduler) sweepLocked() {
	cutoff := s.now().Add(-s.opts.Retention)
	for id, st := range s.tasks {
		if st.task.Status.Terminal() && st.task.FinishedAt != nil && st.task.FinishedAt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

func (s *Scheduler) persist(t Task) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTask(t); err != nil {
		s.logger.Error("task persist failed", zap.String("task", t.ID), zap.Error(err))
	}
}

func (s *Scheduler) nowClock() func() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
