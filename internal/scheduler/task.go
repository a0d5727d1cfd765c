package scheduler

import (
	"time"

	"geminipool/internal/logbuf"
)

// TaskStatus is the lifecycle state of a task. pending and running are
// live; success, failed and cancelled are terminal.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSuccess   TaskStatus = "success"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskKind names the task variant.
type TaskKind string

const (
	KindRegister TaskKind = "register"
	KindLogin    TaskKind = "login"
)

// ItemResult is the outcome of one unit of work inside a task.
type ItemResult struct {
	Index      int       `json:"index"`
	Target     string    `json:"target,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Task is a point-in-time snapshot of one automation task. Slices are
// copies; mutating a snapshot never affects the scheduler's state.
type Task struct {
	ID     string     `json:"id"`
	Kind   TaskKind   `json:"kind"`
	Status TaskStatus `json:"status"`

	// Register parameters.
	Count  int    `json:"count,omitempty"`
	Domain string `json:"domain,omitempty"`
	// Login parameters.
	AccountIDs []string `json:"account_ids,omitempty"`

	TotalItems   int            `json:"total_items"`
	Progress     int            `json:"progress"`
	SuccessCount int            `json:"success_count"`
	FailCount    int            `json:"fail_count"`
	Results      []ItemResult   `json:"results"`
	Logs         []logbuf.Entry `json:"logs"`

	CancelRequested bool   `json:"cancel_requested"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	Error           string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (t *Task) clone() Task {
	cp := *t
	cp.AccountIDs = append([]string(nil), t.AccountIDs...)
	cp.Results = append([]ItemResult(nil), t.Results...)
	cp.Logs = append([]logbuf.Entry(nil), t.Logs...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		cp.FinishedAt = &finished
	}
	return cp
}
