package api

import (
	"errors"
	"strconv"
	"time"

	"geminipool/config"
	"geminipool/internal/logbuf"
	"geminipool/internal/quota"
	"geminipool/internal/registry"
	"geminipool/internal/scheduler"
	"geminipool/internal/uptime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TaskHistory reads back persisted terminal tasks.
type TaskHistory interface {
	RecentTasks(limit int) ([]scheduler.Task, error)
}

// Handler handles management API requests
type Handler struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	logs      *logbuf.Buffer
	uptime    *uptime.Tracker
	meter     *uptime.RateMeter
	cfg       *config.Store
	history   TaskHistory
	logger    *zap.Logger
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(reg *registry.Registry, sched *scheduler.Scheduler, logs *logbuf.Buffer, up *uptime.Tracker, meter *uptime.RateMeter, cfg *config.Store, history TaskHistory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = uptime.NewRateMeter(0)
	}
	return &Handler{
		registry:  reg,
		scheduler: sched,
		logs:      logs,
		uptime:    up,
		meter:     meter,
		cfg:       cfg,
		history:   history,
		logger:    logger,
	}
}

// Health returns service status
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

type accountView struct {
	registry.Account
	QuotaStatus quota.AccountStatus `json:"quota_status"`
}

func (h *Handler) accountView(acc registry.Account) accountView {
	qs, err := h.registry.QuotaSnapshot(acc.ID)
	if err != nil {
		return accountView{Account: acc}
	}
	return accountView{Account: acc, QuotaStatus: qs}
}

// ListAccounts returns all accounts with their quota aggregates
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts := h.registry.List()
	out := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, h.accountView(acc))
	}
	c.JSON(200, gin.H{"accounts": out, "stats": h.registry.Stats()})
}

// GetAccount returns an account by ID
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "account not found"})
		return
	}
	c.JSON(200, h.accountView(acc))
}

// EnableAccount clears the manual disable flag
func (h *Handler) EnableAccount(c *gin.Context) {
	h.setDisabled(c, false)
}

// DisableAccount sets the manual disable flag
func (h *Handler) DisableAccount(c *gin.Context) {
	h.setDisabled(c, true)
}

func (h *Handler) setDisabled(c *gin.Context, disabled bool) {
	if err := h.registry.SetDisabled(c.Param("id"), disabled); err != nil {
		c.JSON(404, gin.H{"error": "account not found"})
		return
	}
	c.JSON(200, gin.H{"disabled": disabled})
}

// DeleteAccount removes an account from the pool
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.registry.Remove(c.Param("id")); err != nil {
		c.JSON(404, gin.H{"error": "account not found"})
		return
	}
	c.JSON(200, gin.H{"deleted": true})
}

// GetStats returns pool, traffic, and log statistics
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(200, gin.H{
		"accounts":          h.registry.Stats(),
		"requests_per_hour": h.meter.WindowCount(),
		"total_requests":    h.meter.Total(),
		"logs":              h.logs.Stats(),
	})
}

// GetLogs returns buffered log entries matching the query filters
func (h *Handler) GetLogs(c *gin.Context) {
	filter := logbuf.Filter{
		Level:       c.Query("level"),
		Search:      c.Query("search"),
		NewestFirst: c.DefaultQuery("order", "desc") == "desc",
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(400, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	var err error
	if filter.Start, err = parseTime(c.Query("start_time")); err != nil {
		c.JSON(400, gin.H{"error": "invalid start_time"})
		return
	}
	if filter.End, err = parseTime(c.Query("end_time")); err != nil {
		c.JSON(400, gin.H{"error": "invalid end_time"})
		return
	}

	entries := h.logs.Query(filter)
	c.JSON(200, gin.H{"logs": entries, "stats": h.logs.Stats()})
}

// ClearLogs empties the log buffer
func (h *Handler) ClearLogs(c *gin.Context) {
	n := h.logs.Clear()
	h.logger.Info("log buffer cleared", zap.Int("dropped", n))
	c.JSON(200, gin.H{"cleared": n})
}

type registerRequest struct {
	Count  int    `json:"count"`
	Domain string `json:"domain"`
}

// SubmitRegisterTask queues an account registration task
func (h *Handler) SubmitRegisterTask(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	cfg := h.cfg.Current()
	if req.Count == 0 {
		req.Count = cfg.Scheduler.RegisterDefaultCount
	}
	if req.Domain == "" {
		req.Domain = cfg.Scheduler.RegisterDomain
	}
	h.submit(c, scheduler.RegisterSpec{Count: req.Count, Domain: req.Domain})
}

type loginRequest struct {
	AccountIDs []string `json:"account_ids"`
}

// SubmitLoginTask queues a session refresh task
func (h *Handler) SubmitLoginTask(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, scheduler.LoginSpec{AccountIDs: req.AccountIDs})
}

func (h *Handler) submit(c *gin.Context, spec scheduler.Spec) {
	id, err := h.scheduler.Submit(spec)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			c.JSON(503, gin.H{"error": err.Error()})
			return
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"task_id": id})
}

// ListTasks returns all retained tasks, newest first
func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(200, gin.H{"tasks": h.scheduler.List()})
}

// GetTask returns one task snapshot
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.scheduler.Get(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "task not found"})
		return
	}
	c.JSON(200, task)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelTask requests cooperative cancellation of a task
func (h *Handler) CancelTask(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	ok, err := h.scheduler.Cancel(c.Param("id"), req.Reason)
	if err != nil {
		c.JSON(404, gin.H{"error": "task not found"})
		return
	}
	c.JSON(200, gin.H{"cancelled": ok})
}

// GetTaskHistory returns persisted terminal tasks, newest first
func (h *Handler) GetTaskHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(200, gin.H{"tasks": []scheduler.Task{}})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(400, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	tasks, err := h.history.RecentTasks(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	c.JSON(200, gin.H{"tasks": tasks})
}

// GetUptime returns per-service availability summaries
func (h *Handler) GetUptime(c *gin.Context) {
	c.JSON(200, gin.H{"services": h.uptime.Summary()})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
