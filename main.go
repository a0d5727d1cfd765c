package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"geminipool/config"
	"geminipool/internal/api"
	"geminipool/internal/automation"
	"geminipool/internal/logbuf"
	"geminipool/internal/logging"
	"geminipool/internal/policy"
	"geminipool/internal/quota"
	"geminipool/internal/registry"
	"geminipool/internal/relay"
	"geminipool/internal/scheduler"
	"geminipool/internal/storage"
	"geminipool/internal/uptime"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Determine config path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		execPath, _ := os.Executable()
		configPath = filepath.Join(filepath.Dir(execPath), "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Warning: Could not load config: %v, using defaults", err)
		cfg = config.DefaultConfig()
	}
	cfgStore := config.NewStore(cfg)

	// Logging: console plus the in-memory buffer served by /api/logs.
	logBuffer := logbuf.New(cfg.Logging.BufferCapacity)
	logger, err := logging.New(cfg.Server.LogLevel, logBuffer)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize storage
	dbPath := cfg.Storage.DBPath
	if !filepath.IsAbs(dbPath) {
		execPath, _ := os.Executable()
		dbPath = filepath.Join(filepath.Dir(execPath), dbPath)
	}
	store, err := storage.New(dbPath)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core components
	tracker := quota.NewTracker(quota.Cooldowns{
		Text:   time.Duration(cfg.Retry.TextRateLimitCooldownSeconds) * time.Second,
		Images: time.Duration(cfg.Retry.ImagesRateLimitCooldownSeconds) * time.Second,
		Videos: time.Duration(cfg.Retry.VideosRateLimitCooldownSeconds) * time.Second,
	}, logger)

	reg := registry.NewRegistry(tracker, store, cfg.Retry.AccountFailureThreshold, logger)
	accounts, err := store.ListAccounts()
	if err != nil {
		logger.Fatal("failed to load accounts", zap.Error(err))
	}
	for _, acc := range accounts {
		reg.Upsert(acc)
	}
	logger.Info("account pool loaded", zap.Int("accounts", len(accounts)))

	reg.StartAutoRefresh(ctx,
		time.Duration(cfg.Retry.AutoRefreshAccountsSeconds)*time.Second,
		cfg.Retry.RefreshWindow())

	upTracker := uptime.NewTracker(0)
	rateMeter := uptime.NewRateMeter(time.Hour)

	driver := automation.NewHTTPDriver(
		cfg.Automation.DriverURL,
		time.Duration(cfg.Automation.TimeoutSeconds)*time.Second,
		logger)

	sched := scheduler.New(
		scheduler.Deps{
			Driver:       driver,
			Registry:     reg,
			SessionTries: cfg.Retry.MaxNewSessionTries,
		},
		store,
		scheduler.Options{
			Workers:   cfg.Scheduler.Workers,
			QueueSize: cfg.Scheduler.QueueSize,
			MaxLogs:   cfg.Scheduler.MaxTaskLogs,
			Retention: time.Duration(cfg.Scheduler.RetentionMinutes) * time.Minute,
		},
		logger)
	sched.Start(ctx)

	if cfg.Retry.ScheduledRefreshEnabled {
		go scheduledRefreshLoop(ctx, cfg, reg, sched, logger)
	}

	rotator := policy.NewRotator(reg, tracker, policy.Limits{
		MaxRequestRetries:     cfg.Retry.MaxRequestRetries,
		MaxAccountSwitchTries: cfg.Retry.MaxAccountSwitchTries,
	}, upTracker, logger)

	relayHandler := relay.New(rotator, cfg.Upstream.URL,
		time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second, rateMeter, logger)

	apiHandler := api.NewHandler(reg, sched, logBuffer, upTracker, rateMeter, cfgStore, store, logger)

	// Setup Gin
	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.UptimeMiddleware(upTracker))

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Generation relay
	r.POST("/v1/relay", relayHandler.Handle)

	// Health check
	r.GET("/health", apiHandler.Health)

	// Management API
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/accounts", apiHandler.ListAccounts)
		apiGroup.GET("/accounts/:id", apiHandler.GetAccount)
		apiGroup.POST("/accounts/:id/enable", apiHandler.EnableAccount)
		apiGroup.POST("/accounts/:id/disable", apiHandler.DisableAccount)
		apiGroup.DELETE("/accounts/:id", apiHandler.DeleteAccount)

		apiGroup.GET("/stats", apiHandler.GetStats)
		apiGroup.GET("/logs", apiHandler.GetLogs)
		apiGroup.DELETE("/logs", apiHandler.ClearLogs)

		apiGroup.POST("/tasks/register", apiHandler.SubmitRegisterTask)
		apiGroup.POST("/tasks/login", apiHandler.SubmitLoginTask)
		apiGroup.GET("/task-history", apiHandler.GetTaskHistory)
		apiGroup.GET("/tasks", apiHandler.ListTasks)
		apiGroup.GET("/tasks/:id", apiHandler.GetTask)
		apiGroup.POST("/tasks/:id/cancel", apiHandler.CancelTask)

		apiGroup.GET("/uptime", apiHandler.GetUptime)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("server starting", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(addr) }()

	select {
	case err := <-errCh:
		logger.Fatal("server exited", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutting down")
	}
}

// scheduledRefreshLoop periodically submits a login task for accounts whose
// session expires within the refresh window.
func scheduledRefreshLoop(ctx context.Context, cfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, logger *zap.Logger) {
	interval := time.Duration(cfg.Retry.ScheduledRefreshIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := reg.ExpiringAccounts(cfg.Retry.RefreshWindow())
			if len(ids) == 0 {
				continue
			}
			id, err := sched.Submit(scheduler.LoginSpec{AccountIDs: ids})
			if err != nil {
				logger.Warn("scheduled refresh submit failed",
					zap.Int("accounts", len(ids)), zap.Error(err))
				continue
			}
			logger.Info("scheduled session refresh submitted",
				zap.String("task", id), zap.Int("accounts", len(ids)))
		}
	}
}
