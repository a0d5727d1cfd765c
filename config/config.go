package config

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retry      RetryConfig      `yaml:"retry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Automation AutomationConfig `yaml:"automation"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type LoggingConfig struct {
	BufferCapacity int `yaml:"buffer_capacity"`
}

// RetryConfig holds the retry/failover budgets and per-resource cooldowns.
type RetryConfig struct {
	MaxNewSessionTries              int  `yaml:"max_new_session_tries"`
	MaxRequestRetries               int  `yaml:"max_request_retries"`
	MaxAccountSwitchTries           int  `yaml:"max_account_switch_tries"`
	AccountFailureThreshold         int  `yaml:"account_failure_threshold"`
	TextRateLimitCooldownSeconds    int  `yaml:"text_rate_limit_cooldown_seconds"`
	ImagesRateLimitCooldownSeconds  int  `yaml:"images_rate_limit_cooldown_seconds"`
	VideosRateLimitCooldownSeconds  int  `yaml:"videos_rate_limit_cooldown_seconds"`
	AutoRefreshAccountsSeconds      int  `yaml:"auto_refresh_accounts_seconds"`
	RefreshWindowHours              int  `yaml:"refresh_window_hours"`
	ScheduledRefreshEnabled         bool `yaml:"scheduled_refresh_enabled"`
	ScheduledRefreshIntervalMinutes int  `yaml:"scheduled_refresh_interval_minutes"`
}

type SchedulerConfig struct {
	Workers              int    `yaml:"workers"`
	QueueSize            int    `yaml:"queue_size"`
	RetentionMinutes     int    `yaml:"retention_minutes"`
	MaxTaskLogs          int    `yaml:"max_task_logs"`
	RegisterDefaultCount int    `yaml:"register_default_count"`
	RegisterDomain       string `yaml:"register_domain"`
}

type AutomationConfig struct {
	DriverURL      string `yaml:"driver_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type UpstreamConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8046,
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			DBPath: "./data/geminipool.db",
		},
		Logging: LoggingConfig{
			BufferCapacity: 3000,
		},
		Retry: RetryConfig{
			MaxNewSessionTries:              5,
			MaxRequestRetries:               3,
			MaxAccountSwitchTries:           5,
			AccountFailureThreshold:         3,
			TextRateLimitCooldownSeconds:    7200,
			ImagesRateLimitCooldownSeconds:  14400,
			VideosRateLimitCooldownSeconds:  14400,
			AutoRefreshAccountsSeconds:      60,
			RefreshWindowHours:              1,
			ScheduledRefreshEnabled:         false,
			ScheduledRefreshIntervalMinutes: 30,
		},
		Scheduler: SchedulerConfig{
			Workers:              2,
			QueueSize:            32,
			RetentionMinutes:     120,
			MaxTaskLogs:          200,
			RegisterDefaultCount: 1,
			RegisterDomain:       "",
		},
		Automation: AutomationConfig{
			DriverURL:      "http://127.0.0.1:9515",
			TimeoutSeconds: 300,
		},
		Upstream: UpstreamConfig{
			URL:            "",
			TimeoutSeconds: 600,
		},
	}
}

// Load loads configuration from file, creating a default one if missing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := Save(path, cfg); saveErr != nil {
				return nil, saveErr
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to file
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Store holds the live configuration. Readers always get a complete
// snapshot; updates replace the whole pointer, never individual fields.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.ptr.Store(cfg)
	return s
}

// Current returns the active configuration snapshot.
func (s *Store) Current() *Config {
	return s.ptr.Load()
}

// Swap atomically replaces the active configuration.
func (s *Store) Swap(cfg *Config) {
	s.ptr.Store(cfg)
}

// RefreshWindow returns the expiring-account refresh window as a duration.
func (c *RetryConfig) RefreshWindow() time.Duration {
	return time.Duration(c.RefreshWindowHours) * time.Hour
}
