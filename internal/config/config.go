// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package config loads dtable-events configuration.
//
// Sources are layered with Koanf v2, lowest to highest precedence:
//
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML file (CONFIG_PATH, ./config.yaml, /etc/dtable-events/config.yaml)
//  3. Environment variables, using the names the other SeaTable services
//     already export (DTABLE_PRIVATE_KEY, DB_HOST, DTABLE_SERVER_URL, ...)
//
// The loaded Config is validated before it is returned.
package config

import "time"

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	MySQL        MySQLConfig        `koanf:"mysql"`
	NATS         NATSConfig         `koanf:"nats"`
	DTable       DTableConfig       `koanf:"dtable"`
	Automation   AutomationConfig   `koanf:"automation"`
	Notification NotificationConfig `koanf:"notification"`
	Dataset      DatasetConfig      `koanf:"dataset"`
	Message      MessageConfig      `koanf:"message"`
	Webhook      WebhookConfig      `koanf:"webhook"`
	Activity     ActivityConfig     `koanf:"activity"`
	Transfer     TransferConfig     `koanf:"transfer"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Security     SecurityConfig     `koanf:"security"`
	Supervisor   SupervisorConfig   `koanf:"supervisor"`
}

// ServerConfig holds the internal HTTP API settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MySQLConfig points at the dtable-web database that stores rules,
// accounts, datasets and webhooks.
type MySQLConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password"`
	Database        string        `koanf:"database" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// AutoMigrate applies the embedded schema on startup. Off in deployments
	// where dtable-web owns the schema.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// NATSConfig configures the JetStream event bus.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name"`
	StreamRetention time.Duration `koanf:"stream_retention"`

	SubscribersCount int           `koanf:"subscribers_count" validate:"min=1"`
	DurableName      string        `koanf:"durable_name"`
	QueueGroup       string        `koanf:"queue_group"`
	AckWait          time.Duration `koanf:"ack_wait"`
	MaxDeliver       int           `koanf:"max_deliver"`

	RouterRetryCount           int           `koanf:"router_retry_count" validate:"min=0"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// DTableConfig locates the sibling SeaTable services.
type DTableConfig struct {
	ServerURL string `koanf:"server_url"`
	DBURL     string `koanf:"db_url"`
	WebURL    string `koanf:"web_url"`
	// PrivateKey is the HS256 secret shared with dtable-server and dtable-web.
	PrivateKey string        `koanf:"private_key"`
	Username   string        `koanf:"username"`
	Timeout    time.Duration `koanf:"timeout"`
	TokenTTL   time.Duration `koanf:"token_ttl"`
}

// AutomationConfig configures the automation rule engine.
type AutomationConfig struct {
	Enabled bool `koanf:"enabled"`
	// MonthlyRunLimit caps rule runs per creator per calendar month; 0 disables.
	MonthlyRunLimit int `koanf:"monthly_run_limit" validate:"min=0"`
	// PeriodicRowLimit caps rows processed by one periodic run.
	PeriodicRowLimit int           `koanf:"periodic_row_limit" validate:"min=1"`
	ActionTimeout    time.Duration `koanf:"action_timeout"`
}

// NotificationConfig configures the notification rule engine.
type NotificationConfig struct {
	Enabled bool `koanf:"enabled"`
	MaxRows int  `koanf:"max_rows" validate:"min=1"`
}

// DatasetConfig configures common dataset sync.
type DatasetConfig struct {
	Enabled   bool `koanf:"enabled"`
	BatchSize int  `koanf:"batch_size" validate:"min=1,max=10000"`
	MaxRows   int  `koanf:"max_rows" validate:"min=1"`
}

// MessageConfig configures outbound message delivery.
type MessageConfig struct {
	MaxRetries        int           `koanf:"max_retries" validate:"min=0"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	Parallelism       int           `koanf:"parallelism" validate:"min=1"`
	SMTPTimeout       time.Duration `koanf:"smtp_timeout"`
	WeChatPerMinute   int           `koanf:"wechat_per_minute" validate:"min=1"`
	DingTalkPerMinute int           `koanf:"dingtalk_per_minute" validate:"min=1"`
}

// WebhookConfig configures table event forwarding.
type WebhookConfig struct {
	Enabled bool          `koanf:"enabled"`
	Timeout time.Duration `koanf:"timeout"`
}

// ActivityConfig configures row activity recording.
type ActivityConfig struct {
	Enabled bool `koanf:"enabled"`
}

// TransferConfig configures spreadsheet import/export tasks.
type TransferConfig struct {
	WorkDir         string        `koanf:"work_dir" validate:"required"`
	MaxExportRows   int           `koanf:"max_export_rows" validate:"min=1"`
	ImportBatchSize int           `koanf:"import_batch_size" validate:"min=1,max=1000"`
	TaskTTL         time.Duration `koanf:"task_ttl"`
}

// SchedulerConfig configures the periodic job loop.
type SchedulerConfig struct {
	Interval         time.Duration `koanf:"interval"`
	MaxConcurrent    int           `koanf:"max_concurrent" validate:"min=1"`
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`
}

// SecurityConfig configures the internal API surface.
type SecurityConfig struct {
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// SupervisorConfig tunes suture restart behaviour.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Load reads configuration from all sources.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
