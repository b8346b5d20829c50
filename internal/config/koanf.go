// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/dtable-events/config.yaml",
	"/etc/dtable-events/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    6000,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		MySQL: MySQLConfig{
			Host:            "127.0.0.1",
			Port:            3306,
			User:            "seafile",
			Database:        "dtable_db",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:                        "nats://127.0.0.1:4222",
			EmbeddedServer:             true,
			StoreDir:                   "/opt/dtable-events/jetstream",
			MaxMemory:                  256 << 20, // 256MB
			MaxStore:                   4 << 30,   // 4GB
			StreamName:                 "DTABLE_EVENTS",
			StreamRetention:            72 * time.Hour,
			SubscribersCount:           4,
			DurableName:                "dtable-events",
			QueueGroup:                 "dtable-events",
			AckWait:                    2 * time.Minute,
			MaxDeliver:                 5,
			RouterRetryCount:           3,
			RouterRetryInitialInterval: 500 * time.Millisecond,
			RouterPoisonQueueTopic:     "table-events-dlq",
			RouterCloseTimeout:         30 * time.Second,
		},
		DTable: DTableConfig{
			ServerURL: "http://127.0.0.1:5000",
			DBURL:     "http://127.0.0.1:7777",
			WebURL:    "http://127.0.0.1:8000",
			Username:  "dtable-events",
			Timeout:   30 * time.Second,
			TokenTTL:  5 * time.Minute,
		},
		Automation: AutomationConfig{
			Enabled:          true,
			MonthlyRunLimit:  0,
			PeriodicRowLimit: 1000,
			ActionTimeout:    time.Minute,
		},
		Notification: NotificationConfig{
			Enabled: true,
			MaxRows: 1000,
		},
		Dataset: DatasetConfig{
			Enabled:   true,
			BatchSize: 1000,
			MaxRows:   100000,
		},
		Message: MessageConfig{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			Parallelism:       4,
			SMTPTimeout:       30 * time.Second,
			WeChatPerMinute:   20,
			DingTalkPerMinute: 20,
		},
		Webhook: WebhookConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		Activity: ActivityConfig{
			Enabled: true,
		},
		Transfer: TransferConfig{
			WorkDir:         "/tmp/dtable-io",
			MaxExportRows:   100000,
			ImportBatchSize: 500,
			TaskTTL:         24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:         time.Minute,
			MaxConcurrent:    3,
			ExecutionTimeout: 30 * time.Minute,
		},
		Security: SecurityConfig{
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{},
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// LoadWithKoanf loads defaults, then the config file, then the environment,
// and validates the result.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf paths.
// Unmapped variables are ignored so the rest of the environment cannot leak
// into the configuration.
var envMappings = map[string]string{
	// Names shared with dtable-web / dtable-server deployments
	"dtable_server_url":      "dtable.server_url",
	"dtable_db_url":          "dtable.db_url",
	"inner_dtable_db_url":    "dtable.db_url",
	"dtable_web_service_url": "dtable.web_url",
	"dtable_private_key":     "dtable.private_key",
	"dtable_token_ttl":       "dtable.token_ttl",
	"dtable_timeout":         "dtable.timeout",

	"db_host":              "mysql.host",
	"db_port":              "mysql.port",
	"db_user":              "mysql.user",
	"db_passwd":            "mysql.password",
	"db_password":          "mysql.password",
	"db_name":              "mysql.database",
	"db_max_open_conns":    "mysql.max_open_conns",
	"db_max_idle_conns":    "mysql.max_idle_conns",
	"db_conn_max_lifetime": "mysql.conn_max_lifetime",
	"db_auto_migrate":      "mysql.auto_migrate",

	"nats_url":              "nats.url",
	"nats_embedded":         "nats.embedded_server",
	"nats_store_dir":        "nats.store_dir",
	"nats_max_memory":       "nats.max_memory",
	"nats_max_store":        "nats.max_store",
	"nats_stream_name":      "nats.stream_name",
	"nats_stream_retention": "nats.stream_retention",
	"nats_subscribers":      "nats.subscribers_count",
	"nats_durable_name":     "nats.durable_name",
	"nats_queue_group":      "nats.queue_group",
	"nats_ack_wait":         "nats.ack_wait",
	"nats_max_deliver":      "nats.max_deliver",
	"nats_router_retry":     "nats.router_retry_count",
	"nats_poison_topic":     "nats.router_poison_queue_topic",

	"http_host":    "server.host",
	"http_port":    "server.port",
	"http_timeout": "server.timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"automation_enabled":            "automation.enabled",
	"automation_monthly_run_limit":  "automation.monthly_run_limit",
	"automation_periodic_row_limit": "automation.periodic_row_limit",
	"notification_enabled":          "notification.enabled",
	"dataset_sync_enabled":          "dataset.enabled",
	"dataset_sync_batch_size":       "dataset.batch_size",
	"dataset_sync_max_rows":         "dataset.max_rows",
	"webhook_enabled":               "webhook.enabled",
	"activity_enabled":              "activity.enabled",

	"message_max_retries":  "message.max_retries",
	"message_parallelism":  "message.parallelism",
	"smtp_timeout":         "message.smtp_timeout",
	"wechat_per_minute":    "message.wechat_per_minute",
	"dingtalk_per_minute":  "message.dingtalk_per_minute",
	"io_work_dir":          "transfer.work_dir",
	"io_max_export_rows":   "transfer.max_export_rows",
	"io_import_batch_size": "transfer.import_batch_size",
	"io_task_ttl":          "transfer.task_ttl",

	"scheduler_interval":       "scheduler.interval",
	"scheduler_max_concurrent": "scheduler.max_concurrent",
	"scheduler_exec_timeout":   "scheduler.execution_timeout",

	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",
	"cors_origins":        "security.cors_origins",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
