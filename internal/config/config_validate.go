// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/dtable-events/internal/validation"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "fatal": true, "panic": true, "disabled": true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// Validate checks that required configuration is present and valid.
// Struct tags cover ranges; the methods below cover cross-field rules.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if err := c.validateDTable(); err != nil {
		return err
	}

	if err := c.validateNATS(); err != nil {
		return err
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	return c.validateLogging()
}

func (c *Config) validateDTable() error {
	if strings.TrimSpace(c.DTable.PrivateKey) == "" {
		return fmt.Errorf("DTABLE_PRIVATE_KEY is required")
	}
	if err := validateHTTPURL(c.DTable.ServerURL, "DTABLE_SERVER_URL"); err != nil {
		return err
	}
	if err := validateHTTPURL(c.DTable.DBURL, "DTABLE_DB_URL"); err != nil {
		return err
	}
	if err := validateHTTPURL(c.DTable.WebURL, "DTABLE_WEB_SERVICE_URL"); err != nil {
		return err
	}
	if c.DTable.TokenTTL <= 0 {
		return fmt.Errorf("DTABLE_TOKEN_TTL must be positive, got %s", c.DTable.TokenTTL)
	}
	if c.DTable.Timeout <= 0 {
		return fmt.Errorf("DTABLE_TIMEOUT must be positive, got %s", c.DTable.Timeout)
	}
	return nil
}

func (c *Config) validateNATS() error {
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("NATS_STORE_DIR is required when the embedded server is enabled")
	}
	if err := validateNATSURL(c.NATS.URL); err != nil {
		return fmt.Errorf("NATS_URL is invalid: %w", err)
	}
	if c.NATS.StreamName == "" || strings.ContainsAny(c.NATS.StreamName, ".*> ") {
		return fmt.Errorf("NATS_STREAM_NAME %q is not a valid stream name", c.NATS.StreamName)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.Interval < time.Second {
		return fmt.Errorf("SCHEDULER_INTERVAL must be at least 1s, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.ExecutionTimeout <= 0 {
		return fmt.Errorf("SCHEDULER_EXEC_TIMEOUT must be positive, got %s", c.Scheduler.ExecutionTimeout)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("LOG_LEVEL %q is invalid", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
