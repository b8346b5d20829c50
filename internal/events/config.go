// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"time"

	"github.com/tomtom215/dtable-events/internal/config"
)

// TasksTopic carries dtable-io task requests.
const TasksTopic = "dtable-io.tasks"

// DefaultPoisonQueueTopic receives messages that failed all retries.
const DefaultPoisonQueueTopic = "table-events-dlq"

// ServerConfig holds embedded NATS server settings. Port -1 picks a free
// port.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// PublisherConfig holds publisher connection settings.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool // nolint:revive // ID is correct per Go conventions
}

// DefaultPublisherConfig returns production defaults for url.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds durable consumer settings.
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration
	// StreamName binds the consumer to an existing stream. Required for
	// wildcard topics such as "table-events.>".
	StreamName string
}

// StreamConfig defines the JetStream stream.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// RouterConfig holds router middleware settings.
type RouterConfig struct {
	CloseTimeout         time.Duration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
	PoisonQueueTopic     string
}

// DefaultRouterConfig returns production router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     DefaultPoisonQueueTopic,
	}
}

// StreamConfigFrom derives the stream from service configuration. The
// stream also stores task requests and poisoned messages.
func StreamConfigFrom(cfg config.NATSConfig) StreamConfig {
	dlq := cfg.RouterPoisonQueueTopic
	if dlq == "" {
		dlq = DefaultPoisonQueueTopic
	}
	return StreamConfig{
		Name:            cfg.StreamName,
		Subjects:        []string{TopicAll, TasksTopic, dlq},
		MaxAge:          cfg.StreamRetention,
		MaxBytes:        cfg.MaxStore / 2,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// SubscriberConfigFrom derives a consumer of the event stream. suffix keeps
// durable names apart when several consumers share the stream.
func SubscriberConfigFrom(cfg config.NATSConfig, url, suffix string) SubscriberConfig {
	durable := cfg.DurableName
	queue := cfg.QueueGroup
	if suffix != "" {
		durable += "-" + suffix
		queue += "-" + suffix
	}
	return SubscriberConfig{
		URL:              url,
		DurableName:      durable,
		QueueGroup:       queue,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		MaxDeliver:       cfg.MaxDeliver,
		MaxAckPending:    1000,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		StreamName:       cfg.StreamName,
	}
}

// RouterConfigFrom derives router settings from service configuration.
func RouterConfigFrom(cfg config.NATSConfig) RouterConfig {
	rc := DefaultRouterConfig()
	rc.RetryMaxRetries = cfg.RouterRetryCount
	if cfg.RouterRetryInitialInterval > 0 {
		rc.RetryInitialInterval = cfg.RouterRetryInitialInterval
	}
	if cfg.RouterPoisonQueueTopic != "" {
		rc.PoisonQueueTopic = cfg.RouterPoisonQueueTopic
	}
	if cfg.RouterCloseTimeout > 0 {
		rc.CloseTimeout = cfg.RouterCloseTimeout
	}
	return rc
}
