// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/logging"
)

// Bus owns the NATS side of the process: the optional embedded server, a
// monitoring connection, the stream and the shared publisher.
type Bus struct {
	cfg         config.NATSConfig
	url         string
	server      *EmbeddedServer
	conn        *natsgo.Conn
	stream      *StreamInitializer
	publisher   *Publisher
	subscribers []message.Subscriber
	logger      watermill.LoggerAdapter
}

// Connect starts the embedded server when configured, ensures the stream
// and creates the publisher. On error everything already started is torn
// down.
func Connect(ctx context.Context, cfg config.NATSConfig) (_ *Bus, err error) {
	b := &Bus{cfg: cfg, url: cfg.URL, logger: NewWatermillLogger()}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	if cfg.EmbeddedServer {
		b.server, err = NewEmbeddedServer(&ServerConfig{
			Host:              "127.0.0.1",
			Port:              embeddedPort(cfg.URL),
			StoreDir:          cfg.StoreDir,
			JetStreamMaxMem:   cfg.MaxMemory,
			JetStreamMaxStore: cfg.MaxStore,
		})
		if err != nil {
			return nil, err
		}
		b.url = b.server.ClientURL()
		logging.Info().Str("url", b.url).Msg("Embedded NATS server started")
	}

	b.conn, err = natsgo.Connect(b.url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := StreamConfigFrom(cfg)
	b.stream, err = NewStreamInitializer(js, &streamCfg)
	if err != nil {
		return nil, err
	}
	stream, err := b.stream.EnsureStream(ctx)
	if err != nil {
		return nil, err
	}
	info := stream.CachedInfo()
	logging.Info().Str("name", info.Config.Name).Strs("subjects", info.Config.Subjects).
		Dur("max_age", info.Config.MaxAge).Msg("JetStream stream ready")

	b.publisher, err = NewPublisher(DefaultPublisherConfig(b.url), b.logger)
	if err != nil {
		return nil, err
	}
	b.publisher.SetCircuitBreaker(NewCircuitBreaker("nats-publisher"))

	return b, nil
}

// embeddedPort reads the port of the configured URL, defaulting to 4222.
// Port 0 picks a free port.
func embeddedPort(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 4222
	}
	port, err := strconv.Atoi(u.Port())
	switch {
	case err != nil:
		return 4222
	case port == 0:
		return server.RANDOM_PORT
	}
	return port
}

// Publisher returns the shared publisher.
func (b *Bus) Publisher() *Publisher {
	return b.publisher
}

// Logger returns the Watermill logger adapter.
func (b *Bus) Logger() watermill.LoggerAdapter {
	return b.logger
}

// NewSubscriber creates a durable consumer of the stream. Each caller needs
// its own suffix.
func (b *Bus) NewSubscriber(suffix string) (message.Subscriber, error) {
	cfg := SubscriberConfigFrom(b.cfg, b.url, suffix)
	sub, err := NewSubscriber(&cfg, b.logger)
	if err != nil {
		return nil, err
	}
	b.subscribers = append(b.subscribers, sub)
	return sub, nil
}

// NewRouter builds a router whose poison queue publishes through the bus.
func (b *Bus) NewRouter() (*Router, error) {
	rc := RouterConfigFrom(b.cfg)
	return NewRouter(&rc, b.publisher.WatermillPublisher(), b.logger)
}

// Ping reports whether the connection is up and the stream exists.
func (b *Bus) Ping(ctx context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	if !b.stream.IsHealthy(ctx) {
		return fmt.Errorf("stream %s unavailable", b.cfg.StreamName)
	}
	return nil
}

// Close releases subscribers, the publisher, the connection and the
// embedded server, in that order.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error
	for _, sub := range b.subscribers {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown NATS server: %w", err))
		}
	}
	return errors.Join(errs...)
}
