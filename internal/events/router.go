// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// Router wraps the Watermill router with the middleware stack every
// handler shares. From outer to inner:
//
//  1. poison queue: messages still failing after retries are parked
//  2. retry with exponential backoff
//  3. poison queue for PermanentError, skipping the retries
//  4. panic recovery
type Router struct {
	router   *message.Router
	config   RouterConfig
	logger   watermill.LoggerAdapter
	running  atomic.Bool
	handlers map[string]*message.Handler
}

// NewRouter builds a router. A nil poisonPublisher disables the poison
// queue; failed messages are then nacked and redelivered by JetStream.
func NewRouter(cfg *RouterConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}
	if cfg == nil {
		def := DefaultRouterConfig()
		cfg = &def
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:   wmRouter,
		config:   *cfg,
		logger:   logger,
		handlers: make(map[string]*message.Handler),
	}

	withPoison := poisonPublisher != nil && cfg.PoisonQueueTopic != ""
	if withPoison {
		poison, err := middleware.PoisonQueue(poisonPublisher, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	if withPoison {
		permanent, err := middleware.PoisonQueueWithFilter(poisonPublisher, cfg.PoisonQueueTopic, IsPermanentError)
		if err != nil {
			return nil, fmt.Errorf("create permanent poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(permanent)
	}

	wmRouter.AddMiddleware(middleware.Recoverer)

	return r, nil
}

// AddConsumerHandler registers a handler without output messages.
func (r *Router) AddConsumerHandler(name, topic string, subscriber message.Subscriber, handler message.NoPublishHandlerFunc) *message.Handler {
	h := r.router.AddConsumerHandler(name, topic, subscriber, handler)
	r.handlers[name] = h
	return h
}

// Start runs the router in the background and returns once it is
// processing, or with the run error.
func (r *Router) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		r.running.Store(true)
		defer r.running.Store(false)
		if err := r.router.Run(ctx); err != nil {
			r.logger.Error("Router error", err, nil)
			errCh <- err
		}
	}()

	select {
	case <-r.router.Running():
		r.logger.Info("Event router started", watermill.LogFields{"handlers": len(r.handlers)})
		return nil
	case err := <-errCh:
		return fmt.Errorf("run router: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the router, waiting up to CloseTimeout for in-flight
// messages.
func (r *Router) Shutdown(_ context.Context) error {
	return r.router.Close()
}

// Running closes once the router is processing messages.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// IsRunning reports whether the router is processing messages.
func (r *Router) IsRunning() bool {
	return r.running.Load() && r.router.IsRunning()
}
