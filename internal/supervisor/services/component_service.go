// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package services

import (
	"context"
	"fmt"
	"time"
)

// Component is anything with a non-blocking Start and a bounded Shutdown:
// the event bus, the message manager and the scheduler all fit.
type Component interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ComponentService adapts a Component to suture's blocking Serve.
type ComponentService struct {
	component       Component
	shutdownTimeout time.Duration
	name            string
}

// NewComponentService wraps c under the given service name.
func NewComponentService(name string, c Component, shutdownTimeout time.Duration) *ComponentService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &ComponentService{
		component:       c,
		shutdownTimeout: shutdownTimeout,
		name:            name,
	}
}

// Serve starts the component, waits for cancellation, then shuts it down.
// A Start error is returned so the supervisor backs off and retries.
func (s *ComponentService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.component.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *ComponentService) String() string {
	return s.name
}
