// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package api

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/tasks"
)

// TaskSubmitter queues background tasks. *tasks.Queue implements it.
type TaskSubmitter interface {
	Submit(ctx context.Context, typ tasks.Type, params json.RawMessage, username string) (*tasks.Status, error)
}

// TaskStatuses looks up task progress. *tasks.Statuses implements it.
type TaskStatuses interface {
	Get(id string) (tasks.Status, bool)
}

// MetadataReader reads base schemas. *dtable.ServerClient implements it.
type MetadataReader interface {
	GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error)
}

// ReadinessCheck is one named dependency check of /health/ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler implements the API endpoints.
type Handler struct {
	tasks     TaskSubmitter
	statuses  TaskStatuses
	metadata  MetadataReader
	checks    []ReadinessCheck
	startTime time.Time
	now       func() time.Time
}

// NewHandler creates the endpoint handler.
func NewHandler(submitter TaskSubmitter, statuses TaskStatuses, metadata MetadataReader, checks ...ReadinessCheck) *Handler {
	return &Handler{
		tasks:     submitter,
		statuses:  statuses,
		metadata:  metadata,
		checks:    checks,
		startTime: time.Now(),
		now:       time.Now,
	}
}
