// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package tasks accepts export, import and dataset sync requests, queues
// them on the task topic and runs them in the background.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/dtable-events/internal/cache"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/transfer"
	"github.com/tomtom215/dtable-events/internal/validation"
)

// Type names a kind of task.
type Type string

// Task types.
const (
	TypeExportView  Type = "export_view"
	TypeImportFile  Type = "import_file"
	TypeSyncDataset Type = "sync_dataset"
)

// State is the lifecycle position of a task.
type State string

// Task states.
const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// ErrUnknownType is returned for a task type this service does not run.
var ErrUnknownType = errors.New("unknown task type")

// ErrInvalidParams wraps decode and validation failures of task params.
var ErrInvalidParams = errors.New("invalid task params")

// Task is the message published on the task topic.
type Task struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Params      json.RawMessage `json:"params"`
	Username    string          `json:"username,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// SyncParams selects the dataset sync to run.
type SyncParams struct {
	SyncID int64 `json:"sync_id" validate:"required,gt=0"`
}

// Status is what callers poll for.
type Status struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	State      State     `json:"state"`
	Path       string    `json:"path,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the task reached a final state.
func (s *Status) Done() bool {
	return s.State == StateSuccess || s.State == StateFailed
}

// Publisher publishes to a topic. *events.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// Statuses holds task states until their TTL expires.
type Statuses struct {
	c *cache.Cache[Status]
}

// NewStatuses creates a status store. Entries expire ttl after creation.
func NewStatuses(ttl time.Duration) *Statuses {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Statuses{c: cache.New[Status](ttl, 10*time.Minute)}
}

// Get returns a copy of the task's status.
func (s *Statuses) Get(id string) (Status, bool) {
	return s.c.Get(id)
}

func (s *Statuses) put(st Status) {
	s.c.Set(st.ID, st)
}

// update changes a known status or stores it when the task was queued by
// another process.
func (s *Statuses) update(t *Task, fn func(*Status)) {
	ok := s.c.Update(t.ID, func(st Status) Status {
		fn(&st)
		return st
	})
	if ok {
		return
	}
	st := Status{ID: t.ID, Type: t.Type, State: StatePending, CreatedAt: t.SubmittedAt}
	fn(&st)
	s.put(st)
}

// Close stops the expiry loop.
func (s *Statuses) Close() {
	s.c.Close()
}

// Queue validates and publishes tasks.
type Queue struct {
	pub      Publisher
	statuses *Statuses
	now      func() time.Time
}

// NewQueue creates a task queue publishing through pub.
func NewQueue(pub Publisher, statuses *Statuses) *Queue {
	return &Queue{pub: pub, statuses: statuses, now: time.Now}
}

// Submit validates params for the task type, records the task as pending
// and publishes it on the task topic.
func (q *Queue) Submit(ctx context.Context, typ Type, params json.RawMessage, username string) (*Status, error) {
	if err := validateParams(typ, params); err != nil {
		return nil, err
	}
	t := &Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Params:      params,
		Username:    username,
		SubmittedAt: q.now().UTC(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	st := Status{ID: t.ID, Type: typ, State: StatePending, CreatedAt: t.SubmittedAt}
	q.statuses.put(st)

	msg := message.NewMessage(t.ID, data)
	msg.Metadata.Set("task_type", string(typ))
	if err := q.pub.Publish(ctx, events.TasksTopic, msg); err != nil {
		q.statuses.c.Delete(t.ID)
		return nil, fmt.Errorf("publish task: %w", err)
	}
	return &st, nil
}

// validateParams decodes params into the request type of typ and checks it.
func validateParams(typ Type, params json.RawMessage) error {
	var target any
	switch typ {
	case TypeExportView:
		target = &transfer.ExportRequest{}
	case TypeImportFile:
		target = &transfer.ImportRequest{}
	case TypeSyncDataset:
		target = &SyncParams{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("%w: decode %s params: %w", ErrInvalidParams, typ, err)
	}
	if err := validation.ValidateStruct(target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}
