// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/dataset"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
	"github.com/tomtom215/dtable-events/internal/transfer"
)

// Transferer runs exports and imports. *transfer.Service implements it.
type Transferer interface {
	ExportView(ctx context.Context, req transfer.ExportRequest) (*transfer.Result, error)
	ImportFile(ctx context.Context, req transfer.ImportRequest) (*transfer.Result, error)
}

// Syncer runs one dataset sync. *dataset.Syncer implements it.
type Syncer interface {
	Sync(ctx context.Context, syncID int64) (*dataset.Result, error)
}

// Runner executes tasks consumed from the task topic.
type Runner struct {
	transfer Transferer
	syncer   Syncer
	statuses *Statuses
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRunner creates a runner. A zero timeout leaves tasks unbounded.
func NewRunner(t Transferer, s Syncer, statuses *Statuses, timeout time.Duration) *Runner {
	return &Runner{
		transfer: t,
		syncer:   s,
		statuses: statuses,
		timeout:  timeout,
		logger:   logging.WithComponent("tasks"),
	}
}

// Handle is the router handler for the task topic. Task failures are
// recorded in the status and the message is acked; only an undecodable
// message is rejected.
func (r *Runner) Handle(msg *message.Message) error {
	var t Task
	if err := json.Unmarshal(msg.Payload, &t); err != nil || t.ID == "" {
		if err == nil {
			err = fmt.Errorf("task without id")
		}
		r.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed task")
		return events.NewPermanentError("parse task", err)
	}

	if st, ok := r.statuses.Get(t.ID); ok && st.Done() {
		return nil
	}

	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.ContextWithCorrelationID(ctx, t.ID)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.statuses.update(&t, func(s *Status) { s.State = StateRunning })
	start := time.Now()
	path, result, err := r.run(ctx, &t)

	r.statuses.update(&t, func(s *Status) {
		s.FinishedAt = time.Now().UTC()
		if err != nil {
			s.State, s.Error = StateFailed, err.Error()
			return
		}
		s.State, s.Path, s.Result = StateSuccess, path, result
	})

	state := StateSuccess
	if err != nil {
		state = StateFailed
		logging.Ctx(ctx).Warn().Err(err).Str("task_id", t.ID).Str("type", string(t.Type)).Msg("Task failed")
	} else {
		logging.Ctx(ctx).Info().Str("task_id", t.ID).Str("type", string(t.Type)).
			Dur("duration", time.Since(start)).Msg("Task finished")
	}
	metrics.TasksTotal.WithLabelValues(string(t.Type), string(state)).Inc()
	return nil
}

func (r *Runner) run(ctx context.Context, t *Task) (path string, result any, err error) {
	if err := validateParams(t.Type, t.Params); err != nil {
		return "", nil, err
	}
	switch t.Type {
	case TypeExportView:
		var req transfer.ExportRequest
		if err := json.Unmarshal(t.Params, &req); err != nil {
			return "", nil, err
		}
		if req.Username == "" {
			req.Username = t.Username
		}
		res, err := r.transfer.ExportView(ctx, req)
		if err != nil {
			return "", nil, err
		}
		return res.Path, res, nil
	case TypeImportFile:
		var req transfer.ImportRequest
		if err := json.Unmarshal(t.Params, &req); err != nil {
			return "", nil, err
		}
		res, err := r.transfer.ImportFile(ctx, req)
		if err != nil {
			return "", nil, err
		}
		return "", res, nil
	default:
		var p SyncParams
		if err := json.Unmarshal(t.Params, &p); err != nil {
			return "", nil, err
		}
		res, err := r.syncer.Sync(ctx, p.SyncID)
		if err != nil {
			return "", nil, err
		}
		return "", res, nil
	}
}
