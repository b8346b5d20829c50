// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/middleware"
	"github.com/tomtom215/dtable-events/internal/tasks"
	"github.com/tomtom215/dtable-events/internal/validation"
)

// maxTaskBody bounds POST /tasks bodies.
const maxTaskBody = 1 << 20

type submitTaskRequest struct {
	Type     tasks.Type      `json:"type" validate:"required"`
	Params   json.RawMessage `json:"params"`
	Username string          `json:"username"`
}

// SubmitTask queues a task and answers 202 with its pending status.
// username defaults to the token's user.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req submitTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), err)
		return
	}
	if req.Username == "" {
		if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
			req.Username = claims.Username
		}
	}

	st, err := h.tasks.Submit(r.Context(), req.Type, req.Params, req.Username)
	switch {
	case errors.Is(err, tasks.ErrUnknownType):
		rw.BadRequest(err.Error())
		return
	case errors.Is(err, tasks.ErrInvalidParams):
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), verrs)
			return
		}
		rw.BadRequest(err.Error())
		return
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Str("task_type", string(req.Type)).Msg("Failed to queue task")
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "task queue unavailable")
		return
	}

	logging.Ctx(r.Context()).Info().Str("task_id", st.ID).Str("task_type", string(st.Type)).
		Str("username", req.Username).Msg("Task queued")
	rw.Accepted(st)
}

// TaskStatus returns the status of one task.
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	st, ok := h.statuses.Get(chi.URLParam(r, "id"))
	if !ok {
		rw.NotFound("task not found")
		return
	}
	rw.Success(st)
}

// TaskFile serves the file written by a successful export task.
func (h *Handler) TaskFile(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	st, ok := h.statuses.Get(chi.URLParam(r, "id"))
	if !ok {
		rw.NotFound("task not found")
		return
	}
	if st.State != tasks.StateSuccess || st.Path == "" {
		rw.Error(http.StatusConflict, ErrCodeConflict, "task has no file")
		return
	}

	f, err := os.Open(st.Path)
	if errors.Is(err, os.ErrNotExist) {
		rw.NotFound("task file expired")
		return
	}
	if err != nil {
		rw.InternalError(err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		rw.InternalError(err)
		return
	}

	name := filepath.Base(st.Path)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
