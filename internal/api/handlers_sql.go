// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/validation"
)

// maxSQLBody bounds POST /sql bodies; a full table schema is included.
const maxSQLBody = 4 << 20

// sqlRequest is a row query in the view filter DSL. The table is given
// either inline or by base and name, in which case its schema is read from
// dtable-server.
type sqlRequest struct {
	Table      *models.Table `json:"table"`
	DTableUUID string        `json:"dtable_uuid" validate:"omitempty,dtable_uuid"`
	TableName  string        `json:"table_name"`

	Select            []string             `json:"select"`
	Filters           []sqlgen.Filter      `json:"filters"`
	FilterConjunction string               `json:"filter_conjunction" validate:"omitempty,oneof=And Or and or"`
	FilterGroups      []sqlgen.FilterGroup `json:"filter_groups"`
	GroupConjunction  string               `json:"group_conjunction" validate:"omitempty,oneof=And Or and or"`
	RowIDs            []string             `json:"row_ids"`
	Sorts             []sqlgen.Sort        `json:"sorts"`
	Groupbys          []sqlgen.GroupBy     `json:"groupbys"`
	Limit             int                  `json:"limit" validate:"min=0"`
	Offset            int                  `json:"offset" validate:"min=0"`

	// Username and UserID resolve current-user filters.
	Username string `json:"username"`
	UserID   string `json:"user_id"`
	// Timezone anchors relative date filters; defaults to UTC.
	Timezone string `json:"timezone"`
}

type sqlResponse struct {
	SQL string `json:"sql"`
}

// GenerateSQL renders a DSL request to a SELECT statement for dtable-db.
func (h *Handler) GenerateSQL(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req sqlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSQLBody)).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), err)
		return
	}
	loc := time.UTC
	if req.Timezone != "" {
		l, err := time.LoadLocation(req.Timezone)
		if err != nil {
			rw.BadRequest("unknown timezone " + req.Timezone)
			return
		}
		loc = l
	}

	table, ok := h.resolveTable(rw, r, &req)
	if !ok {
		return
	}

	stmt, err := sqlgen.Build(sqlgen.Query{
		TableName:        table.Name,
		Columns:          table.Columns,
		Select:           req.Select,
		Filters:          req.Filters,
		Conjunction:      req.FilterConjunction,
		FilterGroups:     req.FilterGroups,
		GroupConjunction: req.GroupConjunction,
		RowIDs:           req.RowIDs,
		Sorts:            req.Sorts,
		Groupbys:         req.Groupbys,
		Limit:            req.Limit,
		Offset:           req.Offset,
		Username:         req.Username,
		UserID:           req.UserID,
		Now:              h.now().In(loc),
	})
	if err != nil {
		writeSQLError(rw, err)
		return
	}
	rw.Success(sqlResponse{SQL: stmt})
}

func (h *Handler) resolveTable(rw *ResponseWriter, r *http.Request, req *sqlRequest) (*models.Table, bool) {
	if req.Table != nil {
		if req.Table.Name == "" {
			rw.BadRequest("table.name is required")
			return nil, false
		}
		return req.Table, true
	}
	if req.DTableUUID == "" || req.TableName == "" {
		rw.BadRequest("table or dtable_uuid and table_name are required")
		return nil, false
	}
	if h.metadata == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "schema lookup unavailable")
		return nil, false
	}
	md, err := h.metadata.GetMetadata(r.Context(), req.DTableUUID)
	if dtable.IsNotFound(err) {
		rw.NotFound("base not found")
		return nil, false
	}
	if err != nil {
		rw.InternalError(err)
		return nil, false
	}
	table, ok := md.TableByName(req.TableName)
	if !ok {
		rw.NotFound("table " + req.TableName + " not found")
		return nil, false
	}
	return table, true
}

func writeSQLError(rw *ResponseWriter, err error) {
	var colErr *sqlgen.ColumnNotFoundError
	var predErr *sqlgen.PredicateNotSupportedError
	switch {
	case errors.As(err, &colErr):
		rw.Error(http.StatusBadRequest, ErrCodeColumnNotFound, err.Error())
	case errors.As(err, &predErr):
		rw.Error(http.StatusBadRequest, ErrCodeUnsupportedFilter, err.Error())
	default:
		rw.BadRequest(err.Error())
	}
}
