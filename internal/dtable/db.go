// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dtable

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// ErrTooManyRows is returned by QueryAll when a result exceeds its cap.
var ErrTooManyRows = errors.New("query result exceeds row limit")

// QueryResult is one dtable-db query response.
type QueryResult struct {
	Rows    []models.Row    `json:"results"`
	Columns []models.Column `json:"metadata"`
}

// DBClient talks to dtable-db.
type DBClient struct {
	rest   *restClient
	tokens *TokenIssuer
}

// NewDBClient creates a dtable-db client.
func NewDBClient(cfg config.DTableConfig, tokens *TokenIssuer, opts ...Option) *DBClient {
	return &DBClient{
		rest:   newRestClient("dtable-db", cfg.DBURL, cfg.Timeout, opts...),
		tokens: tokens,
	}
}

func (c *DBClient) auth(dtableUUID string) authFunc {
	return tokenAuth(func() (string, error) {
		return c.tokens.ForDTable(dtableUUID, PermissionReadWrite)
	})
}

// Query runs SQL against a base. Rows come back keyed by column name.
func (c *DBClient) Query(ctx context.Context, dtableUUID, sql string) (*QueryResult, error) {
	body := map[string]any{"sql": sql, "convert_keys": true}
	var out struct {
		Success bool `json:"success"`
		QueryResult
		ErrorMessage string `json:"error_message"`
	}
	path := "/api/v1/query/" + url.PathEscape(dtableUUID) + "/"
	if err := c.rest.do(ctx, http.MethodPost, path, c.auth(dtableUUID), body, &out); err != nil {
		return nil, err
	}
	if !out.Success && out.ErrorMessage != "" {
		return nil, &APIError{Service: "dtable-db", Method: http.MethodPost, Path: path, Status: http.StatusBadRequest, Body: out.ErrorMessage}
	}
	return &out.QueryResult, nil
}

// QueryAll pages q with pageSize until a short page. maxRows > 0 caps the
// total; exceeding it returns ErrTooManyRows.
func (c *DBClient) QueryAll(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, maxRows int) ([]models.Row, error) {
	rows, more, err := c.QueryFirst(ctx, dtableUUID, q, pageSize, maxRows)
	if err != nil {
		return nil, err
	}
	if more {
		return nil, ErrTooManyRows
	}
	return rows, nil
}

// QueryFirst pages q like QueryAll but stops after n rows (n <= 0 means no
// cap). more reports whether further rows matched.
func (c *DBClient) QueryFirst(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, n int) (rows []models.Row, more bool, err error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	for offset := 0; ; offset += pageSize {
		limit := pageSize
		// One row past the cap tells whether there are more.
		if n > 0 && n-len(rows)+1 < limit {
			limit = n - len(rows) + 1
		}
		q.Offset = offset
		q.Limit = limit
		sql, err := sqlgen.Build(q)
		if err != nil {
			return nil, false, err
		}
		res, err := c.Query(ctx, dtableUUID, sql)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, res.Rows...)
		if n > 0 && len(rows) > n {
			return rows[:n], true, nil
		}
		if len(res.Rows) < limit {
			return rows, false, nil
		}
	}
}

// InsertRows appends rows in bulk. Rows may carry their own _id.
func (c *DBClient) InsertRows(ctx context.Context, dtableUUID, tableName string, rows []models.Row) error {
	body := map[string]any{"table_name": tableName, "rows": rows}
	return c.rest.do(ctx, http.MethodPost, "/api/v1/insert-rows/"+url.PathEscape(dtableUUID), c.auth(dtableUUID), body, nil)
}

// UpdateRows updates rows in bulk.
func (c *DBClient) UpdateRows(ctx context.Context, dtableUUID, tableName string, updates []RowUpdate) error {
	body := map[string]any{"table_name": tableName, "updates": updates}
	return c.rest.do(ctx, http.MethodPost, "/api/v1/update-rows/"+url.PathEscape(dtableUUID), c.auth(dtableUUID), body, nil)
}

// DeleteRows deletes rows in bulk.
func (c *DBClient) DeleteRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error {
	body := map[string]any{"table_name": tableName, "row_ids": rowIDs}
	return c.rest.do(ctx, http.MethodDelete, "/api/v1/delete-rows/"+url.PathEscape(dtableUUID), c.auth(dtableUUID), body, nil)
}

// Ping checks that dtable-db answers.
func (c *DBClient) Ping(ctx context.Context) error {
	return c.rest.do(ctx, http.MethodGet, "/ping/", nil, nil, nil)
}
