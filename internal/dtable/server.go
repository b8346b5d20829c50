// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package dtable contains the HTTP clients for the sibling SeaTable
// services: dtable-server (base metadata and row writes), dtable-db (SQL
// queries and bulk writes) and dtable-web (users). All three authenticate
// with JWTs signed by the shared private key and sit behind a circuit
// breaker.
package dtable

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/models"
)

// RowUpdate is one entry of a batch update.
type RowUpdate struct {
	RowID string     `json:"row_id"`
	Row   models.Row `json:"row"`
}

// NewColumn describes a column to create.
type NewColumn struct {
	Name string         `json:"column_name"`
	Type string         `json:"column_type"`
	Data map[string]any `json:"column_data,omitempty"`
}

// Notification is one in-app message for notifications-batch.
type Notification struct {
	ToUser  string         `json:"to_user"`
	MsgType string         `json:"msg_type"`
	Detail  map[string]any `json:"detail"`
}

// ServerClient talks to dtable-server.
type ServerClient struct {
	rest   *restClient
	tokens *TokenIssuer
}

// NewServerClient creates a dtable-server client.
func NewServerClient(cfg config.DTableConfig, tokens *TokenIssuer, opts ...Option) *ServerClient {
	return &ServerClient{
		rest:   newRestClient("dtable-server", cfg.ServerURL, cfg.Timeout, opts...),
		tokens: tokens,
	}
}

func (c *ServerClient) auth(dtableUUID string) authFunc {
	return tokenAuth(func() (string, error) {
		return c.tokens.ForDTable(dtableUUID, PermissionReadWrite)
	})
}

func dtablePath(dtableUUID, suffix string) string {
	return "/api/v1/dtables/" + url.PathEscape(dtableUUID) + suffix
}

// GetMetadata fetches the schema of a base.
func (c *ServerClient) GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error) {
	var out struct {
		Metadata models.Metadata `json:"metadata"`
	}
	if err := c.rest.do(ctx, http.MethodGet, dtablePath(dtableUUID, "/metadata/"), c.auth(dtableUUID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Metadata, nil
}

// AppendRow adds one row and returns it with its new _id.
func (c *ServerClient) AppendRow(ctx context.Context, dtableUUID, tableName string, row models.Row) (models.Row, error) {
	body := map[string]any{"table_name": tableName, "row": row}
	var out models.Row
	if err := c.rest.do(ctx, http.MethodPost, dtablePath(dtableUUID, "/rows/"), c.auth(dtableUUID), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchAppendRows adds several rows in one call.
func (c *ServerClient) BatchAppendRows(ctx context.Context, dtableUUID, tableName string, rows []models.Row) error {
	body := map[string]any{"table_name": tableName, "rows": rows}
	return c.rest.do(ctx, http.MethodPost, dtablePath(dtableUUID, "/batch-append-rows/"), c.auth(dtableUUID), body, nil)
}

// UpdateRow overwrites the given cells of one row.
func (c *ServerClient) UpdateRow(ctx context.Context, dtableUUID, tableName, rowID string, row models.Row) error {
	body := map[string]any{"table_name": tableName, "row_id": rowID, "row": row}
	return c.rest.do(ctx, http.MethodPut, dtablePath(dtableUUID, "/rows/"), c.auth(dtableUUID), body, nil)
}

// BatchUpdateRows updates several rows in one call.
func (c *ServerClient) BatchUpdateRows(ctx context.Context, dtableUUID, tableName string, updates []RowUpdate) error {
	body := map[string]any{"table_name": tableName, "updates": updates}
	return c.rest.do(ctx, http.MethodPut, dtablePath(dtableUUID, "/batch-update-rows/"), c.auth(dtableUUID), body, nil)
}

// DeleteRows removes rows by id.
func (c *ServerClient) DeleteRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error {
	body := map[string]any{"table_name": tableName, "row_ids": rowIDs}
	return c.rest.do(ctx, http.MethodDelete, dtablePath(dtableUUID, "/batch-delete-rows/"), c.auth(dtableUUID), body, nil)
}

// LockRows locks rows against edits.
func (c *ServerClient) LockRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error {
	body := map[string]any{"table_name": tableName, "row_ids": rowIDs}
	return c.rest.do(ctx, http.MethodPut, dtablePath(dtableUUID, "/lock-rows/"), c.auth(dtableUUID), body, nil)
}

// UpdateLinks replaces the linked rows of rowID in a link column.
func (c *ServerClient) UpdateLinks(ctx context.Context, dtableUUID, linkID, tableID, otherTableID, rowID string, otherRowIDs []string) error {
	body := map[string]any{
		"link_id":        linkID,
		"table_id":       tableID,
		"other_table_id": otherTableID,
		"row_id":         rowID,
		"other_rows_ids": otherRowIDs,
	}
	return c.rest.do(ctx, http.MethodPut, dtablePath(dtableUUID, "/links/"), c.auth(dtableUUID), body, nil)
}

// AddTable creates a table and returns it as created.
func (c *ServerClient) AddTable(ctx context.Context, dtableUUID, tableName string, columns []NewColumn) (*models.Table, error) {
	body := map[string]any{"table_name": tableName, "columns": columns}
	var out models.Table
	if err := c.rest.do(ctx, http.MethodPost, dtablePath(dtableUUID, "/tables/"), c.auth(dtableUUID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertColumns appends columns to an existing table.
func (c *ServerClient) InsertColumns(ctx context.Context, dtableUUID, tableName string, columns []NewColumn) error {
	body := map[string]any{"table_name": tableName, "columns": columns}
	return c.rest.do(ctx, http.MethodPost, dtablePath(dtableUUID, "/batch-append-columns/"), c.auth(dtableUUID), body, nil)
}

// SendNotifications delivers in-app notifications for a base.
func (c *ServerClient) SendNotifications(ctx context.Context, dtableUUID string, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	body := map[string]any{"user_messages": notifications}
	return c.rest.do(ctx, http.MethodPost, dtablePath(dtableUUID, "/notifications-batch/"), c.auth(dtableUUID), body, nil)
}

// Ping checks that dtable-server answers.
func (c *ServerClient) Ping(ctx context.Context) error {
	return c.rest.do(ctx, http.MethodGet, "/ping/", nil, nil, nil)
}
