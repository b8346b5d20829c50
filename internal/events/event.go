// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package events carries table-change events from dtable-server to the rule
// engines over NATS JetStream.
//
// dtable-server publishes one TableEvent per row operation on the subject
// "table-events.<op_type>". A Watermill router consumes the stream with
// panic recovery, retry and a poison queue, and the Dispatcher fans every
// event out to the registered Consumers (automation, notification, webhook
// forwarding and activity recording).
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/dtable-events/internal/models"
)

// SchemaVersion is the current TableEvent schema version.
const SchemaVersion = 1

// Operation types emitted by dtable-server.
const (
	OpInsertRow  = "insert_row"
	OpAppendRows = "append_rows"
	OpModifyRow  = "modify_row"
	OpModifyRows = "modify_rows"
	OpDeleteRow  = "delete_row"
	OpDeleteRows = "delete_rows"
)

// TopicPrefix is the subject prefix of table events.
const TopicPrefix = "table-events."

// TopicAll subscribes to every table event.
const TopicAll = TopicPrefix + ">"

var validOps = map[string]bool{
	OpInsertRow:  true,
	OpAppendRows: true,
	OpModifyRow:  true,
	OpModifyRows: true,
	OpDeleteRow:  true,
	OpDeleteRows: true,
}

// Validation errors.
var (
	ErrMissingEventID    = errors.New("event_id is required")
	ErrMissingDTableUUID = errors.New("dtable_uuid is required")
	ErrMissingTableID    = errors.New("table_id is required")
	ErrInvalidOpType     = errors.New("invalid op_type")
	ErrNoRows            = errors.New("event carries no rows")
	ErrMissingRowID      = errors.New("row_id is required")
)

// CellChange is one modified cell. Keys are column keys.
type CellChange struct {
	ColumnKey  string `json:"column_key"`
	ColumnName string `json:"column_name,omitempty"`
	ColumnType string `json:"column_type,omitempty"`
	OldValue   any    `json:"old_value"`
	Value      any    `json:"value"`
}

// RowChange is one row touched by an operation. Row is the row after the
// change keyed by column name; OldRow is only set for modifications.
type RowChange struct {
	RowID   string       `json:"row_id"`
	RowName string       `json:"row_name,omitempty"`
	Row     models.Row   `json:"row,omitempty"`
	OldRow  models.Row   `json:"old_row,omitempty"`
	Cells   []CellChange `json:"cells,omitempty"`
}

// ChangedKeys lists the column keys of the modified cells.
func (r *RowChange) ChangedKeys() []string {
	keys := make([]string, 0, len(r.Cells))
	for _, c := range r.Cells {
		keys = append(keys, c.ColumnKey)
	}
	return keys
}

// TableEvent is one row operation on one table.
type TableEvent struct {
	SchemaVersion int    `json:"schema_version,omitempty"`
	EventID       string `json:"event_id"`

	OpType     string    `json:"op_type"`
	DTableUUID string    `json:"dtable_uuid"`
	OrgID      int64     `json:"org_id,omitempty"`
	TableID    string    `json:"table_id"`
	TableName  string    `json:"table_name"`
	OpUser     string    `json:"op_user"`
	OpTime     time.Time `json:"op_time"`
	// OpApp names the API token app when the change came through the API.
	OpApp string `json:"op_app,omitempty"`

	Rows []RowChange `json:"rows"`
}

// NewTableEvent creates an event with a fresh id and the current time.
func NewTableEvent(opType, dtableUUID, tableID, tableName, opUser string) *TableEvent {
	return &TableEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		OpType:        opType,
		DTableUUID:    dtableUUID,
		TableID:       tableID,
		TableName:     tableName,
		OpUser:        opUser,
		OpTime:        time.Now().UTC(),
	}
}

// Validate checks the fields every consumer relies on.
func (e *TableEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.DTableUUID == "" {
		return ErrMissingDTableUUID
	}
	if e.TableID == "" {
		return ErrMissingTableID
	}
	if !validOps[e.OpType] {
		return fmt.Errorf("%w: %q", ErrInvalidOpType, e.OpType)
	}
	if len(e.Rows) == 0 {
		return ErrNoRows
	}
	for i := range e.Rows {
		if e.Rows[i].RowID == "" {
			return fmt.Errorf("row %d: %w", i, ErrMissingRowID)
		}
	}
	return nil
}

// Topic returns the subject the event is published on.
func (e *TableEvent) Topic() string {
	return TopicPrefix + e.OpType
}

// IsInsert reports insert_row and append_rows.
func (e *TableEvent) IsInsert() bool {
	return e.OpType == OpInsertRow || e.OpType == OpAppendRows
}

// IsModify reports modify_row and modify_rows.
func (e *TableEvent) IsModify() bool {
	return e.OpType == OpModifyRow || e.OpType == OpModifyRows
}

// IsDelete reports delete_row and delete_rows.
func (e *TableEvent) IsDelete() bool {
	return e.OpType == OpDeleteRow || e.OpType == OpDeleteRows
}
