// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package activity records row operations for the base activity feed.
package activity

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/store"
)

// Store persists activities. *store.Store implements it.
type Store interface {
	InsertActivities(ctx context.Context, activities []*store.Activity) error
}

// Detail is the JSON stored with each activity.
type Detail struct {
	TableName string              `json:"table_name"`
	Cells     []events.CellChange `json:"cells,omitempty"`
	Row       models.Row          `json:"row_data,omitempty"`
}

// Recorder writes one activity per row change.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder.
func NewRecorder(st Store) *Recorder {
	return &Recorder{store: st}
}

// Name implements events.Consumer.
func (r *Recorder) Name() string { return "activity" }

// Consume stores the event's row changes. Modifications keep the changed
// cells; inserts and deletes keep the row itself.
func (r *Recorder) Consume(ctx context.Context, event *events.TableEvent) error {
	activities := make([]*store.Activity, 0, len(event.Rows))
	for i := range event.Rows {
		change := &event.Rows[i]
		d := Detail{TableName: event.TableName}
		if event.IsModify() && len(change.Cells) > 0 {
			d.Cells = change.Cells
		} else {
			d.Row = change.Row
		}
		detail, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal activity detail for row %s: %w", change.RowID, err)
		}
		activities = append(activities, &store.Activity{
			DTableUUID: event.DTableUUID,
			TableID:    event.TableID,
			RowID:      change.RowID,
			RowName:    change.RowName,
			OpUser:     event.OpUser,
			OpType:     event.OpType,
			OpTime:     event.OpTime,
			OpApp:      event.OpApp,
			Detail:     string(detail),
		})
	}
	if err := r.store.InsertActivities(ctx, activities); err != nil {
		return events.NewRetryableError("insert activities", err)
	}
	return nil
}
