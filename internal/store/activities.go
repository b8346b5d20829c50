// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertActivities writes activities in one transaction.
func (s *Store) InsertActivities(ctx context.Context, activities []*Activity) error {
	if len(activities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activity insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO activities (
		dtable_uuid, table_id, row_id, row_name, op_user, op_type, op_time, op_app, detail
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare activity insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range activities {
		if a.Detail == "" {
			a.Detail = "{}"
		}
		res, err := stmt.ExecContext(ctx, a.DTableUUID, a.TableID, a.RowID, truncate(a.RowName, 1024),
			a.OpUser, a.OpType, a.OpTime.UTC(), a.OpApp, a.Detail)
		if err != nil {
			return fmt.Errorf("insert activity for row %s: %w", a.RowID, err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListActivities returns the newest activities of a base.
func (s *Store) ListActivities(ctx context.Context, dtableUUID string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, dtable_uuid, table_id, row_id, row_name, op_user,
		op_type, op_time, op_app, detail FROM activities
		WHERE dtable_uuid = ? ORDER BY op_time DESC, id DESC LIMIT ?`, dtableUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		var opTime sql.NullTime
		if err := rows.Scan(&a.ID, &a.DTableUUID, &a.TableID, &a.RowID, &a.RowName, &a.OpUser,
			&a.OpType, &opTime, &a.OpApp, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.OpTime = timeOf(opTime)
		out = append(out, &a)
	}
	return out, rows.Err()
}
