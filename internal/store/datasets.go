// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const datasetSyncColumns = `id, dataset_id, dst_dtable_uuid, dst_table_id, sync_interval,
	is_sync_periodically, last_sync_time, is_valid, invalid_reason`

func scanDatasetSync(row interface{ Scan(...any) error }) (*DatasetSync, error) {
	var ds DatasetSync
	var last sql.NullTime
	if err := row.Scan(&ds.ID, &ds.DatasetID, &ds.DstDTableUUID, &ds.DstTableID, &ds.SyncInterval,
		&ds.IsSyncPeriodically, &last, &ds.IsValid, &ds.InvalidReason); err != nil {
		return nil, err
	}
	ds.LastSyncTime = timeOf(last)
	return &ds, nil
}

// CreateCommonDataset inserts a dataset and sets its ID.
func (s *Store) CreateCommonDataset(ctx context.Context, d *CommonDataset) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_common_dataset (
		org_id, dtable_uuid, table_id, view_id, dataset_name, creator, is_valid, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.OrgID, d.DTableUUID, d.TableID, d.ViewID, d.DatasetName, d.Creator, d.IsValid, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert common dataset: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetCommonDataset loads one dataset.
func (s *Store) GetCommonDataset(ctx context.Context, id int64) (*CommonDataset, error) {
	var d CommonDataset
	var created sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, org_id, dtable_uuid, table_id, view_id, dataset_name,
		creator, is_valid, created_at FROM dtable_common_dataset WHERE id = ?`, id).
		Scan(&d.ID, &d.OrgID, &d.DTableUUID, &d.TableID, &d.ViewID, &d.DatasetName, &d.Creator, &d.IsValid, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("common dataset %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get common dataset %d: %w", id, err)
	}
	d.CreatedAt = timeOf(created)
	return &d, nil
}

// CreateDatasetSync inserts a sync and sets its ID.
func (s *Store) CreateDatasetSync(ctx context.Context, ds *DatasetSync) error {
	if ds.SyncInterval == "" {
		ds.SyncInterval = SyncPerDay
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_common_dataset_sync (
		dataset_id, dst_dtable_uuid, dst_table_id, sync_interval, is_sync_periodically,
		last_sync_time, is_valid, invalid_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.DatasetID, ds.DstDTableUUID, ds.DstTableID, ds.SyncInterval, ds.IsSyncPeriodically,
		nullTime(ds.LastSyncTime), ds.IsValid, ds.InvalidReason)
	if err != nil {
		return fmt.Errorf("insert dataset sync: %w", err)
	}
	ds.ID, err = res.LastInsertId()
	return err
}

// GetDatasetSync loads one sync.
func (s *Store) GetDatasetSync(ctx context.Context, id int64) (*DatasetSync, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetSyncColumns+`
		FROM dtable_common_dataset_sync WHERE id = ?`, id)
	ds, err := scanDatasetSync(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset sync %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset sync %d: %w", id, err)
	}
	return ds, nil
}

// ListDueDatasetSyncs returns the periodic syncs whose interval has elapsed
// at now and whose dataset is still valid.
func (s *Store) ListDueDatasetSyncs(ctx context.Context, now time.Time) ([]*DatasetSync, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.dataset_id, s.dst_dtable_uuid, s.dst_table_id,
		s.sync_interval, s.is_sync_periodically, s.last_sync_time, s.is_valid, s.invalid_reason
		FROM dtable_common_dataset_sync s
		JOIN dtable_common_dataset d ON d.id = s.dataset_id
		WHERE s.is_sync_periodically = ? AND s.is_valid = ? AND d.is_valid = ?
		ORDER BY s.id`, true, true, true)
	if err != nil {
		return nil, fmt.Errorf("query dataset syncs: %w", err)
	}
	defer rows.Close()

	var due []*DatasetSync
	for rows.Next() {
		ds, err := scanDatasetSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset sync: %w", err)
		}
		if ds.Due(now) {
			due = append(due, ds)
		}
	}
	return due, rows.Err()
}

// RecordDatasetSync stores the sync time and the destination table the
// first sync created.
func (s *Store) RecordDatasetSync(ctx context.Context, id int64, dstTableID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_common_dataset_sync SET last_sync_time = ?, dst_table_id = ? WHERE id = ?`,
		at.UTC(), dstTableID, id)
	if err != nil {
		return fmt.Errorf("record dataset sync %d: %w", id, err)
	}
	return expectOne(res, "dataset sync", id)
}

// SetDatasetSyncDestination stores the destination table a first sync
// created, before any rows are copied into it.
func (s *Store) SetDatasetSyncDestination(ctx context.Context, id int64, dstTableID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_common_dataset_sync SET dst_table_id = ? WHERE id = ?`, dstTableID, id)
	if err != nil {
		return fmt.Errorf("set dataset sync %d destination: %w", id, err)
	}
	return expectOne(res, "dataset sync", id)
}

// MarkDatasetSyncInvalid disables a sync with a reason.
func (s *Store) MarkDatasetSyncInvalid(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_common_dataset_sync SET is_valid = ?, invalid_reason = ? WHERE id = ?`,
		false, truncate(reason, 1024), id)
	if err != nil {
		return fmt.Errorf("invalidate dataset sync %d: %w", id, err)
	}
	return expectOne(res, "dataset sync", id)
}
