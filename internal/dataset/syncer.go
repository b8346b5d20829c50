// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package dataset replicates a common dataset, one view of a source base,
// into destination tables of other bases.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

// ErrSyncInvalid is returned for a sync that was already marked invalid.
var ErrSyncInvalid = errors.New("dataset sync is invalid")

// Store is the persistence the syncer needs. *store.Store implements it.
type Store interface {
	GetDatasetSync(ctx context.Context, id int64) (*store.DatasetSync, error)
	GetCommonDataset(ctx context.Context, id int64) (*store.CommonDataset, error)
	ListDueDatasetSyncs(ctx context.Context, now time.Time) ([]*store.DatasetSync, error)
	SetDatasetSyncDestination(ctx context.Context, id int64, dstTableID string) error
	RecordDatasetSync(ctx context.Context, id int64, dstTableID string, at time.Time) error
	MarkDatasetSyncInvalid(ctx context.Context, id int64, reason string) error
}

// SchemaClient reads and extends base schemas. *dtable.ServerClient
// implements it.
type SchemaClient interface {
	GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error)
	AddTable(ctx context.Context, dtableUUID, tableName string, columns []dtable.NewColumn) (*models.Table, error)
	InsertColumns(ctx context.Context, dtableUUID, tableName string, columns []dtable.NewColumn) error
}

// RowStore reads and writes rows in bulk. *dtable.DBClient implements it.
type RowStore interface {
	QueryAll(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, maxRows int) ([]models.Row, error)
	InsertRows(ctx context.Context, dtableUUID, tableName string, rows []models.Row) error
	UpdateRows(ctx context.Context, dtableUUID, tableName string, updates []dtable.RowUpdate) error
	DeleteRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error
}

// Result summarizes one sync.
type Result struct {
	SyncID     int64  `json:"sync_id"`
	DstTableID string `json:"dst_table_id"`
	Appended   int    `json:"appended"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
}

// invalidError is a failure caused by the dataset or destination no longer
// existing. The sync is marked invalid with the message.
type invalidError struct{ reason string }

func (e *invalidError) Error() string { return e.reason }

func invalidf(format string, args ...any) error {
	return &invalidError{reason: fmt.Sprintf(format, args...)}
}

// Syncer runs dataset syncs.
type Syncer struct {
	cfg    config.DatasetConfig
	store  Store
	server SchemaClient
	db     RowStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewSyncer creates a syncer.
func NewSyncer(cfg config.DatasetConfig, st Store, server SchemaClient, db RowStore) *Syncer {
	return &Syncer{
		cfg:    cfg,
		store:  st,
		server: server,
		db:     db,
		logger: logging.WithComponent("dataset"),
		now:    time.Now,
	}
}

// Sync copies the dataset's view into the sync's destination table.
func (s *Syncer) Sync(ctx context.Context, syncID int64) (*Result, error) {
	start := time.Now()
	res, err := s.sync(ctx, syncID)

	var ie *invalidError
	if errors.As(err, &ie) {
		s.logger.Warn().Int64("sync_id", syncID).Str("reason", ie.reason).Msg("Marking dataset sync invalid")
		if merr := s.store.MarkDatasetSyncInvalid(ctx, syncID, ie.reason); merr != nil {
			s.logger.Error().Err(merr).Int64("sync_id", syncID).Msg("Failed to mark dataset sync invalid")
		}
	}
	if res == nil {
		res = &Result{SyncID: syncID}
	}
	metrics.RecordDatasetSync(time.Since(start), res.Appended, res.Updated, res.Deleted, err)
	if err != nil {
		return nil, fmt.Errorf("dataset sync %d: %w", syncID, err)
	}
	s.logger.Info().Int64("sync_id", syncID).Int("appended", res.Appended).Int("updated", res.Updated).
		Int("deleted", res.Deleted).Dur("duration", time.Since(start)).Msg("Dataset synced")
	return res, nil
}

func (s *Syncer) sync(ctx context.Context, syncID int64) (*Result, error) {
	ds, err := s.store.GetDatasetSync(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if !ds.IsValid {
		return nil, ErrSyncInvalid
	}
	dataset, err := s.store.GetCommonDataset(ctx, ds.DatasetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidf("dataset %d not found", ds.DatasetID)
	}
	if err != nil {
		return nil, err
	}
	if !dataset.IsValid {
		return nil, invalidf("dataset %d is invalid", ds.DatasetID)
	}

	// Source schema.
	srcMeta, err := s.server.GetMetadata(ctx, dataset.DTableUUID)
	if dtable.IsNotFound(err) {
		return nil, invalidf("source base %s not found", dataset.DTableUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("source metadata: %w", err)
	}
	srcTable, ok := srcMeta.TableByID(dataset.TableID)
	if !ok {
		return nil, invalidf("source table %s not found", dataset.TableID)
	}
	view, ok := srcTable.ViewByID(dataset.ViewID)
	if !ok {
		return nil, invalidf("source view %s not found", dataset.ViewID)
	}
	columns := SyncColumns(srcTable, view)
	if len(columns) == 0 {
		return nil, invalidf("view %s has no syncable columns", view.Name)
	}

	// Destination schema.
	dst, err := s.ensureDestination(ctx, ds, dataset, columns)
	if err != nil {
		return nil, err
	}

	// Rows.
	names := make([]string, 0, len(columns)+1)
	names = append(names, models.RowIDKey)
	for _, c := range columns {
		names = append(names, c.Name)
	}
	srcQuery := sqlgen.FromView(*srcTable, *view)
	srcQuery.Select = names
	srcQuery.Username = dataset.Creator
	srcQuery.Now = s.now()
	srcRows, err := s.db.QueryAll(ctx, dataset.DTableUUID, srcQuery, s.batchSize(), s.cfg.MaxRows)
	if err != nil {
		var cnf *sqlgen.ColumnNotFoundError
		if errors.As(err, &cnf) {
			return nil, invalidf("source view: %v", err)
		}
		return nil, fmt.Errorf("read source rows: %w", err)
	}
	dstRows, err := s.db.QueryAll(ctx, ds.DstDTableUUID, sqlgen.Query{
		TableName: dst.Name,
		Columns:   dst.Columns,
		Select:    names,
		Now:       s.now(),
	}, s.batchSize(), 0)
	if err != nil {
		return nil, fmt.Errorf("read destination rows: %w", err)
	}

	diff := Diff(srcRows, dstRows, columns)
	res := &Result{SyncID: syncID, DstTableID: dst.ID}
	if err := s.apply(ctx, ds.DstDTableUUID, dst.Name, diff, res); err != nil {
		return res, err
	}
	if err := s.store.RecordDatasetSync(ctx, syncID, dst.ID, s.now()); err != nil {
		return res, err
	}
	return res, nil
}

// ensureDestination returns the destination table, creating it on the
// first sync and adding columns the view gained since.
func (s *Syncer) ensureDestination(ctx context.Context, ds *store.DatasetSync, dataset *store.CommonDataset,
	columns []dtable.NewColumn) (*models.Table, error) {
	meta, err := s.server.GetMetadata(ctx, ds.DstDTableUUID)
	if dtable.IsNotFound(err) {
		return nil, invalidf("destination base %s not found", ds.DstDTableUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("destination metadata: %w", err)
	}

	if ds.DstTableID == "" {
		name := dataset.DatasetName
		if _, taken := meta.TableByName(name); taken {
			name = fmt.Sprintf("%s (%d)", name, ds.ID)
		}
		table, err := s.server.AddTable(ctx, ds.DstDTableUUID, name, columns)
		if err != nil {
			return nil, fmt.Errorf("create destination table: %w", err)
		}
		// A failed copy is retried into this table, not a new one.
		if err := s.store.SetDatasetSyncDestination(ctx, ds.ID, table.ID); err != nil {
			return nil, fmt.Errorf("save destination table %s: %w", table.ID, err)
		}
		ds.DstTableID = table.ID
		return table, nil
	}

	table, ok := meta.TableByID(ds.DstTableID)
	if !ok {
		return nil, invalidf("destination table %s not found", ds.DstTableID)
	}
	var missing []dtable.NewColumn
	for _, c := range columns {
		if _, ok := table.ColumnByName(c.Name); !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		if err := s.server.InsertColumns(ctx, ds.DstDTableUUID, table.Name, missing); err != nil {
			return nil, fmt.Errorf("add destination columns: %w", err)
		}
	}
	return table, nil
}

func (s *Syncer) apply(ctx context.Context, dtableUUID, tableName string, d *Changes, res *Result) error {
	n := s.batchSize()
	for i := 0; i < len(d.Append); i += n {
		batch := d.Append[i:min(i+n, len(d.Append))]
		if err := s.db.InsertRows(ctx, dtableUUID, tableName, batch); err != nil {
			return fmt.Errorf("append rows: %w", err)
		}
		res.Appended += len(batch)
	}
	for i := 0; i < len(d.Update); i += n {
		batch := d.Update[i:min(i+n, len(d.Update))]
		if err := s.db.UpdateRows(ctx, dtableUUID, tableName, batch); err != nil {
			return fmt.Errorf("update rows: %w", err)
		}
		res.Updated += len(batch)
	}
	for i := 0; i < len(d.Delete); i += n {
		batch := d.Delete[i:min(i+n, len(d.Delete))]
		if err := s.db.DeleteRows(ctx, dtableUUID, tableName, batch); err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}
		res.Deleted += len(batch)
	}
	return nil
}

func (s *Syncer) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return 1000
}

// SyncDue runs every periodic sync whose interval elapsed at now. Failed
// syncs are logged and do not stop the others.
func (s *Syncer) SyncDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueDatasetSyncs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due dataset syncs: %w", err)
	}
	synced := 0
	for _, ds := range due {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if _, err := s.Sync(ctx, ds.ID); err != nil {
			s.logger.Warn().Err(err).Int64("sync_id", ds.ID).Msg("Periodic dataset sync failed")
			continue
		}
		synced++
	}
	return synced, nil
}

// Changes is the difference between source and destination rows.
type Changes struct {
	Append []models.Row
	Update []dtable.RowUpdate
	Delete []string
}

// Diff matches rows by _id. Destination rows keep the source _id, so a row
// is appended once and updated in place afterwards.
func Diff(src, dst []models.Row, columns []dtable.NewColumn) *Changes {
	existing := make(map[string]models.Row, len(dst))
	for _, row := range dst {
		if id := models.RowID(row); id != "" {
			existing[id] = row
		}
	}

	d := &Changes{}
	seen := make(map[string]bool, len(src))
	for _, row := range src {
		id := models.RowID(row)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		values := make(models.Row, len(columns)+1)
		for _, c := range columns {
			if v, ok := row[c.Name]; ok && v != nil {
				values[c.Name] = v
			}
		}
		old, ok := existing[id]
		if !ok {
			values[models.RowIDKey] = id
			d.Append = append(d.Append, values)
			continue
		}
		changed := make(models.Row)
		for _, c := range columns {
			nv, ov := values[c.Name], old[c.Name]
			if !equalValues(nv, ov) {
				changed[c.Name] = nv
			}
		}
		if len(changed) > 0 {
			d.Update = append(d.Update, dtable.RowUpdate{RowID: id, Row: changed})
		}
	}
	for _, row := range dst {
		if id := models.RowID(row); id != "" && !seen[id] {
			d.Delete = append(d.Delete, id)
		}
	}
	return d
}

func equalValues(a, b any) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}
