// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dataset

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

const (
	srcUUID = "src-base"
	dstUUID = "dst-base"
)

type fakeStore struct {
	syncs    map[int64]*store.DatasetSync
	datasets map[int64]*store.CommonDataset
	recorded map[int64]string
	invalid  map[int64]string
}

func (f *fakeStore) GetDatasetSync(_ context.Context, id int64) (*store.DatasetSync, error) {
	if ds, ok := f.syncs[id]; ok {
		return ds, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetCommonDataset(_ context.Context, id int64) (*store.CommonDataset, error) {
	if d, ok := f.datasets[id]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListDueDatasetSyncs(_ context.Context, now time.Time) ([]*store.DatasetSync, error) {
	var out []*store.DatasetSync
	for _, ds := range f.syncs {
		if ds.Due(now) {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) RecordDatasetSync(_ context.Context, id int64, dstTableID string, _ time.Time) error {
	f.recorded[id] = dstTableID
	return nil
}

func (f *fakeStore) SetDatasetSyncDestination(_ context.Context, id int64, dstTableID string) error {
	f.syncs[id].DstTableID = dstTableID
	return nil
}

func (f *fakeStore) MarkDatasetSyncInvalid(_ context.Context, id int64, reason string) error {
	f.invalid[id] = reason
	return nil
}

type fakeServer struct {
	metas      map[string]*models.Metadata
	added      []string
	newColumns []dtable.NewColumn
	inserted   []dtable.NewColumn
}

func (f *fakeServer) GetMetadata(_ context.Context, uuid string) (*models.Metadata, error) {
	if m, ok := f.metas[uuid]; ok {
		return m, nil
	}
	return nil, &dtable.APIError{Service: "dtable-server", Status: 404}
}

func (f *fakeServer) AddTable(_ context.Context, uuid, name string, columns []dtable.NewColumn) (*models.Table, error) {
	f.added = append(f.added, name)
	f.newColumns = columns
	table := models.Table{ID: "newt", Name: name}
	for _, c := range columns {
		table.Columns = append(table.Columns, models.Column{Key: c.Name, Name: c.Name, Type: c.Type})
	}
	f.metas[uuid].Tables = append(f.metas[uuid].Tables, table)
	return &table, nil
}

func (f *fakeServer) InsertColumns(_ context.Context, _, _ string, columns []dtable.NewColumn) error {
	f.inserted = append(f.inserted, columns...)
	return nil
}

type fakeDB struct {
	rows     map[string][]models.Row
	maxRows  map[string]int
	queries  []string
	inserted [][]models.Row
	// insertErr fails the next InsertRows call.
	insertErr error
	updated  [][]dtable.RowUpdate
	deleted  [][]string
}

func (f *fakeDB) QueryAll(_ context.Context, uuid string, q sqlgen.Query, _, maxRows int) ([]models.Row, error) {
	sql, err := sqlgen.Build(q)
	if err != nil {
		return nil, err
	}
	f.queries = append(f.queries, sql)
	rows := f.rows[uuid]
	if maxRows > 0 && len(rows) > maxRows {
		return nil, dtable.ErrTooManyRows
	}
	return rows, nil
}

func (f *fakeDB) InsertRows(_ context.Context, _, _ string, rows []models.Row) error {
	if err := f.insertErr; err != nil {
		f.insertErr = nil
		return err
	}
	f.inserted = append(f.inserted, rows)
	return nil
}

func (f *fakeDB) UpdateRows(_ context.Context, _, _ string, updates []dtable.RowUpdate) error {
	f.updated = append(f.updated, updates)
	return nil
}

func (f *fakeDB) DeleteRows(_ context.Context, _, _ string, ids []string) error {
	f.deleted = append(f.deleted, ids)
	return nil
}

func sourceTable() models.Table {
	return models.Table{
		ID:   "t1",
		Name: "Customers",
		Columns: []models.Column{
			{Key: "0000", Name: "Name", Type: "text"},
			{Key: "city", Name: "City", Type: "text"},
			{Key: "rev0", Name: "Revenue", Type: "number"},
			{Key: "sec0", Name: "Secret", Type: "text"},
			{Key: "lnk0", Name: "Orders", Type: "link"},
			{Key: "fml0", Name: "Score", Type: "formula", Data: map[string]any{"result_type": "number", "precision": float64(2), "formula": "{Revenue}/10"}},
			{Key: "ctm0", Name: "Created", Type: "ctime"},
		},
		Views: []models.View{{
			ID:            "v1",
			Name:          "Active",
			Filters:       []models.Filter{{ColumnKey: "rev0", Predicate: "greater", Term: float64(0)}},
			HiddenColumns: []string{"sec0"},
			Sorts:         []models.Sort{{ColumnKey: "0000", SortType: "up"}},
		}},
	}
}

func newSyncer(dstTable *models.Table) (*Syncer, *fakeStore, *fakeServer, *fakeDB) {
	st := &fakeStore{
		syncs: map[int64]*store.DatasetSync{
			1: {ID: 1, DatasetID: 10, DstDTableUUID: dstUUID, IsValid: true, IsSyncPeriodically: true, SyncInterval: store.SyncPerHour},
		},
		datasets: map[int64]*store.CommonDataset{
			10: {ID: 10, DTableUUID: srcUUID, TableID: "t1", ViewID: "v1", DatasetName: "Customers", Creator: "alice", IsValid: true},
		},
		recorded: map[int64]string{},
		invalid:  map[int64]string{},
	}
	dstMeta := &models.Metadata{Tables: []models.Table{{ID: "x", Name: "Customers"}}}
	if dstTable != nil {
		st.syncs[1].DstTableID = dstTable.ID
		dstMeta.Tables = append(dstMeta.Tables, *dstTable)
	}
	server := &fakeServer{metas: map[string]*models.Metadata{
		srcUUID: {Tables: []models.Table{sourceTable()}},
		dstUUID: dstMeta,
	}}
	db := &fakeDB{rows: map[string][]models.Row{}}
	s := NewSyncer(config.DatasetConfig{BatchSize: 2, MaxRows: 100}, st, server, db)
	s.now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return s, st, server, db
}

func TestSyncColumns(t *testing.T) {
	table := sourceTable()
	cols := SyncColumns(&table, &table.Views[0])

	var got []string
	for _, c := range cols {
		got = append(got, c.Name+":"+c.Type)
	}
	want := "Name:text,City:text,Revenue:number,Score:number,Created:date"
	if strings.Join(got, ",") != want {
		t.Errorf("columns = %s, want %s", strings.Join(got, ","), want)
	}
	score := cols[3]
	if score.Data["precision"] != float64(2) || score.Data["formula"] != nil {
		t.Errorf("formula data = %v", score.Data)
	}
}

func TestDiff(t *testing.T) {
	cols := []dtable.NewColumn{{Name: "Name", Type: "text"}, {Name: "Tags", Type: "multiple-select"}}
	src := []models.Row{
		{"_id": "a", "Name": "Ann", "Tags": []any{"x"}},
		{"_id": "b", "Name": "Bob"},
		{"_id": "c", "Name": "Cid", "Tags": []any{}},
		{"_id": "a", "Name": "duplicate"},
		{"Name": "no id"},
	}
	dst := []models.Row{
		{"_id": "a", "Name": "Ann", "Tags": []any{"x"}},
		{"_id": "c", "Name": "Cyd", "Tags": nil},
		{"_id": "z", "Name": "Zed"},
	}
	d := Diff(src, dst, cols)

	if len(d.Append) != 1 || d.Append[0]["_id"] != "b" || d.Append[0]["Name"] != "Bob" {
		t.Errorf("append = %v", d.Append)
	}
	if len(d.Update) != 1 || d.Update[0].RowID != "c" || len(d.Update[0].Row) != 1 || d.Update[0].Row["Name"] != "Cid" {
		t.Errorf("update = %+v", d.Update)
	}
	if len(d.Delete) != 1 || d.Delete[0] != "z" {
		t.Errorf("delete = %v", d.Delete)
	}
}

func TestFirstSyncCreatesTable(t *testing.T) {
	s, st, server, db := newSyncer(nil)
	db.rows[srcUUID] = []models.Row{
		{"_id": "r1", "Name": "Acme", "City": "Oslo", "Revenue": float64(10)},
		{"_id": "r2", "Name": "Beta", "City": "Rome", "Revenue": float64(20)},
		{"_id": "r3", "Name": "Core", "City": "Kyiv", "Revenue": float64(30)},
	}

	res, err := s.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	// The name is taken in the destination base, so the sync id is appended.
	if len(server.added) != 1 || server.added[0] != "Customers (1)" {
		t.Errorf("added tables = %v", server.added)
	}
	if len(server.newColumns) != 5 {
		t.Errorf("new columns = %v", server.newColumns)
	}
	if res.Appended != 3 || res.Updated != 0 || res.Deleted != 0 || res.DstTableID != "newt" {
		t.Errorf("result = %+v", res)
	}
	if len(db.inserted) != 2 || len(db.inserted[0]) != 2 || len(db.inserted[1]) != 1 {
		t.Errorf("insert batches = %v", db.inserted)
	}
	wantSrc := "SELECT `_id`, `Name`, `City`, `Revenue`, `Score`, `Created` FROM `Customers` WHERE `Revenue` > 0 ORDER BY `Name` ASC"
	if db.queries[0] != wantSrc {
		t.Errorf("source query =\n%s\nwant\n%s", db.queries[0], wantSrc)
	}
	if st.recorded[1] != "newt" {
		t.Errorf("recorded = %v", st.recorded)
	}
}

func TestFirstSyncRetryReusesTable(t *testing.T) {
	s, st, server, db := newSyncer(nil)
	db.rows[srcUUID] = []models.Row{{"_id": "r1", "Name": "Acme", "Revenue": float64(10)}}
	db.insertErr = errors.New("dtable-db unavailable")

	if _, err := s.Sync(context.Background(), 1); err == nil {
		t.Fatal("first Sync() succeeded, want the insert error")
	}
	if st.syncs[1].DstTableID != "newt" {
		t.Fatalf("destination after failed sync = %q, want newt", st.syncs[1].DstTableID)
	}
	if _, ok := st.recorded[1]; ok {
		t.Error("failed sync recorded a sync time")
	}

	res, err := s.Sync(context.Background(), 1)
	if err != nil {
		t.Fatalf("retry Sync() error = %v", err)
	}
	if len(server.added) != 1 {
		t.Errorf("added tables = %v, want exactly one", server.added)
	}
	if res.DstTableID != "newt" || res.Appended != 1 || st.recorded[1] != "newt" {
		t.Errorf("result = %+v, recorded = %v", res, st.recorded)
	}
}

func TestIncrementalSync(t *testing.T) {
	dst := &models.Table{ID: "d1", Name: "Copy", Columns: []models.Column{
		{Key: "a", Name: "Name", Type: "text"},
		{Key: "b", Name: "City", Type: "text"},
	}}
	s, _, server, db := newSyncer(dst)
	db.rows[srcUUID] = []models.Row{
		{"_id": "r1", "Name": "Acme", "City": "Oslo"},
		{"_id": "r2", "Name": "Beta", "City": "Milan"},
	}
	db.rows[dstUUID] = []models.Row{
		{"_id": "r1", "Name": "Acme", "City": "Oslo"},
		{"_id": "r2", "Name": "Beta", "City": "Rome"},
		{"_id": "r9", "Name": "Gone"},
	}

	res, err := s.Sync(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Appended != 0 || res.Updated != 1 || res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(server.added) != 0 {
		t.Error("existing destination recreated")
	}
	var added []string
	for _, c := range server.inserted {
		added = append(added, c.Name)
	}
	if strings.Join(added, ",") != "Revenue,Score,Created" {
		t.Errorf("inserted columns = %v", added)
	}
	if db.updated[0][0].Row["City"] != "Milan" || db.deleted[0][0] != "r9" {
		t.Errorf("updated = %+v deleted = %v", db.updated, db.deleted)
	}
}

func TestSyncMarksInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeStore, *fakeServer)
		reason string
	}{
		{"dataset invalid", func(st *fakeStore, _ *fakeServer) { st.datasets[10].IsValid = false }, "dataset 10 is invalid"},
		{"source base gone", func(_ *fakeStore, sv *fakeServer) { delete(sv.metas, srcUUID) }, "source base"},
		{"view gone", func(st *fakeStore, _ *fakeServer) { st.datasets[10].ViewID = "nope" }, "source view nope"},
		{"destination table gone", func(st *fakeStore, _ *fakeServer) { st.syncs[1].DstTableID = "nope" }, "destination table nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st, server, _ := newSyncer(nil)
			tt.mutate(st, server)
			if _, err := s.Sync(context.Background(), 1); err == nil {
				t.Fatal("Sync() succeeded")
			}
			if !strings.Contains(st.invalid[1], tt.reason) {
				t.Errorf("reason = %q, want containing %q", st.invalid[1], tt.reason)
			}
		})
	}
}

func TestSyncRowLimit(t *testing.T) {
	s, st, _, db := newSyncer(nil)
	s.cfg.MaxRows = 2
	db.rows[srcUUID] = []models.Row{{"_id": "1"}, {"_id": "2"}, {"_id": "3"}}

	_, err := s.Sync(context.Background(), 1)
	if !errors.Is(err, dtable.ErrTooManyRows) {
		t.Errorf("error = %v, want ErrTooManyRows", err)
	}
	if _, ok := st.invalid[1]; ok {
		t.Error("oversized dataset marked the sync invalid")
	}
}

func TestSyncDue(t *testing.T) {
	s, st, _, db := newSyncer(nil)
	st.syncs[2] = &store.DatasetSync{ID: 2, DatasetID: 10, DstDTableUUID: dstUUID, IsValid: true,
		IsSyncPeriodically: true, SyncInterval: store.SyncPerDay, LastSyncTime: s.now().Add(-time.Hour)}
	db.rows[srcUUID] = []models.Row{{"_id": "r1", "Name": "A"}}

	n, err := s.SyncDue(context.Background(), s.now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("synced = %d, want 1", n)
	}
	if _, ok := st.recorded[2]; ok {
		t.Error("sync not yet due was run")
	}
}
