// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/message"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

const testUUID = "b1c2d3e4-0000-4000-8000-000000000002"

type fakeStore struct {
	rules    []*store.NotificationRule
	invalid  map[int64]bool
	triggers map[int64]time.Time
}

func (f *fakeStore) ListValidNotificationRulesByDTable(_ context.Context, uuid string) ([]*store.NotificationRule, error) {
	var out []*store.NotificationRule
	for _, r := range f.rules {
		if r.DTableUUID == uuid && r.IsValid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPeriodicNotificationRules(context.Context) ([]*store.NotificationRule, error) {
	var out []*store.NotificationRule
	for _, r := range f.rules {
		if r.IsValid && strings.Contains(r.Trigger, ConditionNearDeadline) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationRuleInvalid(_ context.Context, id int64) error {
	f.invalid[id] = true
	return nil
}

func (f *fakeStore) RecordNotificationTrigger(_ context.Context, id int64, at time.Time) error {
	f.triggers[id] = at
	return nil
}

type fakeServer struct{ meta *models.Metadata }

func (f *fakeServer) GetMetadata(context.Context, string) (*models.Metadata, error) {
	return f.meta, nil
}

type fakeDB struct {
	rows    []models.Row
	queries []string
}

func (f *fakeDB) QueryAll(_ context.Context, _ string, q sqlgen.Query, _, _ int) ([]models.Row, error) {
	sql, err := sqlgen.Build(q)
	if err != nil {
		return nil, err
	}
	f.queries = append(f.queries, sql)
	return f.rows, nil
}

func (f *fakeDB) Query(_ context.Context, _, sql string) (*dtable.QueryResult, error) {
	f.queries = append(f.queries, sql)
	return &dtable.QueryResult{Rows: f.rows}, nil
}

type fakeMessenger struct {
	jobs []message.Job
	// batches holds the size of each Deliver call.
	batches []int
	failIDs map[string]bool
}

func (f *fakeMessenger) Send(_ context.Context, job message.Job) message.DeliveryResult {
	f.jobs = append(f.jobs, job)
	if f.failIDs[job.ID] {
		return message.DeliveryResult{ErrorCode: message.ErrorCodeConnectionFailed, ErrorMessage: "down", IsTransient: true}
	}
	return message.DeliveryResult{Success: true}
}

func (f *fakeMessenger) Deliver(ctx context.Context, jobs []message.Job) *message.Report {
	f.batches = append(f.batches, len(jobs))
	report := &message.Report{}
	for _, job := range jobs {
		r := f.Send(ctx, job)
		report.Results = append(report.Results, r)
		if r.Success {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	return report
}

func testMetadata() *models.Metadata {
	return &models.Metadata{Tables: []models.Table{{
		ID:   "0000",
		Name: "Tasks",
		Columns: []models.Column{
			{Key: "0000", Name: "Name", Type: "text"},
			{Key: "stat", Name: "Status", Type: "text"},
			{Key: "due0", Name: "Due", Type: "date"},
			{Key: "own0", Name: "Owner", Type: "collaborator"},
		},
		Views: []models.View{{ID: "v1", Name: "Mine"}},
	}}}
}

type harness struct {
	store     *fakeStore
	db        *fakeDB
	messenger *fakeMessenger
	engine    *Engine
}

func newHarness(rules ...*store.NotificationRule) *harness {
	h := &harness{
		store:     &fakeStore{rules: rules, invalid: map[int64]bool{}, triggers: map[int64]time.Time{}},
		db:        &fakeDB{},
		messenger: &fakeMessenger{},
	}
	h.engine = NewEngine(config.NotificationConfig{MaxRows: 20}, h.store, &fakeServer{meta: testMetadata()}, h.db, h.messenger)
	return h
}

func rule(id int64, trigger, action string) *store.NotificationRule {
	return &store.NotificationRule{ID: id, DTableUUID: testUUID, Trigger: trigger, Action: action, Creator: "alice", IsValid: true}
}

func event(op string, row, old models.Row, changed ...string) *events.TableEvent {
	e := events.NewTableEvent(op, testUUID, "0000", "Tasks", "bob")
	c := events.RowChange{RowID: "r1", Row: row, OldRow: old}
	for _, k := range changed {
		c.Cells = append(c.Cells, events.CellChange{ColumnKey: k})
	}
	e.Rows = []events.RowChange{c}
	return e
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		trigger string
		action  string
		wantErr bool
	}{
		{"valid", `{"table_id":"0000","condition":"rows_added"}`, `{"users":["a"],"msg":"x"}`, false},
		{"column recipients only", `{"table_id":"0000","condition":"rows_added"}`, `{"users_column_key":"own0"}`, false},
		{"deadline without date column", `{"table_id":"0000","condition":"near_deadline"}`, `{"users":["a"]}`, true},
		{"no recipients", `{"table_id":"0000","condition":"rows_added"}`, `{"msg":"x"}`, true},
		{"unknown condition", `{"table_id":"0000","condition":"sometimes"}`, `{"users":["a"]}`, true},
		{"broken JSON", `{`, `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(rule(1, tt.trigger, tt.action))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errInvalidRule) {
				t.Errorf("error %v does not wrap errInvalidRule", err)
			}
		})
	}
}

func TestHandleEvent(t *testing.T) {
	const filters = `"filters":[{"column_key":"stat","filter_predicate":"is","filter_term":"Blocked"}]`
	tests := []struct {
		name    string
		trigger string
		event   *events.TableEvent
		want    bool
	}{
		{"added", `{"table_id":"0000","condition":"rows_added"}`, event(events.OpAppendRows, models.Row{"Name": "a"}, nil), true},
		{"added ignores modify", `{"table_id":"0000","condition":"rows_added"}`, event(events.OpModifyRow, models.Row{}, nil, "stat"), false},
		{"modified watched", `{"table_id":"0000","condition":"rows_modified","column_keys":["stat"]}`, event(events.OpModifyRow, models.Row{}, nil, "stat"), true},
		{"modified unwatched", `{"table_id":"0000","condition":"rows_modified","column_keys":["stat"]}`, event(events.OpModifyRow, models.Row{}, nil, "0000"), false},
		{"filters newly satisfied", `{"table_id":"0000","condition":"filters_satisfy",` + filters + `}`,
			event(events.OpModifyRow, models.Row{"Status": "Blocked"}, models.Row{"Status": "Open"}, "stat"), true},
		{"filters already satisfied", `{"table_id":"0000","condition":"filters_satisfy",` + filters + `}`,
			event(events.OpModifyRow, models.Row{"Status": "Blocked", "Name": "b"}, models.Row{"Name": "a"}, "0000"), false},
		{"deletes ignored", `{"table_id":"0000","condition":"rows_added"}`, event(events.OpDeleteRow, models.Row{}, nil), false},
		{"deadline rules ignore events", `{"table_id":"0000","condition":"near_deadline","date_column_key":"due0"}`,
			event(events.OpInsertRow, models.Row{}, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(rule(1, tt.trigger, `{"users":["lead"],"users_column_key":"own0","msg":"{Name} is {Status}"}`))
			if err := h.engine.HandleEvent(context.Background(), tt.event); err != nil {
				t.Fatal(err)
			}
			if got := len(h.messenger.jobs) == 1; got != tt.want {
				t.Fatalf("notified = %v, want %v", got, tt.want)
			}
			if _, recorded := h.store.triggers[1]; recorded != tt.want {
				t.Errorf("trigger recorded = %v, want %v", recorded, tt.want)
			}
		})
	}
}

func TestNotificationContent(t *testing.T) {
	h := newHarness(rule(3, `{"table_id":"0000","condition":"rows_added","rule_name":"New"}`,
		`{"users":["lead"],"users_column_key":"own0","msg":"{Name} is {Status}"}`))
	row := models.Row{"Name": "Fix login", "Status": "Open", "Owner": []any{"carol", "lead"}}
	if err := h.engine.HandleEvent(context.Background(), event(events.OpInsertRow, row, nil)); err != nil {
		t.Fatal(err)
	}
	job := h.messenger.jobs[0]
	if job.Channel != message.ChannelInApp || job.Params.NotificationType != "notification_rules" {
		t.Errorf("job = %+v", job)
	}
	if got := strings.Join(job.Params.To, ","); got != "lead,carol" {
		t.Errorf("recipients = %s", got)
	}
	d := job.Params.Detail
	if d["msg"] != "Fix login is Open" || d["rule_id"] != int64(3) || d["rule_name"] != "New" {
		t.Errorf("detail = %v", d)
	}
	if ids := d["row_id_list"].([]string); ids[0] != "r1" {
		t.Errorf("row ids = %v", ids)
	}
}

func TestMissingTableMarksInvalid(t *testing.T) {
	h := newHarness(rule(4, `{"table_id":"0000","view_id":"gone","condition":"rows_added"}`, `{"users":["a"]}`))
	if err := h.engine.HandleEvent(context.Background(), event(events.OpInsertRow, models.Row{}, nil)); err != nil {
		t.Fatal(err)
	}
	if !h.store.invalid[4] {
		t.Error("rule with a missing view not marked invalid")
	}
}

func TestScanDeadlines(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 15, 0, 0, time.UTC)
	deadline := rule(1, `{"table_id":"0000","condition":"near_deadline","date_column_key":"due0","alarm_days":3,"notify_hour":9,
		"filters":[{"column_key":"stat","filter_predicate":"is_not","filter_term":"Done"}]}`,
		`{"users_column_key":"own0","msg":"{Name} is due {Due}"}`)
	otherHour := rule(2, `{"table_id":"0000","condition":"near_deadline","date_column_key":"due0","alarm_days":1,"notify_hour":17}`,
		`{"users":["a"]}`)
	ranToday := rule(3, `{"table_id":"0000","condition":"near_deadline","date_column_key":"due0","alarm_days":1,"notify_hour":9}`,
		`{"users":["a"]}`)
	ranToday.LastTriggerTime = now.Add(-10 * time.Minute)

	h := newHarness(deadline, otherHour, ranToday)
	h.db.rows = []models.Row{
		{"_id": "r1", "Name": "Report", "Due": "2026-05-05", "Owner": []any{"carol"}},
		{"_id": "r2", "Name": "Audit", "Due": "2026-05-06", "Owner": []any{"dave"}},
	}

	ran, err := h.engine.ScanDeadlines(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
	if len(h.db.queries) != 1 {
		t.Fatalf("queries = %v", h.db.queries)
	}
	want := "SELECT * FROM `Tasks` WHERE (`Due` >= '2026-05-04' and `Due` < '2026-05-08') and `Status` <> 'Done' ORDER BY `Due` ASC LIMIT 0, 20"
	if h.db.queries[0] != want {
		t.Errorf("query =\n%s\nwant\n%s", h.db.queries[0], want)
	}
	if len(h.messenger.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(h.messenger.jobs))
	}
	if len(h.messenger.batches) != 1 || h.messenger.batches[0] != 2 {
		t.Errorf("deliver batches = %v, want one batch of 2", h.messenger.batches)
	}
	if h.messenger.jobs[1].Params.To[0] != "dave" || h.messenger.jobs[1].Params.Detail["msg"] != "Audit is due 2026-05-06" {
		t.Errorf("second job = %+v", h.messenger.jobs[1].Params)
	}
	if !h.store.triggers[1].Equal(now) {
		t.Errorf("trigger = %v", h.store.triggers[1])
	}
}

func TestScanDeadlinesDeliveryFailureStillRecords(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	h := newHarness(rule(1, `{"table_id":"0000","condition":"near_deadline","date_column_key":"due0","alarm_days":2,"notify_hour":9}`,
		`{"users":["a"],"msg":"{Name}"}`))
	h.db.rows = []models.Row{{"_id": "r1", "Name": "A"}, {"_id": "r2", "Name": "B"}}
	h.messenger.failIDs = map[string]bool{"notification-1-r1": true}

	ran, err := h.engine.ScanDeadlines(context.Background(), now)
	if err != nil || ran != 1 {
		t.Fatalf("ScanDeadlines() = %d, %v", ran, err)
	}
	if len(h.messenger.jobs) != 2 {
		t.Errorf("jobs = %d, want both rows attempted", len(h.messenger.jobs))
	}
	if !h.store.triggers[1].Equal(now) {
		t.Errorf("trigger = %v, want %v", h.store.triggers[1], now)
	}
	if h.store.invalid[1] {
		t.Error("delivery failure marked the rule invalid")
	}
}

func TestScanDeadlinesMissingDateColumn(t *testing.T) {
	h := newHarness(rule(5, `{"table_id":"0000","condition":"near_deadline","date_column_key":"gone","notify_hour":9}`, `{"users":["a"]}`))
	if _, err := h.engine.ScanDeadlines(context.Background(), time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	if !h.store.invalid[5] {
		t.Error("rule not marked invalid")
	}
}
