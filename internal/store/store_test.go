// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"github.com/tomtom215/dtable-events/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	if err := Migrate("sqlite://"+path, DialectSQLite); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Running twice is a no-op.
	if err := Migrate("sqlite://"+path, DialectSQLite); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DialectSQLite)
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.MySQLConfig{Host: "db", Port: 3306, User: "seatable", Password: "p@ss", Database: "dtable_db"})
	for _, want := range []string{"seatable:p@ss@tcp(db:3306)/dtable_db", "parseTime=true", "multiStatements=true", "clientFoundRows=true"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

func TestAutomationRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rules := []*AutomationRule{
		{DTableUUID: "base-a", RunCondition: RunPerUpdate, Trigger: `{"condition":"rows_added"}`, Actions: `[]`, Creator: "alice", IsValid: true},
		{DTableUUID: "base-a", RunCondition: RunPerUpdate, Trigger: `{}`, Actions: `[]`, Creator: "alice", IsValid: false},
		{DTableUUID: "base-a", RunCondition: RunPerDay, Trigger: `{}`, Actions: `[]`, Creator: "bob", IsValid: true},
		{DTableUUID: "base-b", RunCondition: RunPerMonth, Trigger: `{}`, Actions: `[]`, Creator: "bob", OrgID: 7, IsValid: true},
	}
	for _, r := range rules {
		if err := s.CreateAutomationRule(ctx, r); err != nil {
			t.Fatalf("CreateAutomationRule: %v", err)
		}
	}

	valid, err := s.ListValidAutomationRules(ctx, "base-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(valid) != 1 || valid[0].ID != rules[0].ID || valid[0].Trigger != rules[0].Trigger {
		t.Fatalf("ListValidAutomationRules = %+v", valid)
	}

	periodic, err := s.ListPeriodicAutomationRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(periodic) != 2 {
		t.Fatalf("periodic rules = %d, want 2", len(periodic))
	}
	if periodic[1].Owner() != "org:7" || periodic[0].Owner() != "bob" {
		t.Errorf("owners = %q, %q", periodic[0].Owner(), periodic[1].Owner())
	}

	at := time.Date(2024, 3, 13, 9, 30, 0, 0, time.UTC)
	if err := s.RecordAutomationTrigger(ctx, rules[2].ID, at); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAutomationRule(ctx, rules[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastTriggerTime.Equal(at) || got.TriggerCount != 1 {
		t.Errorf("after trigger: last=%v count=%d", got.LastTriggerTime, got.TriggerCount)
	}

	if err := s.MarkAutomationRuleInvalid(ctx, rules[0].ID, "column not found"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetAutomationRule(ctx, rules[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsValid || got.InvalidReason != "column not found" {
		t.Errorf("after invalidate: %+v", got)
	}

	if _, err := s.GetAutomationRule(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing rule err = %v", err)
	}
	if err := s.MarkAutomationRuleInvalid(ctx, 9999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invalidate missing err = %v", err)
	}
}

func TestAutomationRunCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	month := MonthKey(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC))
	if month != "2024-03" {
		t.Fatalf("MonthKey = %q", month)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementAutomationRunCount(ctx, "alice", month); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.AutomationRunCount(ctx, "alice", month)
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
	n, err = s.AutomationRunCount(ctx, "alice", "2024-04")
	if err != nil || n != 0 {
		t.Fatalf("other month count = %d, %v", n, err)
	}
}

func TestNotificationRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rules := []*NotificationRule{
		{DTableUUID: "base-a", Trigger: `{"condition":"rows_modified"}`, Action: `{}`, Creator: "alice", IsValid: true},
		{DTableUUID: "base-a", Trigger: `{"condition":"near_deadline"}`, Action: `{}`, Creator: "alice", IsValid: true},
		{DTableUUID: "base-b", Trigger: `{"condition":"near_deadline"}`, Action: `{}`, Creator: "bob", IsValid: false},
	}
	for _, r := range rules {
		if err := s.CreateNotificationRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	byBase, err := s.ListValidNotificationRulesByDTable(ctx, "base-a")
	if err != nil || len(byBase) != 2 {
		t.Fatalf("by base = %d, %v", len(byBase), err)
	}

	periodic, err := s.ListPeriodicNotificationRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(periodic) != 1 || periodic[0].ID != rules[1].ID {
		t.Fatalf("periodic = %+v", periodic)
	}

	at := time.Date(2024, 3, 13, 8, 0, 0, 0, time.UTC)
	if err := s.RecordNotificationTrigger(ctx, rules[1].ID, at); err != nil {
		t.Fatal(err)
	}
	periodic, _ = s.ListPeriodicNotificationRules(ctx)
	if !periodic[0].LastTriggerTime.Equal(at) {
		t.Errorf("last trigger = %v", periodic[0].LastTriggerTime)
	}

	if err := s.MarkNotificationRuleInvalid(ctx, rules[0].ID); err != nil {
		t.Fatal(err)
	}
	byBase, _ = s.ListValidNotificationRulesByDTable(ctx, "base-a")
	if len(byBase) != 1 {
		t.Errorf("after invalidate = %d", len(byBase))
	}
}

func TestThirdPartyAccounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &ThirdPartyAccount{DTableUUID: "base-a", AccountType: AccountWeChatRobot, AccountName: "ops", Detail: `{"webhook_url":"https://example.com"}`}
	if err := s.CreateThirdPartyAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThirdPartyAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountType != AccountWeChatRobot || got.Detail != a.Detail {
		t.Errorf("got %+v", got)
	}
	if _, err := s.GetThirdPartyAccount(ctx, a.ID+1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestDatasetSyncs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

	ds := &CommonDataset{DTableUUID: "src", TableID: "0000", ViewID: "0000", DatasetName: "Customers", IsValid: true}
	if err := s.CreateCommonDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}
	dead := &CommonDataset{DTableUUID: "src", TableID: "1111", ViewID: "0000", DatasetName: "Old", IsValid: false}
	if err := s.CreateCommonDataset(ctx, dead); err != nil {
		t.Fatal(err)
	}

	syncs := []*DatasetSync{
		{DatasetID: ds.ID, DstDTableUUID: "dst-1", SyncInterval: SyncPerHour, IsSyncPeriodically: true, IsValid: true, LastSyncTime: now.Add(-2 * time.Hour)},
		{DatasetID: ds.ID, DstDTableUUID: "dst-2", SyncInterval: SyncPerDay, IsSyncPeriodically: true, IsValid: true, LastSyncTime: now.Add(-2 * time.Hour)},
		{DatasetID: ds.ID, DstDTableUUID: "dst-3", IsSyncPeriodically: true, IsValid: true},
		{DatasetID: ds.ID, DstDTableUUID: "dst-4", IsSyncPeriodically: false, IsValid: true},
		{DatasetID: dead.ID, DstDTableUUID: "dst-5", IsSyncPeriodically: true, IsValid: true},
	}
	for _, sy := range syncs {
		if err := s.CreateDatasetSync(ctx, sy); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.ListDueDatasetSyncs(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	var dsts []string
	for _, d := range due {
		dsts = append(dsts, d.DstDTableUUID)
	}
	if strings.Join(dsts, ",") != "dst-1,dst-3" {
		t.Fatalf("due = %v, want dst-1,dst-3", dsts)
	}

	if err := s.SetDatasetSyncDestination(ctx, syncs[3].ID, "tbl4"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetDatasetSync(ctx, syncs[3].ID); err != nil || got.DstTableID != "tbl4" || !got.LastSyncTime.IsZero() {
		t.Errorf("after set destination: %+v, %v", got, err)
	}
	if err := s.SetDatasetSyncDestination(ctx, 9999, "tbl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing sync error = %v, want ErrNotFound", err)
	}

	if err := s.RecordDatasetSync(ctx, syncs[2].ID, "tbl9", now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDatasetSync(ctx, syncs[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DstTableID != "tbl9" || !got.LastSyncTime.Equal(now) {
		t.Errorf("after record: %+v", got)
	}

	if err := s.MarkDatasetSyncInvalid(ctx, syncs[0].ID, "source view deleted"); err != nil {
		t.Fatal(err)
	}
	due, _ = s.ListDueDatasetSyncs(ctx, now)
	if len(due) != 0 {
		t.Errorf("due after updates = %d", len(due))
	}

	gotDS, err := s.GetCommonDataset(ctx, ds.ID)
	if err != nil || gotDS.DatasetName != "Customers" {
		t.Errorf("GetCommonDataset = %+v, %v", gotDS, err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"cjk within width", "数据表", 3, "数据表"},
		{"cjk crosses width", "数据表格", 3, "数据表"},
		{"mixed", "a数b据c", 4, "a数b据"},
		{"invalid bytes dropped", "ab\xffcd", 3, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) is not valid UTF-8", tt.in, tt.n)
			}
		})
	}
}

func TestActivityRowNameTruncatedOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	name := strings.Repeat("表", 1030)

	if err := s.InsertActivities(ctx, []*Activity{{DTableUUID: "base", TableID: "0000", RowID: "r1", RowName: name,
		OpUser: "alice", OpType: "insert_row", OpTime: time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC), Detail: "{}"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListActivities(ctx, "base", 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("ListActivities = %v, %v", got, err)
	}
	if n := utf8.RuneCountInString(got[0].RowName); n != 1024 || !utf8.ValidString(got[0].RowName) {
		t.Errorf("row name runes = %d, valid = %v", n, utf8.ValidString(got[0].RowName))
	}
}

func TestDatasetSyncDue(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sync DatasetSync
		want bool
	}{
		{"never synced", DatasetSync{IsValid: true, IsSyncPeriodically: true}, true},
		{"not periodic", DatasetSync{IsValid: true}, false},
		{"invalid", DatasetSync{IsSyncPeriodically: true}, false},
		{"hourly elapsed", DatasetSync{IsValid: true, IsSyncPeriodically: true, SyncInterval: SyncPerHour, LastSyncTime: now.Add(-time.Hour)}, true},
		{"hourly pending", DatasetSync{IsValid: true, IsSyncPeriodically: true, SyncInterval: SyncPerHour, LastSyncTime: now.Add(-59 * time.Minute)}, false},
		{"daily pending", DatasetSync{IsValid: true, IsSyncPeriodically: true, SyncInterval: SyncPerDay, LastSyncTime: now.Add(-23 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sync.Due(now); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhooks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w := &Webhook{DTableUUID: "base-a", URL: "https://hooks.example.com/a", Secret: "s3", Creator: "alice", IsValid: true}
	if err := s.CreateWebhook(ctx, w); err != nil {
		t.Fatal(err)
	}
	other := &Webhook{DTableUUID: "base-b", URL: "https://hooks.example.com/b", Creator: "bob", IsValid: true}
	if err := s.CreateWebhook(ctx, other); err != nil {
		t.Fatal(err)
	}

	hooks, err := s.ListValidWebhooksByDTable(ctx, "base-a")
	if err != nil || len(hooks) != 1 || hooks[0].Secret != "s3" {
		t.Fatalf("hooks = %+v, %v", hooks, err)
	}
	if err := s.MarkWebhookInvalid(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	// Invalidating twice still finds the row.
	if err := s.MarkWebhookInvalid(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	hooks, _ = s.ListValidWebhooksByDTable(ctx, "base-a")
	if len(hooks) != 0 {
		t.Errorf("hooks after invalidate = %d", len(hooks))
	}
}

func TestActivities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

	acts := []*Activity{
		{DTableUUID: "base-a", TableID: "0000", RowID: "r1", RowName: "Task 1", OpUser: "alice", OpType: "insert_row", OpTime: base},
		{DTableUUID: "base-a", TableID: "0000", RowID: "r1", RowName: "Task 1", OpUser: "bob", OpType: "modify_row", OpTime: base.Add(time.Minute), Detail: `{"Status":"Done"}`},
		{DTableUUID: "base-b", TableID: "0000", RowID: "r9", OpUser: "bob", OpType: "delete_row", OpTime: base},
	}
	if err := s.InsertActivities(ctx, acts); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertActivities(ctx, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListActivities(ctx, "base-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].OpType != "modify_row" || got[1].Detail != "{}" {
		t.Fatalf("activities = %+v", got)
	}
}
