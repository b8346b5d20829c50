// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/dtable-events/internal/models"
)

// Wednesday.
var fixedNow = time.Date(2024, time.March, 13, 10, 30, 0, 0, time.UTC)

func selectOptions(pairs ...string) map[string]any {
	opts := make([]any, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		opts = append(opts, map[string]any{"id": pairs[i], "name": pairs[i+1]})
	}
	return map[string]any{"options": opts}
}

func testColumns() []models.Column {
	return []models.Column{
		{Key: "0000", Name: "Name", Type: "text"},
		{Key: "age0", Name: "Age", Type: "number"},
		{Key: "done", Name: "Done", Type: "checkbox"},
		{Key: "due0", Name: "Due", Type: "date"},
		{Key: "stat", Name: "Status", Type: "single-select", Data: selectOptions("o1", "Open", "o2", "Done")},
		{Key: "tags", Name: "Tags", Type: "multiple-select", Data: selectOptions("t1", "Red", "t2", "Blue")},
		{Key: "ownr", Name: "Owner", Type: "collaborator"},
		{Key: "_creator", Name: "Creator", Type: "creator"},
		{Key: "dept", Name: "Dept", Type: "department-single-select"},
		{Key: "scor", Name: "Score", Type: "formula", Data: map[string]any{"result_type": "number"}},
		{Key: "fdat", Name: "Next", Type: "formula", Data: map[string]any{"result_type": "date"}},
		{Key: "farr", Name: "Picked", Type: "link-formula", Data: map[string]any{
			"result_type": "array", "array_type": "single-select", "array_data": selectOptions("a1", "A"),
		}},
		{Key: "link", Name: "Link", Type: "link", Data: map[string]any{"array_type": "text"}},
		{Key: "file", Name: "Attachment", Type: "file"},
		{Key: "btn0", Name: "Go", Type: "button"},
		{Key: "mtim", Name: "Modified", Type: "mtime"},
	}
}

func column(t *testing.T, key string) models.Column {
	t.Helper()
	c, ok := models.FindColumn(testColumns(), key, "")
	if !ok {
		t.Fatalf("no test column %q", key)
	}
	return *c
}

func TestFragment(t *testing.T) {
	opts := Options{Username: "alice@example.com", UserID: "42", Now: fixedNow}

	tests := []struct {
		name   string
		key    string
		filter Filter
		want   string
	}{
		// text
		{"text contains escapes quote", "0000", Filter{Predicate: "contains", Term: "ab'c"}, "`Name` like '%ab\\'c%'"},
		{"text does not contain", "0000", Filter{Predicate: "does_not_contain", Term: "x"}, "`Name` not like '%x%'"},
		{"text is", "0000", Filter{Predicate: "is", Term: `back\slash`}, "`Name` = 'back\\\\slash'"},
		{"text is not", "0000", Filter{Predicate: "is_not", Term: "a"}, "`Name` <> 'a'"},
		{"text empty term skipped", "0000", Filter{Predicate: "contains", Term: ""}, ""},
		{"text is empty", "0000", Filter{Predicate: "is_empty"}, "`Name` is null"},
		{"text is not empty", "0000", Filter{Predicate: "is_not_empty"}, "`Name` is not null"},
		{"text current user id", "0000", Filter{Predicate: "is_current_user_ID"}, "`Name` = '42'"},

		// number
		{"number greater", "age0", Filter{Predicate: "greater", Term: float64(18)}, "`Age` > 18"},
		{"number equal string term", "age0", Filter{Predicate: "equal", Term: "1.50"}, "`Age` = 1.5"},
		{"number not equal", "age0", Filter{Predicate: "not_equal", Term: "3"}, "`Age` <> 3"},
		{"number less or equal", "age0", Filter{Predicate: "less_or_equal", Term: "-2"}, "`Age` <= -2"},
		{"number empty term skipped", "age0", Filter{Predicate: "less", Term: nil}, ""},

		// checkbox
		{"checkbox true", "done", Filter{Predicate: "is", Term: true}, "`Done` = true"},
		{"checkbox false includes null", "done", Filter{Predicate: "is", Term: false}, "(`Done` = false or `Done` is null)"},

		// date
		{"date is exact", "due0", Filter{Predicate: "is", Term: "2024-03-01", TermModifier: "exact_date"},
			"(`Due` >= '2024-03-01' and `Due` < '2024-03-02')"},
		{"date is exact with time", "due0", Filter{Predicate: "is", Term: "2024-03-01 08:00", TermModifier: "exact_date"},
			"(`Due` >= '2024-03-01' and `Due` < '2024-03-02')"},
		{"date is before today", "due0", Filter{Predicate: "is_before", TermModifier: "today"}, "`Due` < '2024-03-13'"},
		{"date is after tomorrow", "due0", Filter{Predicate: "is_after", TermModifier: "tomorrow"}, "`Due` >= '2024-03-15'"},
		{"date on or before yesterday", "due0", Filter{Predicate: "is_on_or_before", TermModifier: "yesterday"}, "`Due` < '2024-03-13'"},
		{"date on or after days ago", "due0", Filter{Predicate: "is_on_or_after", Term: "3", TermModifier: "number_of_days_ago"}, "`Due` >= '2024-03-10'"},
		{"date days from now", "due0", Filter{Predicate: "is", Term: float64(2), TermModifier: "number_of_days_from_now"},
			"(`Due` >= '2024-03-15' and `Due` < '2024-03-16')"},
		{"date is not week ago", "due0", Filter{Predicate: "is_not", TermModifier: "one_week_ago"},
			"(`Due` < '2024-03-06' or `Due` >= '2024-03-07' or `Due` is null)"},
		{"date one month from now", "due0", Filter{Predicate: "is", TermModifier: "one_month_from_now"},
			"(`Due` >= '2024-04-13' and `Due` < '2024-04-14')"},
		{"date within this week", "due0", Filter{Predicate: "is_within", TermModifier: "this_week"},
			"(`Due` >= '2024-03-11' and `Due` < '2024-03-18')"},
		{"date within this month", "due0", Filter{Predicate: "is_within", TermModifier: "this_month"},
			"(`Due` >= '2024-03-01' and `Due` < '2024-04-01')"},
		{"date within this year", "due0", Filter{Predicate: "is_within", TermModifier: "this_year"},
			"(`Due` >= '2024-01-01' and `Due` < '2025-01-01')"},
		{"date within next days", "due0", Filter{Predicate: "is_within", Term: float64(5), TermModifier: "the_next_numbers_of_days"},
			"(`Due` >= '2024-03-13' and `Due` < '2024-03-19')"},
		{"date within past month", "due0", Filter{Predicate: "is_within", TermModifier: "the_past_month"},
			"(`Due` >= '2024-02-13' and `Due` < '2024-03-14')"},
		{"date exact without term skipped", "due0", Filter{Predicate: "is", TermModifier: "exact_date"}, ""},
		{"mtime uses date rules", "mtim", Filter{Predicate: "is_before", TermModifier: "today"}, "`Modified` < '2024-03-13'"},

		// single select
		{"single select is maps id", "stat", Filter{Predicate: "is", Term: "o2"}, "`Status` = 'Done'"},
		{"single select unknown id kept", "stat", Filter{Predicate: "is_not", Term: "zz"}, "`Status` <> 'zz'"},
		{"single select any of", "stat", Filter{Predicate: "is_any_of", Term: []any{"o1", "o2"}}, "`Status` in ('Open', 'Done')"},
		{"single select none of", "stat", Filter{Predicate: "is_none_of", Term: []any{"o1"}}, "`Status` not in ('Open')"},
		{"single select empty list skipped", "stat", Filter{Predicate: "is_any_of", Term: []any{}}, ""},

		// multiple select
		{"multi select any of", "tags", Filter{Predicate: "has_any_of", Term: []any{"t1"}}, "`Tags` in ('Red')"},
		{"multi select all of", "tags", Filter{Predicate: "has_all_of", Term: []any{"t1", "t2"}}, "`Tags` has all of ('Red', 'Blue')"},
		{"multi select none of", "tags", Filter{Predicate: "has_none_of", Term: []any{"t2"}}, "`Tags` has none of ('Blue')"},
		{"multi select exactly", "tags", Filter{Predicate: "is_exactly", Term: []any{"t2", "t1"}}, "`Tags` is exactly ('Blue', 'Red')"},

		// users
		{"collaborator include me", "ownr", Filter{Predicate: "include_me"}, "`Owner` in ('alice@example.com')"},
		{"collaborator any of", "ownr", Filter{Predicate: "has_any_of", Term: []any{"b@example.com"}}, "`Owner` in ('b@example.com')"},
		{"creator include me", "_creator", Filter{Predicate: "include_me"}, "`Creator` = 'alice@example.com'"},
		{"creator is any of", "_creator", Filter{Predicate: "is_any_of", Term: []any{"a@x", "b@x"}}, "`Creator` in ('a@x', 'b@x')"},
		{"creator is not", "_creator", Filter{Predicate: "is_not", Term: "a@x"}, "`Creator` <> 'a@x'"},

		// department
		{"department numeric id", "dept", Filter{Predicate: "is", Term: float64(12)}, "`Dept` = 12"},
		{"department none of", "dept", Filter{Predicate: "is_none_of", Term: []any{float64(1), float64(-2)}}, "`Dept` not in (1, -2)"},

		// formula and link
		{"formula number", "scor", Filter{Predicate: "less_or_equal", Term: "3"}, "`Score` <= 3"},
		{"formula date", "fdat", Filter{Predicate: "is", TermModifier: "today"}, "(`Next` >= '2024-03-13' and `Next` < '2024-03-14')"},
		{"array formula of select", "farr", Filter{Predicate: "has_any_of", Term: []any{"a1"}}, "`Picked` in ('A')"},
		{"link text element", "link", Filter{Predicate: "contains", Term: "x"}, "`Link` like '%x%'"},
		{"link is empty", "link", Filter{Predicate: "is_empty"}, "`Link` is null"},
		{"file is not empty", "file", Filter{Predicate: "is_not_empty"}, "`Attachment` is not null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Fragment(column(t, tt.key), tt.filter, opts)
			if err != nil {
				t.Fatalf("Fragment() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Fragment() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestFragmentErrors(t *testing.T) {
	opts := Options{Now: fixedNow}

	unsupported := []struct {
		key    string
		filter Filter
	}{
		{"0000", Filter{Predicate: "greater", Term: "1"}},
		{"age0", Filter{Predicate: "contains", Term: "1"}},
		{"file", Filter{Predicate: "contains", Term: "x"}},
		{"btn0", Filter{Predicate: "is_empty"}},
		{"done", Filter{Predicate: "is_not", Term: true}},
		{"tags", Filter{Predicate: "is", Term: "t1"}},
		{"due0", Filter{Predicate: "contains"}},
		{"due0", Filter{Predicate: "greater", TermModifier: "exact_date"}},
	}
	for _, tt := range unsupported {
		_, err := Fragment(column(t, tt.key), tt.filter, opts)
		var pe *PredicateNotSupportedError
		if !errors.As(err, &pe) {
			t.Errorf("%s/%s: error = %v, want PredicateNotSupportedError", tt.key, tt.filter.Predicate, err)
		}
	}

	invalid := []struct {
		key    string
		filter Filter
	}{
		{"age0", Filter{Predicate: "equal", Term: "twelve"}},
		{"age0", Filter{Predicate: "equal", Term: "NaN"}},
		{"age0", Filter{Predicate: "greater", Term: "Inf"}},
		{"age0", Filter{Predicate: "less", Term: "-infinity"}},
		{"due0", Filter{Predicate: "is", Term: "13/03/2024", TermModifier: "exact_date"}},
		{"due0", Filter{Predicate: "is_within", TermModifier: "today"}},
		{"due0", Filter{Predicate: "is", TermModifier: "this_week"}},
		{"due0", Filter{Predicate: "is_within", Term: "-1", TermModifier: "the_past_numbers_of_days"}},
	}
	for _, tt := range invalid {
		_, err := Fragment(column(t, tt.key), tt.filter, opts)
		if !errors.Is(err, ErrInvalidTerm) {
			t.Errorf("%s/%v: error = %v, want ErrInvalidTerm", tt.key, tt.filter, err)
		}
	}
}

func TestBuild(t *testing.T) {
	base := Query{TableName: "Tasks", Columns: testColumns(), Username: "alice@example.com", Now: fixedNow}

	tests := []struct {
		name   string
		mutate func(*Query)
		want   string
	}{
		{"no conditions", func(*Query) {}, "SELECT * FROM `Tasks`"},
		{"skipped filters leave no where", func(q *Query) {
			q.Filters = []Filter{{ColumnKey: "0000", Predicate: "contains", Term: ""}}
		}, "SELECT * FROM `Tasks`"},
		{"or filters with sort and page", func(q *Query) {
			q.Select = []string{"Name", "Age"}
			q.Filters = []Filter{
				{ColumnKey: "age0", Predicate: "greater", Term: float64(18)},
				{ColumnKey: "0000", Predicate: "contains", Term: "a"},
			}
			q.Conjunction = "Or"
			q.Sorts = []Sort{{ColumnKey: "age0", SortType: "down"}, {ColumnKey: "0000", SortType: "up"}}
			q.Limit = 10
			q.Offset = 20
		}, "SELECT `Name`, `Age` FROM `Tasks` WHERE (`Age` > 18 or `Name` like '%a%') ORDER BY `Age` DESC, `Name` ASC LIMIT 20, 10"},
		{"filter groups", func(q *Query) {
			q.FilterGroups = []FilterGroup{
				{Filters: []Filter{{ColumnKey: "age0", Predicate: "greater", Term: "18"}}},
				{Filters: []Filter{
					{ColumnKey: "done", Predicate: "is", Term: true},
					{ColumnKey: "stat", Predicate: "is", Term: "o1"},
				}, Conjunction: "And"},
			}
			q.GroupConjunction = "Or"
		}, "SELECT * FROM `Tasks` WHERE (`Age` > 18 or (`Done` = true and `Status` = 'Open'))"},
		{"filters and groups are anded", func(q *Query) {
			q.Filters = []Filter{{ColumnName: "Name", Predicate: "is", Term: "x"}}
			q.FilterGroups = []FilterGroup{{Filters: []Filter{{ColumnKey: "age0", Predicate: "less", Term: "3"}}}}
		}, "SELECT * FROM `Tasks` WHERE `Name` = 'x' and `Age` < 3"},
		{"row ids", func(q *Query) {
			q.Filters = []Filter{{ColumnKey: "done", Predicate: "is", Term: true}}
			q.RowIDs = []string{"r1", "r2"}
		}, "SELECT * FROM `Tasks` WHERE `Done` = true and `_id` in ('r1', 'r2')"},
		{"group by month", func(q *Query) {
			q.Groupbys = []GroupBy{{ColumnKey: "due0", CountType: "month"}, {ColumnKey: "stat"}}
		}, "SELECT ISOMONTH(`Due`), `Status`, COUNT(*) FROM `Tasks` GROUP BY ISOMONTH(`Due`), `Status`"},
		{"quoted table name", func(q *Query) {
			q.TableName = "we`ird"
			q.Limit = 5
		}, "SELECT * FROM `we``ird` LIMIT 0, 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := base
			tt.mutate(&q)
			got, err := Build(q)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Build() =\n  %s\nwant\n  %s", got, tt.want)
			}
			again, _ := Build(q)
			if again != got {
				t.Errorf("Build() is not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	q := Query{TableName: "Tasks", Columns: testColumns(), Now: fixedNow}

	q.Filters = []Filter{{ColumnKey: "missing", Predicate: "is", Term: "x"}}
	_, err := Build(q)
	var ce *ColumnNotFoundError
	if !errors.As(err, &ce) || ce.Key != "missing" {
		t.Errorf("filter on missing column: error = %v", err)
	}

	q.Filters = nil
	q.Sorts = []Sort{{ColumnKey: "gone"}}
	if _, err := Build(q); !errors.As(err, &ce) {
		t.Errorf("sort on missing column: error = %v", err)
	}

	if _, err := Build(Query{}); err == nil {
		t.Error("Build() without table name should fail")
	}
}

func TestFromView(t *testing.T) {
	table := models.Table{ID: "0000", Name: "Tasks", Columns: testColumns()}
	view := models.View{
		ID:                "v1",
		Filters:           []Filter{{ColumnKey: "stat", Predicate: "is", Term: "o1"}},
		FilterConjunction: "And",
		Sorts:             []Sort{{ColumnKey: "age0", SortType: "down"}},
		Groupbys:          []GroupBy{{ColumnKey: "tags"}},
	}

	q := FromView(table, view)
	q.Now = fixedNow
	got, err := Build(q)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "SELECT * FROM `Tasks` WHERE `Status` = 'Open' ORDER BY `Tags` ASC, `Age` DESC"
	if got != want {
		t.Errorf("Build(FromView) =\n  %s\nwant\n  %s", got, want)
	}
}

func TestDueWithinFilter(t *testing.T) {
	f := DueWithinFilter(column(t, "due0"), 3)
	got, err := Fragment(column(t, "due0"), f, Options{Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	if want := "(`Due` >= '2024-03-13' and `Due` < '2024-03-17')"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQuoteString(t *testing.T) {
	tests := map[string]string{
		"plain":    "'plain'",
		"it's":     `'it\'s'`,
		`a\b`:      `'a\\b'`,
		`\'`:       `'\\\''`,
		"":         "''",
		"%_wild":   "'%_wild'",
		"new\nlin": "'new\nlin'",
	}
	for in, want := range tests {
		if got := QuoteString(in); got != want {
			t.Errorf("QuoteString(%q) = %s, want %s", in, got, want)
		}
	}
}
