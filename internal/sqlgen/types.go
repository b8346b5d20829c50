// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package sqlgen turns SeaTable view conditions (filters, filter groups,
// sorts and groupings) into SQL for dtable-db.
//
// Every generated statement is plain text: dtable-db accepts no bind
// parameters, so identifiers are backtick-quoted and string literals are
// escaped here. Output is deterministic for a fixed clock.
//
//	q := sqlgen.FromView(table, view)
//	q.Username = "alice@example.com"
//	q.Now = time.Now()
//	q.Limit = 100
//	sql, err := sqlgen.Build(q)
package sqlgen

import (
	"time"

	"github.com/tomtom215/dtable-events/internal/models"
)

// ColumnType is a SeaTable column type.
type ColumnType string

const (
	TypeText                   ColumnType = "text"
	TypeLongText               ColumnType = "long-text"
	TypeNumber                 ColumnType = "number"
	TypeCheckbox               ColumnType = "checkbox"
	TypeDate                   ColumnType = "date"
	TypeSingleSelect           ColumnType = "single-select"
	TypeMultipleSelect         ColumnType = "multiple-select"
	TypeImage                  ColumnType = "image"
	TypeFile                   ColumnType = "file"
	TypeCollaborator           ColumnType = "collaborator"
	TypeLink                   ColumnType = "link"
	TypeFormula                ColumnType = "formula"
	TypeLinkFormula            ColumnType = "link-formula"
	TypeCreator                ColumnType = "creator"
	TypeCTime                  ColumnType = "ctime"
	TypeLastModifier           ColumnType = "last-modifier"
	TypeMTime                  ColumnType = "mtime"
	TypeGeolocation            ColumnType = "geolocation"
	TypeAutoNumber             ColumnType = "auto-number"
	TypeURL                    ColumnType = "url"
	TypeEmail                  ColumnType = "email"
	TypeDuration               ColumnType = "duration"
	TypeRate                   ColumnType = "rate"
	TypeButton                 ColumnType = "button"
	TypeDigitalSign            ColumnType = "digital-sign"
	TypeDepartmentSingleSelect ColumnType = "department-single-select"
)

// Formula result types stored in column data.result_type.
const (
	ResultNumber = "number"
	ResultString = "string"
	ResultDate   = "date"
	ResultBool   = "bool"
	ResultArray  = "array"
)

// Predicate is a filter predicate.
type Predicate string

const (
	PredContains        Predicate = "contains"
	PredNotContain      Predicate = "does_not_contain"
	PredIs              Predicate = "is"
	PredIsNot           Predicate = "is_not"
	PredEqual           Predicate = "equal"
	PredNotEqual        Predicate = "not_equal"
	PredLess            Predicate = "less"
	PredGreater         Predicate = "greater"
	PredLessOrEqual     Predicate = "less_or_equal"
	PredGreaterOrEqual  Predicate = "greater_or_equal"
	PredIsEmpty         Predicate = "is_empty"
	PredIsNotEmpty      Predicate = "is_not_empty"
	PredIsWithin        Predicate = "is_within"
	PredIsBefore        Predicate = "is_before"
	PredIsAfter         Predicate = "is_after"
	PredIsOnOrBefore    Predicate = "is_on_or_before"
	PredIsOnOrAfter     Predicate = "is_on_or_after"
	PredHasAnyOf        Predicate = "has_any_of"
	PredHasAllOf        Predicate = "has_all_of"
	PredHasNoneOf       Predicate = "has_none_of"
	PredIsExactly       Predicate = "is_exactly"
	PredIsAnyOf         Predicate = "is_any_of"
	PredIsNoneOf        Predicate = "is_none_of"
	PredIncludeMe       Predicate = "include_me"
	PredIsCurrentUserID Predicate = "is_current_user_ID"
)

// DateModifier selects the reference date or range of a date filter.
type DateModifier string

const (
	ModToday                DateModifier = "today"
	ModTomorrow             DateModifier = "tomorrow"
	ModYesterday            DateModifier = "yesterday"
	ModOneWeekAgo           DateModifier = "one_week_ago"
	ModOneWeekFromNow       DateModifier = "one_week_from_now"
	ModOneMonthAgo          DateModifier = "one_month_ago"
	ModOneMonthFromNow      DateModifier = "one_month_from_now"
	ModNumberOfDaysAgo      DateModifier = "number_of_days_ago"
	ModNumberOfDaysFromNow  DateModifier = "number_of_days_from_now"
	ModExactDate            DateModifier = "exact_date"
	ModThePastWeek          DateModifier = "the_past_week"
	ModThePastMonth         DateModifier = "the_past_month"
	ModThePastYear          DateModifier = "the_past_year"
	ModThePastNumbersOfDays DateModifier = "the_past_numbers_of_days"
	ModTheNextWeek          DateModifier = "the_next_week"
	ModTheNextMonth         DateModifier = "the_next_month"
	ModTheNextYear          DateModifier = "the_next_year"
	ModTheNextNumbersOfDays DateModifier = "the_next_numbers_of_days"
	ModThisWeek             DateModifier = "this_week"
	ModThisMonth            DateModifier = "this_month"
	ModThisYear             DateModifier = "this_year"
)

// Conjunctions as stored on views and rules.
const (
	ConjunctionAnd = "And"
	ConjunctionOr  = "Or"
)

// Sort directions.
const (
	SortUp   = "up"
	SortDown = "down"
)

// Group-by buckets for date columns.
const (
	CountDay     = "day"
	CountWeek    = "week"
	CountMonth   = "month"
	CountQuarter = "quarter"
	CountYear    = "year"
)

// The condition shapes are shared with the metadata model.
type (
	Filter  = models.Filter
	Sort    = models.Sort
	GroupBy = models.GroupBy
)

// FilterGroup is a parenthesized set of filters with its own conjunction.
type FilterGroup struct {
	Filters     []Filter `json:"filters" mapstructure:"filters"`
	Conjunction string   `json:"filter_conjunction" mapstructure:"filter_conjunction"`
}

// Options carries the per-request inputs a fragment may depend on.
type Options struct {
	// Username substitutes include_me and is_current_user_ID.
	Username string
	// UserID is the numeric/opaque id used by is_current_user_ID on text
	// columns. Falls back to Username.
	UserID string
	// Now anchors relative dates. Its location defines day boundaries.
	Now time.Time
}

// Query is a complete SELECT over one table.
type Query struct {
	TableName string
	// Columns are all columns of the table, used to resolve filter keys.
	Columns []models.Column
	// Select lists column names; empty selects *.
	Select []string

	Filters     []Filter
	Conjunction string

	FilterGroups     []FilterGroup
	GroupConjunction string

	// RowIDs restricts the result to the given _id values.
	RowIDs []string

	Sorts    []Sort
	Groupbys []GroupBy

	Limit  int
	Offset int

	Username string
	UserID   string
	Now      time.Time
}

func (q *Query) options() Options {
	return Options{Username: q.Username, UserID: q.UserID, Now: q.Now}
}
