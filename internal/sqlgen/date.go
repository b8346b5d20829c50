// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/dtable-events/internal/models"
)

// DateLayout is the day format dtable-db compares date columns against.
const DateLayout = "2006-01-02"

// dayRange is an inclusive range of calendar days.
type dayRange struct {
	first time.Time
	last  time.Time
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func formatDay(t time.Time) string {
	return QuoteString(t.Format(DateLayout))
}

func parseDay(term any, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(termString(term))
	if len(s) < len(DateLayout) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(DateLayout, s[:len(DateLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// resolveDay returns the reference day of a point predicate. ok is false when
// the filter carries no usable term and should be skipped.
func resolveDay(column string, mod DateModifier, term any, now time.Time) (time.Time, bool, error) {
	today := startOfDay(now)
	switch mod {
	case ModToday:
		return today, true, nil
	case ModTomorrow:
		return today.AddDate(0, 0, 1), true, nil
	case ModYesterday:
		return today.AddDate(0, 0, -1), true, nil
	case ModOneWeekAgo:
		return today.AddDate(0, 0, -7), true, nil
	case ModOneWeekFromNow:
		return today.AddDate(0, 0, 7), true, nil
	case ModOneMonthAgo:
		return today.AddDate(0, -1, 0), true, nil
	case ModOneMonthFromNow:
		return today.AddDate(0, 1, 0), true, nil
	case ModNumberOfDaysAgo, ModNumberOfDaysFromNow:
		if termString(term) == "" {
			return time.Time{}, false, nil
		}
		n, ok := termInt(term)
		if !ok {
			return time.Time{}, false, invalidTerm(column, term)
		}
		if mod == ModNumberOfDaysAgo {
			n = -n
		}
		return today.AddDate(0, 0, n), true, nil
	case ModExactDate, "":
		if termString(term) == "" {
			return time.Time{}, false, nil
		}
		day, ok := parseDay(term, now.Location())
		if !ok {
			return time.Time{}, false, invalidTerm(column, term)
		}
		return day, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: date modifier %q on column %q", ErrInvalidTerm, mod, column)
}

// resolveRange returns the day range of an is_within filter.
func resolveRange(column string, mod DateModifier, term any, now time.Time) (dayRange, bool, error) {
	today := startOfDay(now)
	switch mod {
	case ModThePastWeek:
		return dayRange{today.AddDate(0, 0, -7), today}, true, nil
	case ModThePastMonth:
		return dayRange{today.AddDate(0, -1, 0), today}, true, nil
	case ModThePastYear:
		return dayRange{today.AddDate(-1, 0, 0), today}, true, nil
	case ModTheNextWeek:
		return dayRange{today, today.AddDate(0, 0, 7)}, true, nil
	case ModTheNextMonth:
		return dayRange{today, today.AddDate(0, 1, 0)}, true, nil
	case ModTheNextYear:
		return dayRange{today, today.AddDate(1, 0, 0)}, true, nil
	case ModThePastNumbersOfDays, ModTheNextNumbersOfDays:
		if termString(term) == "" {
			return dayRange{}, false, nil
		}
		n, ok := termInt(term)
		if !ok || n < 0 {
			return dayRange{}, false, invalidTerm(column, term)
		}
		if mod == ModThePastNumbersOfDays {
			return dayRange{today.AddDate(0, 0, -n), today}, true, nil
		}
		return dayRange{today, today.AddDate(0, 0, n)}, true, nil
	case ModThisWeek:
		// Weeks start on Monday.
		offset := (int(today.Weekday()) + 6) % 7
		first := today.AddDate(0, 0, -offset)
		return dayRange{first, first.AddDate(0, 0, 6)}, true, nil
	case ModThisMonth:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return dayRange{first, first.AddDate(0, 1, -1)}, true, nil
	case ModThisYear:
		first := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, today.Location())
		return dayRange{first, first.AddDate(1, 0, -1)}, true, nil
	}
	return dayRange{}, false, fmt.Errorf("%w: date range modifier %q on column %q", ErrInvalidTerm, mod, column)
}

// DueWithinFilter matches rows whose date column falls in [today, today+days].
func DueWithinFilter(column models.Column, days int) Filter {
	return Filter{
		ColumnKey:    column.Key,
		ColumnName:   column.Name,
		Predicate:    string(PredIsWithin),
		Term:         float64(days),
		TermModifier: string(ModTheNextNumbersOfDays),
	}
}

var datePredicates = map[Predicate]bool{
	PredIs:           true,
	PredIsNot:        true,
	PredIsWithin:     true,
	PredIsBefore:     true,
	PredIsAfter:      true,
	PredIsOnOrBefore: true,
	PredIsOnOrAfter:  true,
}

func dateFragment(col string, p Predicate, f Filter, now time.Time) (string, error) {
	// Checked before the term so an empty term cannot hide a bad predicate.
	if !datePredicates[p] {
		return "", errUnsupported
	}
	mod := DateModifier(f.TermModifier)
	if p == PredIsWithin {
		r, ok, err := resolveRange(col, mod, f.Term, now)
		if err != nil || !ok {
			return "", err
		}
		return fmt.Sprintf("(%s >= %s and %s < %s)",
			col, formatDay(r.first), col, formatDay(r.last.AddDate(0, 0, 1))), nil
	}

	day, ok, err := resolveDay(col, mod, f.Term, now)
	if err != nil || !ok {
		return "", err
	}
	next := day.AddDate(0, 0, 1)

	switch p {
	case PredIs:
		return fmt.Sprintf("(%s >= %s and %s < %s)", col, formatDay(day), col, formatDay(next)), nil
	case PredIsNot:
		return fmt.Sprintf("(%s < %s or %s >= %s or %s is null)", col, formatDay(day), col, formatDay(next), col), nil
	case PredIsBefore:
		return fmt.Sprintf("%s < %s", col, formatDay(day)), nil
	case PredIsAfter:
		return fmt.Sprintf("%s >= %s", col, formatDay(next)), nil
	case PredIsOnOrBefore:
		return fmt.Sprintf("%s < %s", col, formatDay(next)), nil
	case PredIsOnOrAfter:
		return fmt.Sprintf("%s >= %s", col, formatDay(day)), nil
	}
	return "", errUnsupported
}
