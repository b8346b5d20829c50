// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"fmt"
	"strings"

	"github.com/tomtom215/dtable-events/internal/models"
)

func joiner(conjunction string) string {
	if strings.EqualFold(conjunction, ConjunctionOr) {
		return " or "
	}
	return " and "
}

func (q *Query) column(key, name string) (*models.Column, error) {
	c, ok := models.FindColumn(q.Columns, key, name)
	if !ok {
		return nil, &ColumnNotFoundError{Key: key, Name: name}
	}
	return c, nil
}

// conditions renders filters joined by conjunction. Skipped filters do not
// contribute; "" means no condition at all.
func (q *Query) conditions(filters []Filter, conjunction string) (string, error) {
	opts := q.options()
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		c, err := q.column(f.ColumnKey, f.ColumnName)
		if err != nil {
			return "", err
		}
		frag, err := Fragment(*c, f, opts)
		if err != nil {
			return "", err
		}
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	if len(parts) > 1 {
		return "(" + strings.Join(parts, joiner(conjunction)) + ")", nil
	}
	return strings.Join(parts, ""), nil
}

// Where renders the WHERE condition without the keyword. It is empty when
// no filter applies.
func Where(q Query) (string, error) {
	var clauses []string

	top, err := q.conditions(q.Filters, q.Conjunction)
	if err != nil {
		return "", err
	}
	if top != "" {
		clauses = append(clauses, top)
	}

	groups := make([]string, 0, len(q.FilterGroups))
	for _, g := range q.FilterGroups {
		s, err := q.conditions(g.Filters, g.Conjunction)
		if err != nil {
			return "", err
		}
		if s != "" {
			groups = append(groups, s)
		}
	}
	switch len(groups) {
	case 0:
	case 1:
		clauses = append(clauses, groups[0])
	default:
		clauses = append(clauses, "("+strings.Join(groups, joiner(q.GroupConjunction))+")")
	}

	if len(q.RowIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("%s in %s", QuoteIdent(models.RowIDKey), quoteList(q.RowIDs)))
	}

	return strings.Join(clauses, " and "), nil
}

// groupExpr buckets date-like columns by CountType.
func groupExpr(c *models.Column, countType string) string {
	col := QuoteIdent(c.Name)
	dateLike := false
	switch ColumnType(c.Type) {
	case TypeDate, TypeCTime, TypeMTime:
		dateLike = true
	case TypeFormula, TypeLinkFormula:
		dateLike = c.ResultType() == ResultDate
	}
	if !dateLike {
		return col
	}
	switch countType {
	case CountWeek:
		return "ISOWEEKNUM(" + col + ")"
	case CountMonth:
		return "ISOMONTH(" + col + ")"
	case CountQuarter:
		return "QUARTER(" + col + ")"
	case CountYear:
		return "YEAR(" + col + ")"
	default:
		return "ISODATE(" + col + ")"
	}
}

// GroupByClause renders GROUP BY, or "" without groupings.
func GroupByClause(q Query) (string, error) {
	exprs, err := groupExprs(q)
	if err != nil || len(exprs) == 0 {
		return "", err
	}
	return "GROUP BY " + strings.Join(exprs, ", "), nil
}

func groupExprs(q Query) ([]string, error) {
	exprs := make([]string, 0, len(q.Groupbys))
	for _, g := range q.Groupbys {
		c, err := q.column(g.ColumnKey, "")
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, groupExpr(c, g.CountType))
	}
	return exprs, nil
}

// OrderBy renders ORDER BY, or "" without sorts.
func OrderBy(q Query) (string, error) {
	if len(q.Sorts) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(q.Sorts))
	for _, s := range q.Sorts {
		c, err := q.column(s.ColumnKey, "")
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if s.SortType == SortDown {
			dir = "DESC"
		}
		parts = append(parts, QuoteIdent(c.Name)+" "+dir)
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

// LimitClause renders LIMIT offset, count, or "" when Limit is not set.
func LimitClause(q Query) string {
	if q.Limit <= 0 {
		return ""
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf("LIMIT %d, %d", offset, q.Limit)
}

// Build renders the full statement. With Groupbys the select list is the
// group expressions plus COUNT(*).
func Build(q Query) (string, error) {
	if q.TableName == "" {
		return "", fmt.Errorf("sqlgen: table name is required")
	}

	groups, err := groupExprs(q)
	if err != nil {
		return "", err
	}

	var selectList string
	switch {
	case len(groups) > 0:
		selectList = strings.Join(groups, ", ") + ", COUNT(*)"
	case len(q.Select) > 0:
		cols := make([]string, len(q.Select))
		for i, name := range q.Select {
			cols[i] = QuoteIdent(name)
		}
		selectList = strings.Join(cols, ", ")
	default:
		selectList = "*"
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectList)
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(q.TableName))

	where, err := Where(q)
	if err != nil {
		return "", err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if len(groups) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}

	orderBy, err := OrderBy(q)
	if err != nil {
		return "", err
	}
	if orderBy != "" {
		b.WriteString(" ")
		b.WriteString(orderBy)
	}
	if limit := LimitClause(q); limit != "" {
		b.WriteString(" ")
		b.WriteString(limit)
	}
	return b.String(), nil
}

// FromView builds a row query from a view's stored conditions. The view's
// groupings become leading sorts so rows come back grouped.
func FromView(table models.Table, view models.View) Query {
	sorts := make([]Sort, 0, len(view.Groupbys)+len(view.Sorts))
	for _, g := range view.Groupbys {
		sorts = append(sorts, Sort{ColumnKey: g.ColumnKey, SortType: SortUp})
	}
	sorts = append(sorts, view.Sorts...)

	return Query{
		TableName:   table.Name,
		Columns:     table.Columns,
		Filters:     view.Filters,
		Conjunction: view.FilterConjunction,
		Sorts:       sorts,
	}
}
