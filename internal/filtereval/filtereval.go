// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package filtereval matches single rows against view-style filters in
// memory. Filters are compiled once into an expr program; combinations the
// compiler does not cover return ErrNotCompilable and the caller checks the
// row through dtable-db instead.
package filtereval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// ErrNotCompilable marks a filter set that needs the SQL path.
var ErrNotCompilable = errors.New("filters cannot be evaluated in memory")

// Program is a compiled filter set.
type Program struct {
	source  string
	program *vm.Program
}

// Source returns the generated expression, for logging.
func (p *Program) Source() string {
	return p.source
}

func helpers(row models.Row) map[string]any {
	return map[string]any{
		"row": row,
		"str": func(v any) string { return models.ValueString(v) },
		"empty": func(v any) bool {
			switch t := v.(type) {
			case nil:
				return true
			case string:
				return t == ""
			case []any:
				return len(t) == 0
			case map[string]any:
				return len(t) == 0
			}
			return false
		},
		"isNum": func(v any) bool {
			_, ok := toFloat(v)
			return ok
		},
		"num": func(v any) float64 {
			f, _ := toFloat(v)
			return f
		},
		"truthy": func(v any) bool {
			switch t := v.(type) {
			case bool:
				return t
			case string:
				b, _ := strconv.ParseBool(t)
				return b
			}
			return false
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Compile builds a program for filters joined by conjunction.
func Compile(columns []models.Column, filters []sqlgen.Filter, conjunction string, username string) (*Program, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		c, ok := models.FindColumn(columns, f.ColumnKey, f.ColumnName)
		if !ok {
			return nil, &sqlgen.ColumnNotFoundError{Key: f.ColumnKey, Name: f.ColumnName}
		}
		part, err := condition(c, f, username)
		if err != nil {
			return nil, err
		}
		if part != "" {
			parts = append(parts, "("+part+")")
		}
	}

	source := "true"
	if len(parts) > 0 {
		sep := " && "
		if strings.EqualFold(conjunction, sqlgen.ConjunctionOr) {
			sep = " || "
		}
		source = strings.Join(parts, sep)
	}

	program, err := expr.Compile(source, expr.Env(helpers(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	return &Program{source: source, program: program}, nil
}

// Match evaluates the program against one row keyed by column name.
func (p *Program) Match(row models.Row) (bool, error) {
	out, err := vm.Run(p.program, helpers(row))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func lit(s string) string {
	return strconv.Quote(s)
}

func listLit(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = lit(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// condition renders one filter. "" means the filter imposes nothing.
func condition(c *models.Column, f sqlgen.Filter, username string) (string, error) {
	v := "row[" + lit(c.Name) + "]"
	p := sqlgen.Predicate(f.Predicate)
	t := sqlgen.ColumnType(c.Type)

	if t == sqlgen.TypeButton || t == sqlgen.TypeDigitalSign {
		return "", ErrNotCompilable
	}
	switch p {
	case sqlgen.PredIsEmpty:
		return "empty(" + v + ")", nil
	case sqlgen.PredIsNotEmpty:
		return "!empty(" + v + ")", nil
	}

	switch t {
	case sqlgen.TypeText, sqlgen.TypeLongText, sqlgen.TypeURL, sqlgen.TypeEmail, sqlgen.TypeAutoNumber:
		return textCondition(v, p, f.Term, username)
	case sqlgen.TypeNumber, sqlgen.TypeDuration, sqlgen.TypeRate:
		return numberCondition(v, p, f.Term)
	case sqlgen.TypeCheckbox:
		if p != sqlgen.PredIs {
			return "", ErrNotCompilable
		}
		if termBool(f.Term) {
			return "truthy(" + v + ")", nil
		}
		return "!truthy(" + v + ")", nil
	case sqlgen.TypeSingleSelect:
		return selectCondition(c, v, p, f.Term)
	}
	return "", ErrNotCompilable
}

func termBool(term any) bool {
	switch t := term.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// nonEmpty guards negated predicates: in SQL a NULL cell fails both "= x"
// and "<> x", so an empty cell never matches a negation.
func nonEmpty(v string) string {
	return "str(" + v + ") != \"\""
}

func textCondition(v string, p sqlgen.Predicate, term any, username string) (string, error) {
	if p == sqlgen.PredIsCurrentUserID {
		return "str(" + v + ") == " + lit(username), nil
	}
	s := models.ValueString(term)
	if s == "" {
		switch p {
		case sqlgen.PredContains, sqlgen.PredNotContain, sqlgen.PredIs, sqlgen.PredIsNot:
			return "", nil
		}
		return "", ErrNotCompilable
	}
	switch p {
	case sqlgen.PredContains:
		return "lower(str(" + v + ")) contains " + lit(strings.ToLower(s)), nil
	case sqlgen.PredNotContain:
		return nonEmpty(v) + " && !(lower(str(" + v + ")) contains " + lit(strings.ToLower(s)) + ")", nil
	case sqlgen.PredIs:
		return "str(" + v + ") == " + lit(s), nil
	case sqlgen.PredIsNot:
		return nonEmpty(v) + " && str(" + v + ") != " + lit(s), nil
	}
	return "", ErrNotCompilable
}

var numberOps = map[sqlgen.Predicate]string{
	sqlgen.PredEqual:          "==",
	sqlgen.PredIs:             "==",
	sqlgen.PredLess:           "<",
	sqlgen.PredGreater:        ">",
	sqlgen.PredLessOrEqual:    "<=",
	sqlgen.PredGreaterOrEqual: ">=",
}

func numberCondition(v string, p sqlgen.Predicate, term any) (string, error) {
	s := strings.TrimSpace(models.ValueString(term))
	negate := p == sqlgen.PredNotEqual || p == sqlgen.PredIsNot
	op, ok := numberOps[p]
	if negate {
		op, ok = "==", true
	}
	if !ok {
		return "", ErrNotCompilable
	}
	if s == "" {
		return "", nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return "", ErrNotCompilable
	}
	num := strconv.FormatFloat(n, 'f', -1, 64)
	if negate {
		return fmt.Sprintf("isNum(%s) && !(num(%s) == %s)", v, v, num), nil
	}
	return fmt.Sprintf("isNum(%s) && num(%s) %s %s", v, v, op, num), nil
}

// selectCondition accepts either the option id or its name as the cell
// value, since event rows and query rows differ.
func selectCondition(c *models.Column, v string, p sqlgen.Predicate, term any) (string, error) {
	var ids []string
	switch t := term.(type) {
	case []any:
		for _, item := range t {
			if s := models.ValueString(item); s != "" {
				ids = append(ids, s)
			}
		}
	default:
		if s := models.ValueString(t); s != "" {
			ids = append(ids, s)
		}
	}

	switch p {
	case sqlgen.PredIs, sqlgen.PredIsNot, sqlgen.PredIsAnyOf, sqlgen.PredIsNoneOf:
	default:
		return "", ErrNotCompilable
	}
	if len(ids) == 0 {
		return "", nil
	}
	if p == sqlgen.PredIs || p == sqlgen.PredIsNot {
		ids = ids[:1]
	}

	values := make([]string, 0, len(ids)*2)
	for _, id := range ids {
		values = append(values, id)
		if name, ok := c.OptionName(id); ok && name != id {
			values = append(values, name)
		}
	}
	cond := "str(" + v + ") in " + listLit(values)
	if p == sqlgen.PredIsNot || p == sqlgen.PredIsNoneOf {
		return nonEmpty(v) + " && !(" + cond + ")", nil
	}
	return cond, nil
}
