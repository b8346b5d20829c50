// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"math"
	"strconv"
	"strings"

	"github.com/tomtom215/dtable-events/internal/models"
)

var literalEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// QuoteIdent backtick-quotes a table or column name.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteString single-quotes a string literal.
func QuoteString(s string) string {
	return "'" + literalEscaper.Replace(s) + "'"
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = QuoteString(s)
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// termString flattens a scalar term. Lists yield their first element.
func termString(term any) string {
	switch t := term.(type) {
	case []any:
		if len(t) == 0 {
			return ""
		}
		return termString(t[0])
	case []string:
		if len(t) == 0 {
			return ""
		}
		return t[0]
	}
	return models.ValueString(term)
}

// termList flattens a list term. A scalar becomes a one-element list and
// empty strings are dropped.
func termList(term any) []string {
	var out []string
	add := func(v any) {
		if s := models.ValueString(v); s != "" {
			out = append(out, s)
		}
	}
	switch t := term.(type) {
	case nil:
	case []any:
		for _, v := range t {
			add(v)
		}
	case []string:
		for _, v := range t {
			add(v)
		}
	default:
		add(t)
	}
	return out
}

func termNumber(term any) (string, bool) {
	s := strings.TrimSpace(termString(term))
	if s == "" {
		return "", false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func termInt(term any) (int, bool) {
	n, ok := termNumber(term)
	if !ok {
		return 0, false
	}
	f, _ := strconv.ParseFloat(n, 64)
	return int(f), true
}

func termBool(term any) bool {
	switch t := term.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}
