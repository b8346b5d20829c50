// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package message

import (
	"regexp"
	"strings"

	"github.com/tomtom215/dtable-events/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Render replaces {Column Name} placeholders in template with the row's
// display values. Placeholders that name no column are left untouched.
func Render(template string, row models.Row, columns []models.Column) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		col, ok := models.FindColumn(columns, "", name)
		if !ok {
			return match
		}
		return DisplayValue(col, cell(row, col))
	})
}

// cell reads a value keyed by column name, falling back to the column key.
func cell(row models.Row, col *models.Column) any {
	if v, ok := row[col.Name]; ok {
		return v
	}
	return row[col.Key]
}

// DisplayValue renders a cell the way a user reads it in the grid.
func DisplayValue(col *models.Column, value any) string {
	switch col.Type {
	case "single-select":
		s := models.ValueString(value)
		if name, ok := col.OptionName(s); ok {
			return name
		}
		return s
	case "multiple-select":
		items := listOf(value)
		for i, id := range items {
			if name, ok := col.OptionName(id); ok {
				items[i] = name
			}
		}
		return strings.Join(items, ", ")
	case "checkbox":
		if b, ok := value.(bool); ok && b {
			return "true"
		}
		return "false"
	case "link":
		return strings.Join(linkNames(value), ", ")
	default:
		if _, ok := value.([]any); ok {
			return strings.Join(listOf(value), ", ")
		}
		return models.ValueString(value)
	}
}

func listOf(value any) []string {
	raw, _ := value.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, models.ValueString(m["display_value"]))
			continue
		}
		out = append(out, models.ValueString(item))
	}
	return out
}

// linkNames reads linked rows, given either as {row_id, display_value}
// objects or as plain ids.
func linkNames(value any) []string {
	raw, _ := value.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			if dv, ok := v["display_value"]; ok {
				out = append(out, models.ValueString(dv))
			} else {
				out = append(out, models.ValueString(v["row_id"]))
			}
		default:
			out = append(out, models.ValueString(v))
		}
	}
	return out
}
