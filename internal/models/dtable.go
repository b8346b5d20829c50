// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package models holds the base metadata shapes served by dtable-server and
// the row representation shared by every component.
package models

import (
	"fmt"
	"strconv"
)

// System row keys present on every row returned by dtable-server/dtable-db.
const (
	RowIDKey           = "_id"
	RowCreatedKey      = "_ctime"
	RowModifiedKey     = "_mtime"
	RowCreatorKey      = "_creator"
	RowLastModifierKey = "_last_modifier"
)

// Row is a table row keyed by column name, plus the system keys.
type Row = map[string]any

// RowID returns the _id of row, or "" when absent.
func RowID(row Row) string {
	id, _ := row[RowIDKey].(string)
	return id
}

// Metadata is the schema of one base.
type Metadata struct {
	Version int     `json:"version"`
	Format  string  `json:"format_version,omitempty"`
	Tables  []Table `json:"tables"`
}

// TableByID looks a table up by id.
func (m *Metadata) TableByID(id string) (*Table, bool) {
	for i := range m.Tables {
		if m.Tables[i].ID == id {
			return &m.Tables[i], true
		}
	}
	return nil, false
}

// TableByName looks a table up by name.
func (m *Metadata) TableByName(name string) (*Table, bool) {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i], true
		}
	}
	return nil, false
}

// Table is one table of a base.
type Table struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Views   []View   `json:"views"`
}

// ColumnByKey looks a column up by key.
func (t *Table) ColumnByKey(key string) (*Column, bool) {
	return FindColumn(t.Columns, key, "")
}

// ColumnByName looks a column up by name.
func (t *Table) ColumnByName(name string) (*Column, bool) {
	return FindColumn(t.Columns, "", name)
}

// ViewByID looks a view up by id.
func (t *Table) ViewByID(id string) (*View, bool) {
	for i := range t.Views {
		if t.Views[i].ID == id {
			return &t.Views[i], true
		}
	}
	return nil, false
}

// FindColumn matches by key first, then by name.
func FindColumn(columns []Column, key, name string) (*Column, bool) {
	if key != "" {
		for i := range columns {
			if columns[i].Key == key {
				return &columns[i], true
			}
		}
	}
	if name != "" {
		for i := range columns {
			if columns[i].Name == name {
				return &columns[i], true
			}
		}
	}
	return nil, false
}

// Column describes one column. Data carries type-specific settings such as
// select options or a formula's result type.
type Column struct {
	Key  string         `json:"key"`
	Name string         `json:"name"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// SelectOption is one option of a single- or multiple-select column.
type SelectOption struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Options decodes data.options.
func (c *Column) Options() []SelectOption {
	raw, _ := c.Data["options"].([]any)
	opts := make([]SelectOption, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		opts = append(opts, SelectOption{
			ID:    ValueString(m["id"]),
			Name:  ValueString(m["name"]),
			Color: ValueString(m["color"]),
		})
	}
	return opts
}

// OptionName maps an option id to its name. Unknown ids return "" and false.
func (c *Column) OptionName(id string) (string, bool) {
	for _, o := range c.Options() {
		if o.ID == id {
			return o.Name, true
		}
	}
	return "", false
}

// OptionID maps an option name to its id.
func (c *Column) OptionID(name string) (string, bool) {
	for _, o := range c.Options() {
		if o.Name == name {
			return o.ID, true
		}
	}
	return "", false
}

// DataString returns data[key] as a string.
func (c *Column) DataString(key string) string {
	return ValueString(c.Data[key])
}

// ResultType is the value type of a formula or link-formula column.
func (c *Column) ResultType() string {
	return c.DataString("result_type")
}

// ArrayType is the element type of a link column or an array formula.
func (c *Column) ArrayType() string {
	return c.DataString("array_type")
}

// ArrayColumn builds the element column of a link or array formula, so
// filters can be delegated to the element type.
func (c *Column) ArrayColumn() Column {
	data, _ := c.Data["array_data"].(map[string]any)
	return Column{Key: c.Key, Name: c.Name, Type: c.ArrayType(), Data: data}
}

// View is a saved view: filters, sorts, groupings and hidden columns.
type View struct {
	ID                string    `json:"_id"`
	Name              string    `json:"name"`
	Type              string    `json:"type,omitempty"`
	Filters           []Filter  `json:"filters"`
	FilterConjunction string    `json:"filter_conjunction"`
	Sorts             []Sort    `json:"sorts"`
	Groupbys          []GroupBy `json:"groupbys"`
	HiddenColumns     []string  `json:"hidden_columns"`
}

// IsHidden reports whether the column key is hidden in the view.
func (v *View) IsHidden(key string) bool {
	for _, k := range v.HiddenColumns {
		if k == key {
			return true
		}
	}
	return false
}

// Filter is one view or rule filter.
type Filter struct {
	ColumnKey    string `json:"column_key" mapstructure:"column_key"`
	ColumnName   string `json:"column_name,omitempty" mapstructure:"column_name"`
	Predicate    string `json:"filter_predicate" mapstructure:"filter_predicate"`
	Term         any    `json:"filter_term" mapstructure:"filter_term"`
	TermModifier string `json:"filter_term_modifier,omitempty" mapstructure:"filter_term_modifier"`
}

// Sort orders by one column; SortType is "up" or "down".
type Sort struct {
	ColumnKey string `json:"column_key" mapstructure:"column_key"`
	SortType  string `json:"sort_type" mapstructure:"sort_type"`
}

// GroupBy groups by one column; CountType buckets date columns.
type GroupBy struct {
	ColumnKey string `json:"column_key" mapstructure:"column_key"`
	CountType string `json:"count_type,omitempty" mapstructure:"count_type"`
}

// ValueString renders a scalar JSON value as text. nil becomes "".
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
