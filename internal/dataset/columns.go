// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dataset

import (
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// unsyncable column types have no meaning outside their base.
var unsyncable = map[sqlgen.ColumnType]bool{
	sqlgen.TypeLink:        true,
	sqlgen.TypeLinkFormula: true,
	sqlgen.TypeButton:      true,
	sqlgen.TypeDigitalSign: true,
}

// derived column types become plain columns in the destination, since
// their source computation is not copied.
var derived = map[sqlgen.ColumnType]sqlgen.ColumnType{
	sqlgen.TypeCreator:      sqlgen.TypeText,
	sqlgen.TypeLastModifier: sqlgen.TypeText,
	sqlgen.TypeCTime:        sqlgen.TypeDate,
	sqlgen.TypeMTime:        sqlgen.TypeDate,
	sqlgen.TypeAutoNumber:   sqlgen.TypeText,
}

var formulaResult = map[string]sqlgen.ColumnType{
	sqlgen.ResultNumber: sqlgen.TypeNumber,
	sqlgen.ResultString: sqlgen.TypeText,
	sqlgen.ResultDate:   sqlgen.TypeDate,
	sqlgen.ResultBool:   sqlgen.TypeCheckbox,
	sqlgen.ResultArray:  sqlgen.TypeLongText,
}

// SyncColumns lists the destination columns for a view: the visible,
// syncable columns in table order, with derived types mapped to plain ones.
func SyncColumns(table *models.Table, view *models.View) []dtable.NewColumn {
	out := make([]dtable.NewColumn, 0, len(table.Columns))
	for i := range table.Columns {
		c := &table.Columns[i]
		t := sqlgen.ColumnType(c.Type)
		if view.IsHidden(c.Key) || unsyncable[t] {
			continue
		}
		col := dtable.NewColumn{Name: c.Name, Type: c.Type, Data: c.Data}
		switch {
		case t == sqlgen.TypeFormula:
			rt, ok := formulaResult[c.ResultType()]
			if !ok {
				rt = sqlgen.TypeText
			}
			col.Type, col.Data = string(rt), formulaData(c, rt)
		case derived[t] != "":
			col.Type, col.Data = string(derived[t]), nil
		}
		out = append(out, col)
	}
	return out
}

// formulaData keeps the display settings that apply to the result type.
func formulaData(c *models.Column, rt sqlgen.ColumnType) map[string]any {
	keep := map[sqlgen.ColumnType][]string{
		sqlgen.TypeNumber: {"format", "precision", "enable_precision", "decimal", "thousands"},
		sqlgen.TypeDate:   {"format"},
	}[rt]
	if len(keep) == 0 {
		return nil
	}
	data := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := c.Data[k]; ok {
			data[k] = v
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
