// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package filtereval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// RowQuerier runs a generated query against dtable-db.
// *dtable.DBClient implements it.
type RowQuerier interface {
	QueryAll(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, maxRows int) ([]models.Row, error)
}

// MatchRow reports whether row satisfies filters. Filters are evaluated in
// memory when possible; otherwise dtable-db is asked whether the row is
// among the filtered rows.
func MatchRow(ctx context.Context, db RowQuerier, dtableUUID string, table *models.Table,
	filters []sqlgen.Filter, conjunction, username string, row models.Row) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	program, err := Compile(table.Columns, filters, conjunction, username)
	if err == nil {
		return program.Match(row)
	}
	if !errors.Is(err, ErrNotCompilable) {
		return false, err
	}
	if db == nil {
		return false, err
	}

	rowID := models.RowID(row)
	if rowID == "" {
		return false, fmt.Errorf("row without %s cannot be checked in dtable-db", models.RowIDKey)
	}
	rows, err := db.QueryAll(ctx, dtableUUID, sqlgen.Query{
		TableName:   table.Name,
		Columns:     table.Columns,
		Select:      []string{models.RowIDKey},
		Filters:     filters,
		Conjunction: conjunction,
		RowIDs:      []string{rowID},
		Username:    username,
		Now:         time.Now(),
	}, 10, 10)
	if err != nil {
		return false, fmt.Errorf("check row %s in dtable-db: %w", rowID, err)
	}
	return len(rows) > 0, nil
}
