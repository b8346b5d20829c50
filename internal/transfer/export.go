// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package transfer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/tomtom215/dtable-events/internal/message"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

const exportPageSize = 1000

// ExportView writes the rows of a view to a new file in the work directory.
// Without a view ID the whole table is exported.
func (s *Service) ExportView(ctx context.Context, req ExportRequest) (*Result, error) {
	format := req.Format
	if format == "" {
		format = FormatXLSX
	}
	format, err := formatOf(format, "")
	if err != nil {
		return nil, err
	}
	table, err := s.table(ctx, req.DTableUUID, func(m *models.Metadata) (*models.Table, bool) {
		return m.TableByID(req.TableID)
	}, req.TableID)
	if err != nil {
		return nil, err
	}

	q := sqlgen.Query{TableName: table.Name, Columns: table.Columns}
	view := &models.View{}
	if req.ViewID != "" {
		v, ok := table.ViewByID(req.ViewID)
		if !ok {
			return nil, fmt.Errorf("view %s not found", req.ViewID)
		}
		view = v
		q = sqlgen.FromView(*table, *view)
	}
	columns := exportColumns(table, view)
	if len(columns) == 0 {
		return nil, fmt.Errorf("view %s has no visible columns", view.Name)
	}
	q.Select = make([]string, len(columns))
	for i, c := range columns {
		q.Select[i] = c.Name
	}
	q.Username = req.Username
	q.Now = time.Now()

	rows, err := s.db.QueryAll(ctx, req.DTableUUID, q, exportPageSize, s.cfg.MaxExportRows)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}

	name := fileName(table.Name, view.Name) + "." + format
	path, err := s.workPath(filepath.Join("exports", uuid.NewString(), name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	if format == FormatCSV {
		err = writeCSV(path, columns, rows)
	} else {
		err = writeXLSX(path, columns, rows)
	}
	if err != nil {
		_ = os.RemoveAll(filepath.Dir(path))
		return nil, err
	}
	s.logger.Info().Str("dtable_uuid", req.DTableUUID).Str("table", table.Name).Str("format", format).
		Int("rows", len(rows)).Msg("View exported")
	return &Result{Path: path, Rows: len(rows)}, nil
}

// exportColumns lists the columns the view shows, in table order.
func exportColumns(table *models.Table, view *models.View) []*models.Column {
	out := make([]*models.Column, 0, len(table.Columns))
	for i := range table.Columns {
		c := &table.Columns[i]
		if view.IsHidden(c.Key) || c.Type == string(sqlgen.TypeButton) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func fileName(table, view string) string {
	name := table
	if view != "" {
		name += "_" + view
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

func writeCSV(path string, columns []*models.Column, rows []models.Row) (err error) {
	f, err := os.Create(path) //nolint:gosec // path is built inside the work dir
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close csv: %w", cerr)
		}
	}()

	w := csv.NewWriter(f)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = message.DisplayValue(c, row[c.Name])
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeXLSX(path string, columns []*models.Column, rows []models.Row) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("xlsx stream: %w", err)
	}
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c.Name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	for r, row := range rows {
		values := make([]any, len(columns))
		for i, c := range columns {
			values[i] = xlsxValue(c, row[c.Name])
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write xlsx: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}

// xlsxValue keeps numbers numeric; everything else is written as displayed.
func xlsxValue(c *models.Column, v any) any {
	if n, ok := v.(float64); ok && c.Type == string(sqlgen.TypeNumber) {
		return n
	}
	if v == nil {
		return nil
	}
	return message.DisplayValue(c, v)
}
