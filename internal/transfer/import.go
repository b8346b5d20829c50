// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package transfer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// readOnly column types are computed by dtable-server and cannot be written.
var readOnly = map[sqlgen.ColumnType]bool{
	sqlgen.TypeLink:         true,
	sqlgen.TypeLinkFormula:  true,
	sqlgen.TypeFormula:      true,
	sqlgen.TypeCreator:      true,
	sqlgen.TypeLastModifier: true,
	sqlgen.TypeCTime:        true,
	sqlgen.TypeMTime:        true,
	sqlgen.TypeAutoNumber:   true,
	sqlgen.TypeButton:       true,
}

// recordReader yields one spreadsheet row at a time. It returns io.EOF
// after the last row.
type recordReader interface {
	Read() ([]string, error)
	Close() error
}

// ImportFile appends the rows of a CSV or XLSX file from the work directory
// to an existing table. The header row names the columns; unknown and
// read-only columns are skipped.
func (s *Service) ImportFile(ctx context.Context, req ImportRequest) (*Result, error) {
	format, err := formatOf(req.Format, req.FileName)
	if err != nil {
		return nil, err
	}
	path, err := s.workPath(req.FileName)
	if err != nil {
		return nil, err
	}
	table, err := s.table(ctx, req.DTableUUID, func(m *models.Metadata) (*models.Table, bool) {
		return m.TableByName(req.TableName)
	}, req.TableName)
	if err != nil {
		return nil, err
	}

	var r recordReader
	if format == FormatCSV {
		r, err = openCSV(path)
	} else {
		r, err = openXLSX(path)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	targets, skipped := mapHeader(table, header)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no column of %s matches the file header", table.Name)
	}

	res := &Result{Skipped: skipped}
	batch := make([]models.Row, 0, s.batchSize())
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.rows.BatchAppendRows(ctx, req.DTableUUID, table.Name, batch); err != nil {
			return fmt.Errorf("append rows after %d imported: %w", res.Rows, err)
		}
		res.Rows += len(batch)
		batch = batch[:0]
		return nil
	}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read row %d: %w", res.Rows+len(batch)+2, err)
		}
		if row := toRow(targets, record); len(row) > 0 {
			batch = append(batch, row)
		}
		if len(batch) == s.batchSize() {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	s.logger.Info().Str("dtable_uuid", req.DTableUUID).Str("table", table.Name).Int("rows", res.Rows).
		Strs("skipped_columns", skipped).Msg("File imported")
	return res, nil
}

func (s *Service) batchSize() int {
	if s.cfg.ImportBatchSize > 0 {
		return s.cfg.ImportBatchSize
	}
	return 500
}

// mapHeader maps file columns to table column names by position. Positions
// without a writable column map to "".
func mapHeader(table *models.Table, header []string) (targets, skipped []string) {
	targets = make([]string, len(header))
	found := 0
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			continue
		}
		c, ok := table.ColumnByName(name)
		if !ok || readOnly[sqlgen.ColumnType(c.Type)] {
			skipped = append(skipped, name)
			continue
		}
		targets[i] = c.Name
		found++
	}
	if found == 0 {
		return nil, skipped
	}
	return targets, skipped
}

func toRow(targets, record []string) models.Row {
	row := make(models.Row)
	for i, v := range record {
		if i >= len(targets) || targets[i] == "" || v == "" {
			continue
		}
		row[targets[i]] = v
	}
	return row
}

type csvReader struct {
	f *os.File
	r *csv.Reader
}

func openCSV(path string) (*csvReader, error) {
	f, err := os.Open(path) //nolint:gosec // path is resolved inside the work dir
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return &csvReader{f: f, r: r}, nil
}

func (c *csvReader) Read() ([]string, error) { return c.r.Read() }
func (c *csvReader) Close() error            { return c.f.Close() }

type xlsxReader struct {
	f    *excelize.File
	rows *excelize.Rows
}

// openXLSX streams the first sheet of a workbook.
func openXLSX(path string) (*xlsxReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	rows, err := f.Rows(f.GetSheetName(0))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read xlsx: %w", err)
	}
	return &xlsxReader{f: f, rows: rows}, nil
}

func (x *xlsxReader) Read() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

func (x *xlsxReader) Close() error {
	_ = x.rows.Close()
	return x.f.Close()
}
