// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package transfer exports table views to CSV or XLSX files and imports such
// files into existing tables.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
)

// Supported file formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var (
	// ErrUnsupportedFormat is returned for a format other than csv or xlsx.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyFile is returned when an import file has no header row.
	ErrEmptyFile = errors.New("file has no header row")
)

// MetadataReader reads base schemas. *dtable.ServerClient implements it.
type MetadataReader interface {
	GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error)
}

// RowReader pages through query results. *dtable.DBClient implements it.
type RowReader interface {
	QueryAll(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, maxRows int) ([]models.Row, error)
}

// RowAppender appends rows in bulk. *dtable.ServerClient implements it.
type RowAppender interface {
	BatchAppendRows(ctx context.Context, dtableUUID, tableName string, rows []models.Row) error
}

// ExportRequest selects the view to export.
type ExportRequest struct {
	DTableUUID string `json:"dtable_uuid" validate:"required"`
	TableID    string `json:"table_id" validate:"required"`
	ViewID     string `json:"view_id"`
	Format     string `json:"format" validate:"omitempty,oneof=csv xlsx"`
	Username   string `json:"username"`
}

// ImportRequest names the file to import and its target table.
type ImportRequest struct {
	DTableUUID string `json:"dtable_uuid" validate:"required"`
	TableName  string `json:"table_name" validate:"required"`
	FileName   string `json:"file_name" validate:"required"`
	Format     string `json:"format" validate:"omitempty,oneof=csv xlsx"`
}

// Result describes a finished transfer.
type Result struct {
	Path    string   `json:"path,omitempty"`
	Rows    int      `json:"rows"`
	Skipped []string `json:"skipped_columns,omitempty"`
}

// Service runs exports and imports inside the configured work directory.
type Service struct {
	cfg    config.TransferConfig
	server MetadataReader
	rows   RowAppender
	db     RowReader
	logger zerolog.Logger
}

// NewService creates a transfer service.
func NewService(cfg config.TransferConfig, server MetadataReader, rows RowAppender, db RowReader) *Service {
	return &Service{
		cfg:    cfg,
		server: server,
		rows:   rows,
		db:     db,
		logger: logging.WithComponent("transfer"),
	}
}

// formatOf returns the explicit format, or the one implied by the file
// extension.
func formatOf(format, name string) (string, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	}
	switch format {
	case FormatCSV, FormatXLSX:
		return format, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// workPath resolves name inside the work directory and rejects names that
// escape it.
func (s *Service) workPath(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.cfg.WorkDir, clean), nil
}

func (s *Service) table(ctx context.Context, dtableUUID string, find func(*models.Metadata) (*models.Table, bool), ref string) (*models.Table, error) {
	meta, err := s.server.GetMetadata(ctx, dtableUUID)
	if err != nil {
		if dtable.IsNotFound(err) {
			return nil, fmt.Errorf("base %s not found", dtableUUID)
		}
		return nil, fmt.Errorf("metadata: %w", err)
	}
	table, ok := find(meta)
	if !ok {
		return nil, fmt.Errorf("table %s not found", ref)
	}
	return table, nil
}
