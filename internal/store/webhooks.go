// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateWebhook inserts a webhook and sets its ID.
func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_webhooks (
		dtable_uuid, url, secret, creator, is_valid, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`, w.DTableUUID, w.URL, w.Secret, w.Creator, w.IsValid, w.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// ListValidWebhooksByDTable returns the active webhooks of a base.
func (s *Store) ListValidWebhooksByDTable(ctx context.Context, dtableUUID string) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, dtable_uuid, url, secret, creator, is_valid, created_at
		FROM dtable_webhooks WHERE dtable_uuid = ? AND is_valid = ? ORDER BY id`, dtableUUID, true)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		var w Webhook
		var created sql.NullTime
		if err := rows.Scan(&w.ID, &w.DTableUUID, &w.URL, &w.Secret, &w.Creator, &w.IsValid, &created); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.CreatedAt = timeOf(created)
		hooks = append(hooks, &w)
	}
	return hooks, rows.Err()
}

// MarkWebhookInvalid disables a webhook whose endpoint rejects deliveries.
func (s *Store) MarkWebhookInvalid(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dtable_webhooks SET is_valid = ? WHERE id = ?`, false, id)
	if err != nil {
		return fmt.Errorf("invalidate webhook %d: %w", id, err)
	}
	return expectOne(res, "webhook", id)
}
