// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateThirdPartyAccount inserts an account and sets its ID.
func (s *Store) CreateThirdPartyAccount(ctx context.Context, a *ThirdPartyAccount) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Detail == "" {
		a.Detail = "{}"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_third_party_accounts (
		dtable_uuid, account_type, account_name, detail, created_at
	) VALUES (?, ?, ?, ?, ?)`, a.DTableUUID, a.AccountType, a.AccountName, a.Detail, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert third party account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// GetThirdPartyAccount loads one account.
func (s *Store) GetThirdPartyAccount(ctx context.Context, id int64) (*ThirdPartyAccount, error) {
	var a ThirdPartyAccount
	var created sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, dtable_uuid, account_type, account_name, detail, created_at
		FROM dtable_third_party_accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.DTableUUID, &a.AccountType, &a.AccountName, &a.Detail, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("third party account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get third party account %d: %w", id, err)
	}
	a.CreatedAt = timeOf(created)
	return &a, nil
}
