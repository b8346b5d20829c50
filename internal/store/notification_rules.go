// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const notificationRuleColumns = `id, dtable_uuid, trigger_json, action_json, creator, last_trigger_time, is_valid, created_at`

func (s *Store) queryNotificationRules(ctx context.Context, query string, args ...any) ([]*NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notification rules: %w", err)
	}
	defer rows.Close()

	var rules []*NotificationRule
	for rows.Next() {
		var r NotificationRule
		var last, created sql.NullTime
		if err := rows.Scan(&r.ID, &r.DTableUUID, &r.Trigger, &r.Action, &r.Creator, &last, &r.IsValid, &created); err != nil {
			return nil, fmt.Errorf("scan notification rule: %w", err)
		}
		r.LastTriggerTime = timeOf(last)
		r.CreatedAt = timeOf(created)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// CreateNotificationRule inserts a rule and sets its ID.
func (s *Store) CreateNotificationRule(ctx context.Context, r *NotificationRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_notification_rules (
		dtable_uuid, trigger_json, action_json, creator, last_trigger_time, is_valid, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DTableUUID, r.Trigger, r.Action, r.Creator, nullTime(r.LastTriggerTime), r.IsValid, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert notification rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ListValidNotificationRulesByDTable returns the active rules of a base.
func (s *Store) ListValidNotificationRulesByDTable(ctx context.Context, dtableUUID string) ([]*NotificationRule, error) {
	return s.queryNotificationRules(ctx, `SELECT `+notificationRuleColumns+`
		FROM dtable_notification_rules
		WHERE dtable_uuid = ? AND is_valid = ?
		ORDER BY id`, dtableUUID, true)
}

// ListPeriodicNotificationRules returns the valid near_deadline rules. The
// condition lives inside the trigger JSON, so the match is textual and the
// caller re-checks after decoding.
func (s *Store) ListPeriodicNotificationRules(ctx context.Context) ([]*NotificationRule, error) {
	rules, err := s.queryNotificationRules(ctx, `SELECT `+notificationRuleColumns+`
		FROM dtable_notification_rules
		WHERE is_valid = ? AND trigger_json LIKE ?
		ORDER BY id`, true, "%near_deadline%")
	if err != nil {
		return nil, err
	}
	out := rules[:0]
	for _, r := range rules {
		if strings.Contains(r.Trigger, "near_deadline") {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkNotificationRuleInvalid disables a rule.
func (s *Store) MarkNotificationRuleInvalid(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_notification_rules SET is_valid = ? WHERE id = ?`, false, id)
	if err != nil {
		return fmt.Errorf("invalidate notification rule %d: %w", id, err)
	}
	return expectOne(res, "notification rule", id)
}

// RecordNotificationTrigger stamps a run.
func (s *Store) RecordNotificationTrigger(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_notification_rules SET last_trigger_time = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record notification trigger %d: %w", id, err)
	}
	return expectOne(res, "notification rule", id)
}
