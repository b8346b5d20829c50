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
	"time"
)

const automationRuleColumns = `id, dtable_uuid, run_condition, trigger_json, actions_json, creator, org_id,
	last_trigger_time, trigger_count, is_valid, invalid_reason, created_at`

func scanAutomationRule(row interface{ Scan(...any) error }) (*AutomationRule, error) {
	var r AutomationRule
	var last, created sql.NullTime
	if err := row.Scan(&r.ID, &r.DTableUUID, &r.RunCondition, &r.Trigger, &r.Actions, &r.Creator, &r.OrgID,
		&last, &r.TriggerCount, &r.IsValid, &r.InvalidReason, &created); err != nil {
		return nil, err
	}
	r.LastTriggerTime = timeOf(last)
	r.CreatedAt = timeOf(created)
	return &r, nil
}

func (s *Store) queryAutomationRules(ctx context.Context, query string, args ...any) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query automation rules: %w", err)
	}
	defer rows.Close()

	var rules []*AutomationRule
	for rows.Next() {
		r, err := scanAutomationRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateAutomationRule inserts a rule and sets its ID.
func (s *Store) CreateAutomationRule(ctx context.Context, r *AutomationRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.RunCondition == "" {
		r.RunCondition = RunPerUpdate
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO dtable_automation_rules (
		dtable_uuid, run_condition, trigger_json, actions_json, creator, org_id,
		last_trigger_time, trigger_count, is_valid, invalid_reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DTableUUID, r.RunCondition, r.Trigger, r.Actions, r.Creator, r.OrgID,
		nullTime(r.LastTriggerTime), r.TriggerCount, r.IsValid, r.InvalidReason, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert automation rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ListValidAutomationRules returns the event-driven rules of a base.
func (s *Store) ListValidAutomationRules(ctx context.Context, dtableUUID string) ([]*AutomationRule, error) {
	return s.queryAutomationRules(ctx, `SELECT `+automationRuleColumns+`
		FROM dtable_automation_rules
		WHERE dtable_uuid = ? AND run_condition = ? AND is_valid = ?
		ORDER BY id`, dtableUUID, RunPerUpdate, true)
}

// ListPeriodicAutomationRules returns every valid scheduled rule.
func (s *Store) ListPeriodicAutomationRules(ctx context.Context) ([]*AutomationRule, error) {
	return s.queryAutomationRules(ctx, `SELECT `+automationRuleColumns+`
		FROM dtable_automation_rules
		WHERE run_condition IN (?, ?, ?) AND is_valid = ?
		ORDER BY id`, RunPerDay, RunPerWeek, RunPerMonth, true)
}

// GetAutomationRule loads one rule.
func (s *Store) GetAutomationRule(ctx context.Context, id int64) (*AutomationRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+automationRuleColumns+`
		FROM dtable_automation_rules WHERE id = ?`, id)
	r, err := scanAutomationRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("automation rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get automation rule %d: %w", id, err)
	}
	return r, nil
}

// MarkAutomationRuleInvalid disables a rule whose definition no longer fits
// its base.
func (s *Store) MarkAutomationRuleInvalid(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_automation_rules SET is_valid = ?, invalid_reason = ? WHERE id = ?`,
		false, truncate(reason, 1024), id)
	if err != nil {
		return fmt.Errorf("invalidate automation rule %d: %w", id, err)
	}
	return expectOne(res, "automation rule", id)
}

// RecordAutomationTrigger stamps a run.
func (s *Store) RecordAutomationTrigger(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtable_automation_rules SET last_trigger_time = ?, trigger_count = trigger_count + 1 WHERE id = ?`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record automation trigger %d: %w", id, err)
	}
	return expectOne(res, "automation rule", id)
}

// MonthKey formats the bucket the monthly run limit counts into.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// AutomationRunCount returns how many runs owner has used in month.
func (s *Store) AutomationRunCount(ctx context.Context, owner, month string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT run_count FROM dtable_automation_run_counts WHERE owner = ? AND month = ?`,
		owner, month).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read run count for %s: %w", owner, err)
	}
	return n, nil
}

// IncrementAutomationRunCount adds one run to owner's monthly counter.
func (s *Store) IncrementAutomationRunCount(ctx context.Context, owner, month string) error {
	query := `INSERT INTO dtable_automation_run_counts (owner, month, run_count) VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE run_count = run_count + 1`
	if s.dialect == DialectSQLite {
		query = `INSERT INTO dtable_automation_run_counts (owner, month, run_count) VALUES (?, ?, 1)
		ON CONFLICT (owner, month) DO UPDATE SET run_count = run_count + 1`
	}
	if _, err := s.db.ExecContext(ctx, query, owner, month); err != nil {
		return fmt.Errorf("increment run count for %s: %w", owner, err)
	}
	return nil
}
