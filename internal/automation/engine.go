// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package automation evaluates automation rules against table events and on
// their periodic schedules, and runs their actions.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/filtereval"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/message"
	"github.com/tomtom215/dtable-events/internal/metrics"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

const metricKind = "automation"

// RuleStore is the persistence the engine needs. *store.Store implements it.
type RuleStore interface {
	ListValidAutomationRules(ctx context.Context, dtableUUID string) ([]*store.AutomationRule, error)
	ListPeriodicAutomationRules(ctx context.Context) ([]*store.AutomationRule, error)
	MarkAutomationRuleInvalid(ctx context.Context, id int64, reason string) error
	RecordAutomationTrigger(ctx context.Context, id int64, at time.Time) error
	AutomationRunCount(ctx context.Context, owner, month string) (int, error)
	IncrementAutomationRunCount(ctx context.Context, owner, month string) error
	GetThirdPartyAccount(ctx context.Context, id int64) (*store.ThirdPartyAccount, error)
}

// TableClient reads metadata and writes rows. *dtable.ServerClient
// implements it.
type TableClient interface {
	GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error)
	AppendRow(ctx context.Context, dtableUUID, tableName string, row models.Row) (models.Row, error)
	UpdateRow(ctx context.Context, dtableUUID, tableName, rowID string, row models.Row) error
	LockRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error
	UpdateLinks(ctx context.Context, dtableUUID, linkID, tableID, otherTableID, rowID string, otherRowIDs []string) error
}

// RowQuerier reads rows from dtable-db. *dtable.DBClient implements it.
type RowQuerier interface {
	filtereval.RowQuerier
	QueryFirst(ctx context.Context, dtableUUID string, q sqlgen.Query, pageSize, n int) ([]models.Row, bool, error)
}

// Messenger delivers one message. *message.Manager implements it.
type Messenger interface {
	Send(ctx context.Context, job message.Job) message.DeliveryResult
}

// Engine runs automation rules.
type Engine struct {
	cfg       config.AutomationConfig
	store     RuleStore
	server    TableClient
	db        RowQuerier
	messenger Messenger
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine creates an automation engine.
func NewEngine(cfg config.AutomationConfig, rules RuleStore, server TableClient, db RowQuerier, messenger Messenger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     rules,
		server:    server,
		db:        db,
		messenger: messenger,
		logger:    logging.WithComponent("automation"),
		now:       time.Now,
	}
}

func (e *Engine) actionTimeout() time.Duration {
	if e.cfg.ActionTimeout > 0 {
		return e.cfg.ActionTimeout
	}
	return 30 * time.Second
}

// Name implements events.Consumer.
func (e *Engine) Name() string { return "automation" }

// Consume implements events.Consumer.
func (e *Engine) Consume(ctx context.Context, event *events.TableEvent) error {
	return e.HandleEvent(ctx, event)
}

// HandleEvent runs the per_update rules of the event's base against every
// changed row. Only failures before any rule ran are returned, as retryable
// errors; rule failures are logged so a redelivery never repeats actions.
func (e *Engine) HandleEvent(ctx context.Context, event *events.TableEvent) error {
	if event.IsDelete() {
		return nil
	}
	rules, err := e.store.ListValidAutomationRules(ctx, event.DTableUUID)
	if err != nil {
		return events.NewRetryableError("list automation rules", err)
	}
	var perUpdate []*store.AutomationRule
	for _, r := range rules {
		if r.RunCondition == RunPerUpdate || r.RunCondition == "" {
			perUpdate = append(perUpdate, r)
		}
	}
	if len(perUpdate) == 0 {
		return nil
	}

	meta, err := e.server.GetMetadata(ctx, event.DTableUUID)
	if err != nil {
		if dtable.IsNotFound(err) {
			e.logger.Info().Str("dtable_uuid", event.DTableUUID).Msg("Base gone, skipping automation rules")
			return nil
		}
		return events.NewRetryableError("get metadata", err)
	}

	for _, raw := range perUpdate {
		if err := e.handleRule(ctx, raw, meta, event); err != nil {
			e.fail(ctx, raw, err)
		}
	}
	return nil
}

func (e *Engine) handleRule(ctx context.Context, raw *store.AutomationRule, meta *models.Metadata, event *events.TableEvent) error {
	rule, err := Decode(raw)
	if err != nil {
		return err
	}
	if rule.Trigger.IsPeriodic() || rule.Trigger.TableID != event.TableID {
		return nil
	}
	table, ok := meta.TableByID(rule.Trigger.TableID)
	if !ok {
		return invalid(rule.ID, "table %s not found", rule.Trigger.TableID)
	}
	var view *models.View
	if rule.Trigger.ViewID != "" {
		if view, ok = table.ViewByID(rule.Trigger.ViewID); !ok {
			return invalid(rule.ID, "view %s not found in table %s", rule.Trigger.ViewID, table.Name)
		}
	}

	for i := range event.Rows {
		change := &event.Rows[i]
		fired, err := e.fires(ctx, rule, table, view, event, change)
		if err != nil {
			return err
		}
		if !fired {
			continue
		}
		allowed, err := e.allow(ctx, rule)
		if err != nil {
			return err
		}
		if !allowed {
			return nil
		}
		now := e.now()
		metrics.RuleRuns.WithLabelValues(metricKind, rule.Trigger.Condition).Inc()
		err = e.runActions(ctx, &run{rule: rule, meta: meta, table: table, row: rowOf(change), opUser: event.OpUser, now: now})
		if IsInvalidRule(err) {
			return err
		}
		if err := e.complete(ctx, rule, now); err != nil {
			return err
		}
	}
	return nil
}

// fires evaluates the rule's trigger for one row change.
func (e *Engine) fires(ctx context.Context, rule *Rule, table *models.Table, view *models.View,
	event *events.TableEvent, change *events.RowChange) (bool, error) {
	t := &rule.Trigger
	switch t.Condition {
	case ConditionRowsAdded:
		if !event.IsInsert() {
			return false, nil
		}
	case ConditionRowsModified:
		if !event.IsModify() || !t.watches(change.ChangedKeys()) {
			return false, nil
		}
	case ConditionFiltersSatisfy:
		if event.IsModify() && !t.watches(change.ChangedKeys()) {
			return false, nil
		}
		after, err := e.match(ctx, rule, table, t.Filters, t.FilterConjunction, event.OpUser, rowOf(change))
		if err != nil || !after {
			return false, err
		}
		if event.IsModify() && change.OldRow != nil && !e.narrowWatch(t) {
			before, err := e.match(ctx, rule, table, t.Filters, t.FilterConjunction, event.OpUser, previous(change))
			if err != nil || before {
				return false, err
			}
		}
	default:
		return false, nil
	}

	if view != nil {
		return e.match(ctx, rule, table, view.Filters, view.FilterConjunction, event.OpUser, rowOf(change))
	}
	return true, nil
}

// rowOf returns the changed row with its _id set.
func rowOf(change *events.RowChange) models.Row {
	if models.RowID(change.Row) != "" {
		return change.Row
	}
	row := make(models.Row, len(change.Row)+1)
	for k, v := range change.Row {
		row[k] = v
	}
	row[models.RowIDKey] = change.RowID
	return row
}

// previous rebuilds the row as it was before the change. OldRow may only
// carry the changed cells.
func previous(change *events.RowChange) models.Row {
	row := make(models.Row, len(change.Row))
	for k, v := range change.Row {
		row[k] = v
	}
	for k, v := range change.OldRow {
		row[k] = v
	}
	return row
}

// narrowWatch reports whether the trigger watches specific columns. A
// change to a watched column fires filters_satisfy even when the row
// already matched.
func (e *Engine) narrowWatch(t *Trigger) bool {
	return !t.WatchAllColumns && len(t.ColumnKeys) > 0
}

func (e *Engine) match(ctx context.Context, rule *Rule, table *models.Table, filters []sqlgen.Filter,
	conjunction, username string, row models.Row) (bool, error) {
	ok, err := filtereval.MatchRow(ctx, e.db, rule.DTableUUID, table, filters, conjunction, username, row)
	var cnf *sqlgen.ColumnNotFoundError
	var pns *sqlgen.PredicateNotSupportedError
	switch {
	case errors.As(err, &cnf), errors.As(err, &pns):
		return false, invalid(rule.ID, "%v", err)
	case err != nil:
		return false, fmt.Errorf("evaluate filters: %w", err)
	}
	return ok, nil
}

// allow checks the owner's monthly run budget.
func (e *Engine) allow(ctx context.Context, rule *Rule) (bool, error) {
	if e.cfg.MonthlyRunLimit <= 0 {
		return true, nil
	}
	count, err := e.store.AutomationRunCount(ctx, rule.Owner(), store.MonthKey(e.now()))
	if err != nil {
		return false, fmt.Errorf("read run count: %w", err)
	}
	if count >= e.cfg.MonthlyRunLimit {
		metrics.RuleRunsSkipped.WithLabelValues(metricKind, "run_limit").Inc()
		e.logger.Info().Int64("rule_id", rule.ID).Str("owner", rule.Owner()).
			Int("limit", e.cfg.MonthlyRunLimit).Msg("Monthly automation run limit reached, skipping")
		return false, nil
	}
	return true, nil
}

// complete records a finished run on the rule and the owner's budget.
func (e *Engine) complete(ctx context.Context, rule *Rule, at time.Time) error {
	if err := e.store.RecordAutomationTrigger(ctx, rule.ID, at); err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	rule.LastTriggerTime = at
	rule.TriggerCount++
	if e.cfg.MonthlyRunLimit > 0 {
		if err := e.store.IncrementAutomationRunCount(ctx, rule.Owner(), store.MonthKey(at)); err != nil {
			return fmt.Errorf("count run: %w", err)
		}
	}
	return nil
}

// fail logs a rule failure and marks the rule invalid when its definition
// is at fault.
func (e *Engine) fail(ctx context.Context, raw *store.AutomationRule, err error) {
	var ire *InvalidRuleError
	if !errors.As(err, &ire) {
		logging.Ctx(ctx).Warn().Err(err).Int64("rule_id", raw.ID).Str("dtable_uuid", raw.DTableUUID).
			Msg("Automation rule failed")
		return
	}
	e.logger.Warn().Int64("rule_id", raw.ID).Str("reason", ire.Reason).Msg("Marking automation rule invalid")
	metrics.RulesInvalidated.WithLabelValues(metricKind).Inc()
	if merr := e.store.MarkAutomationRuleInvalid(ctx, raw.ID, ire.Reason); merr != nil {
		e.logger.Error().Err(merr).Int64("rule_id", raw.ID).Msg("Failed to mark automation rule invalid")
	}
}

// RunPeriodic runs every periodic rule whose schedule came due since its
// last trigger. It returns the number of rules run.
func (e *Engine) RunPeriodic(ctx context.Context, now time.Time) (int, error) {
	rules, err := e.store.ListPeriodicAutomationRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list periodic automation rules: %w", err)
	}

	metas := make(map[string]*models.Metadata)
	ran := 0
	for _, raw := range rules {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		done, err := e.runPeriodicRule(ctx, raw, metas, now)
		if err != nil {
			e.fail(ctx, raw, err)
		}
		if done {
			ran++
		}
	}
	return ran, nil
}

func (e *Engine) runPeriodicRule(ctx context.Context, raw *store.AutomationRule, metas map[string]*models.Metadata, now time.Time) (bool, error) {
	rule, err := Decode(raw)
	if err != nil {
		return false, err
	}
	if !rule.Trigger.IsPeriodic() {
		return false, nil
	}
	sched, err := rule.Schedule()
	if err != nil {
		return false, err
	}
	if !rule.Due(sched, now) {
		return false, nil
	}

	meta, ok := metas[rule.DTableUUID]
	if !ok {
		meta, err = e.server.GetMetadata(ctx, rule.DTableUUID)
		if err != nil {
			return false, fmt.Errorf("get metadata: %w", err)
		}
		metas[rule.DTableUUID] = meta
	}
	table, ok := meta.TableByID(rule.Trigger.TableID)
	if !ok {
		return false, invalid(rule.ID, "table %s not found", rule.Trigger.TableID)
	}

	allowed, err := e.allow(ctx, rule)
	if err != nil || !allowed {
		return false, err
	}

	var rows []models.Row
	if rule.Trigger.Condition == ConditionRunPeriodicallyByCondition {
		rows, err = e.periodicRows(ctx, rule, table, now)
		if err != nil {
			return false, err
		}
	}

	metrics.RuleRuns.WithLabelValues(metricKind, rule.Trigger.Condition).Inc()
	var runErr error
	if rule.Trigger.Condition == ConditionRunPeriodically {
		runErr = e.runActions(ctx, &run{rule: rule, meta: meta, table: table, opUser: rule.Creator, now: now})
	} else {
		var errs []error
		for _, row := range rows {
			if err := e.runActions(ctx, &run{rule: rule, meta: meta, table: table, row: row, opUser: rule.Creator, now: now}); err != nil {
				if IsInvalidRule(err) {
					return false, err
				}
				errs = append(errs, err)
			}
		}
		runErr = errors.Join(errs...)
	}
	if IsInvalidRule(runErr) {
		return false, runErr
	}
	if err := e.complete(ctx, rule, now); err != nil {
		return false, err
	}
	return true, runErr
}

// periodicRows loads the rows matching the rule's filters, and its view's
// when set.
func (e *Engine) periodicRows(ctx context.Context, rule *Rule, table *models.Table, now time.Time) ([]models.Row, error) {
	q := sqlgen.Query{
		TableName:   table.Name,
		Columns:     table.Columns,
		Filters:     rule.Trigger.Filters,
		Conjunction: rule.Trigger.FilterConjunction,
		Username:    rule.Creator,
		Now:         now,
	}
	if rule.Trigger.ViewID != "" {
		view, ok := table.ViewByID(rule.Trigger.ViewID)
		if !ok {
			return nil, invalid(rule.ID, "view %s not found in table %s", rule.Trigger.ViewID, table.Name)
		}
		q.FilterGroups = []sqlgen.FilterGroup{{Filters: view.Filters, Conjunction: view.FilterConjunction}}
	}

	limit := e.cfg.PeriodicRowLimit
	if limit <= 0 {
		limit = 1000
	}
	rows, more, err := e.db.QueryFirst(ctx, rule.DTableUUID, q, min(limit, 1000), limit)
	var cnf *sqlgen.ColumnNotFoundError
	var pns *sqlgen.PredicateNotSupportedError
	switch {
	case errors.As(err, &cnf), errors.As(err, &pns):
		return nil, invalid(rule.ID, "%v", err)
	case err != nil:
		return nil, fmt.Errorf("query rows: %w", err)
	}
	if more {
		metrics.RuleRowsCapped.WithLabelValues(metricKind).Inc()
		logging.Ctx(ctx).Warn().Int64("rule_id", rule.ID).Int("limit", limit).
			Msg("More rows match than the periodic row limit, running on the first rows only")
	}
	return rows, nil
}
