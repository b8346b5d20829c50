// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package notification evaluates notification rules: on row changes, and
// once a day for rows whose date column is near.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const (
	metricKind = "notification"
	// msgType is the in-app notification type dtable-web renders.
	msgType = "notification_rules"
)

// RuleStore is the persistence the engine needs. *store.Store implements it.
type RuleStore interface {
	ListValidNotificationRulesByDTable(ctx context.Context, dtableUUID string) ([]*store.NotificationRule, error)
	ListPeriodicNotificationRules(ctx context.Context) ([]*store.NotificationRule, error)
	MarkNotificationRuleInvalid(ctx context.Context, id int64) error
	RecordNotificationTrigger(ctx context.Context, id int64, at time.Time) error
}

// MetadataReader loads base schemas. *dtable.ServerClient implements it.
type MetadataReader interface {
	GetMetadata(ctx context.Context, dtableUUID string) (*models.Metadata, error)
}

// RowReader queries dtable-db. *dtable.DBClient implements it.
type RowReader interface {
	filtereval.RowQuerier
	Query(ctx context.Context, dtableUUID, sql string) (*dtable.QueryResult, error)
}

// Messenger delivers messages. *message.Manager implements it.
type Messenger interface {
	Send(ctx context.Context, job message.Job) message.DeliveryResult
	Deliver(ctx context.Context, jobs []message.Job) *message.Report
}

// Engine runs notification rules.
type Engine struct {
	cfg       config.NotificationConfig
	store     RuleStore
	server    MetadataReader
	db        RowReader
	messenger Messenger
	logger    zerolog.Logger
}

// NewEngine creates a notification engine.
func NewEngine(cfg config.NotificationConfig, rules RuleStore, server MetadataReader, db RowReader, messenger Messenger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     rules,
		server:    server,
		db:        db,
		messenger: messenger,
		logger:    logging.WithComponent("notification"),
	}
}

// Name implements events.Consumer.
func (e *Engine) Name() string { return "notification" }

// Consume implements events.Consumer.
func (e *Engine) Consume(ctx context.Context, event *events.TableEvent) error {
	return e.HandleEvent(ctx, event)
}

// HandleEvent notifies the recipients of every rule of the base that the
// event's rows fire.
func (e *Engine) HandleEvent(ctx context.Context, event *events.TableEvent) error {
	if event.IsDelete() {
		return nil
	}
	rules, err := e.store.ListValidNotificationRulesByDTable(ctx, event.DTableUUID)
	if err != nil {
		return events.NewRetryableError("list notification rules", err)
	}
	if len(rules) == 0 {
		return nil
	}
	meta, err := e.server.GetMetadata(ctx, event.DTableUUID)
	if err != nil {
		if dtable.IsNotFound(err) {
			return nil
		}
		return events.NewRetryableError("get metadata", err)
	}

	for _, raw := range rules {
		if err := e.handleRule(ctx, raw, meta, event); err != nil {
			e.fail(ctx, raw, err)
		}
	}
	return nil
}

func (e *Engine) handleRule(ctx context.Context, raw *store.NotificationRule, meta *models.Metadata, event *events.TableEvent) error {
	rule, err := Decode(raw)
	if err != nil {
		return err
	}
	t := &rule.Trigger
	if t.Condition == ConditionNearDeadline || t.TableID != event.TableID {
		return nil
	}
	table, view, err := resolve(rule, meta)
	if err != nil {
		return err
	}

	fired := false
	for i := range event.Rows {
		change := &event.Rows[i]
		ok, err := e.fires(ctx, rule, table, view, event, change)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		row := change.Row
		if models.RowID(row) == "" {
			row = withID(row, change.RowID)
		}
		if err := e.notify(ctx, rule, table, row); err != nil {
			if errors.Is(err, errInvalidRule) {
				return err
			}
			e.logger.Warn().Err(err).Int64("rule_id", rule.ID).Str("row_id", change.RowID).Msg("Notification delivery failed")
		}
		fired = true
	}
	if !fired {
		return nil
	}
	metrics.RuleRuns.WithLabelValues(metricKind, t.Condition).Inc()
	return e.store.RecordNotificationTrigger(ctx, rule.ID, time.Now())
}

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
		ok, err := e.match(ctx, rule, table, t.Filters, t.FilterConjunction, event.OpUser, change.Row, change.RowID)
		if err != nil || !ok {
			return false, err
		}
		if event.IsModify() && len(change.OldRow) > 0 {
			before := make(models.Row, len(change.Row))
			for k, v := range change.Row {
				before[k] = v
			}
			for k, v := range change.OldRow {
				before[k] = v
			}
			was, err := e.match(ctx, rule, table, t.Filters, t.FilterConjunction, event.OpUser, before, change.RowID)
			if err != nil || was {
				return false, err
			}
		}
	default:
		return false, nil
	}
	if view != nil {
		return e.match(ctx, rule, table, view.Filters, view.FilterConjunction, event.OpUser, change.Row, change.RowID)
	}
	return true, nil
}

func (e *Engine) match(ctx context.Context, rule *Rule, table *models.Table, filters []sqlgen.Filter,
	conjunction, username string, row models.Row, rowID string) (bool, error) {
	if models.RowID(row) == "" {
		row = withID(row, rowID)
	}
	ok, err := filtereval.MatchRow(ctx, e.db, rule.DTableUUID, table, filters, conjunction, username, row)
	if isDefinitionError(err) {
		return false, fmt.Errorf("%w %d: %v", errInvalidRule, rule.ID, err)
	}
	return ok, err
}

// notify sends the rendered message to the rule's users and to those named
// in the row's user column.
func (e *Engine) notify(ctx context.Context, rule *Rule, table *models.Table, row models.Row) error {
	job, err := notification(rule, table, row)
	if err != nil || job == nil {
		return err
	}
	res := e.messenger.Send(ctx, *job)
	if !res.Success {
		return fmt.Errorf("in-app delivery failed (%s): %s", res.ErrorCode, res.ErrorMessage)
	}
	return nil
}

// notification builds the in-app job for one row, or nil when nobody is to
// be notified.
func notification(rule *Rule, table *models.Table, row models.Row) (*message.Job, error) {
	users := append([]string{}, rule.Action.Users...)
	if key := rule.Action.UsersColumnKey; key != "" {
		col, ok := table.ColumnByKey(key)
		if !ok {
			return nil, fmt.Errorf("%w %d: column %s not found", errInvalidRule, rule.ID, key)
		}
		users = append(users, usernames(row[col.Name])...)
	}
	users = dedupe(users)
	if len(users) == 0 {
		return nil, nil
	}

	return &message.Job{
		ID:      fmt.Sprintf("notification-%d-%s", rule.ID, models.RowID(row)),
		Channel: message.ChannelInApp,
		Params: &message.SendParams{
			DTableUUID:       rule.DTableUUID,
			To:               users,
			NotificationType: msgType,
			Detail: map[string]any{
				"table_id":    table.ID,
				"view_id":     rule.Trigger.ViewID,
				"condition":   rule.Trigger.Condition,
				"rule_id":     rule.ID,
				"rule_name":   rule.Trigger.RuleName,
				"msg":         message.Render(rule.Action.Msg, row, table.Columns),
				"row_id_list": []string{models.RowID(row)},
			},
		},
	}, nil
}

// ScanDeadlines runs the near_deadline rules whose notify hour is now and
// that have not run today. It returns the number of rules run.
func (e *Engine) ScanDeadlines(ctx context.Context, now time.Time) (int, error) {
	rules, err := e.store.ListPeriodicNotificationRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list near deadline rules: %w", err)
	}
	metas := make(map[string]*models.Metadata)
	ran := 0
	for _, raw := range rules {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		done, err := e.scanRule(ctx, raw, metas, now)
		if err != nil {
			e.fail(ctx, raw, err)
		}
		if done {
			ran++
		}
	}
	return ran, nil
}

func (e *Engine) scanRule(ctx context.Context, raw *store.NotificationRule, metas map[string]*models.Metadata, now time.Time) (bool, error) {
	rule, err := Decode(raw)
	if err != nil {
		return false, err
	}
	t := &rule.Trigger
	if t.Condition != ConditionNearDeadline || now.Hour() != t.NotifyHour {
		return false, nil
	}
	if last := rule.LastTriggerTime; !last.IsZero() && sameDay(last.In(now.Location()), now) {
		return false, nil
	}

	meta, ok := metas[rule.DTableUUID]
	if !ok {
		if meta, err = e.server.GetMetadata(ctx, rule.DTableUUID); err != nil {
			return false, fmt.Errorf("get metadata: %w", err)
		}
		metas[rule.DTableUUID] = meta
	}
	table, view, err := resolve(rule, meta)
	if err != nil {
		return false, err
	}
	dateCol, ok := table.ColumnByKey(t.DateColumnKey)
	if !ok {
		return false, fmt.Errorf("%w %d: date column %s not found", errInvalidRule, rule.ID, t.DateColumnKey)
	}

	q := sqlgen.Query{
		TableName:   table.Name,
		Columns:     table.Columns,
		Filters:     []sqlgen.Filter{sqlgen.DueWithinFilter(*dateCol, t.AlarmDays)},
		Username:    rule.Creator,
		Sorts:       []sqlgen.Sort{{ColumnKey: dateCol.Key, SortType: sqlgen.SortUp}},
		Limit:       e.maxRows(),
		Now:         now,
	}
	if len(t.Filters) > 0 {
		q.FilterGroups = []sqlgen.FilterGroup{{Filters: t.Filters, Conjunction: t.FilterConjunction}}
	}
	if view != nil {
		q.FilterGroups = append(q.FilterGroups, sqlgen.FilterGroup{Filters: view.Filters, Conjunction: view.FilterConjunction})
	}
	sql, err := sqlgen.Build(q)
	if err != nil {
		if isDefinitionError(err) {
			return false, fmt.Errorf("%w %d: %v", errInvalidRule, rule.ID, err)
		}
		return false, err
	}
	res, err := e.db.Query(ctx, rule.DTableUUID, sql)
	if err != nil {
		return false, fmt.Errorf("query near deadline rows: %w", err)
	}

	jobs := make([]message.Job, 0, len(res.Rows))
	for _, row := range res.Rows {
		job, err := notification(rule, table, row)
		if err != nil {
			return false, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	report := e.messenger.Deliver(ctx, jobs)
	for i, r := range report.Results {
		if !r.Success {
			e.logger.Warn().Int64("rule_id", rule.ID).Str("job", jobs[i].ID).Str("code", r.ErrorCode).
				Str("error", r.ErrorMessage).Msg("Deadline notification failed")
		}
	}
	metrics.RuleRuns.WithLabelValues(metricKind, ConditionNearDeadline).Inc()
	if err := e.store.RecordNotificationTrigger(ctx, rule.ID, now); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) maxRows() int {
	if e.cfg.MaxRows > 0 {
		return e.cfg.MaxRows
	}
	return 50
}

func (e *Engine) fail(ctx context.Context, raw *store.NotificationRule, err error) {
	if !errors.Is(err, errInvalidRule) {
		e.logger.Warn().Err(err).Int64("rule_id", raw.ID).Str("dtable_uuid", raw.DTableUUID).Msg("Notification rule failed")
		return
	}
	e.logger.Warn().Err(err).Int64("rule_id", raw.ID).Msg("Marking notification rule invalid")
	metrics.RulesInvalidated.WithLabelValues(metricKind).Inc()
	if merr := e.store.MarkNotificationRuleInvalid(ctx, raw.ID); merr != nil {
		e.logger.Error().Err(merr).Int64("rule_id", raw.ID).Msg("Failed to mark notification rule invalid")
	}
}

func resolve(rule *Rule, meta *models.Metadata) (*models.Table, *models.View, error) {
	table, ok := meta.TableByID(rule.Trigger.TableID)
	if !ok {
		return nil, nil, fmt.Errorf("%w %d: table %s not found", errInvalidRule, rule.ID, rule.Trigger.TableID)
	}
	if rule.Trigger.ViewID == "" {
		return table, nil, nil
	}
	view, ok := table.ViewByID(rule.Trigger.ViewID)
	if !ok {
		return nil, nil, fmt.Errorf("%w %d: view %s not found", errInvalidRule, rule.ID, rule.Trigger.ViewID)
	}
	return table, view, nil
}

func isDefinitionError(err error) bool {
	var cnf *sqlgen.ColumnNotFoundError
	var pns *sqlgen.PredicateNotSupportedError
	return errors.As(err, &cnf) || errors.As(err, &pns)
}

// usernames reads a collaborator cell, or a comma separated text cell.
func usernames(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func withID(row models.Row, id string) models.Row {
	out := make(models.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[models.RowIDKey] = id
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
