// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/tomtom215/dtable-events/internal/message"
	"github.com/tomtom215/dtable-events/internal/metrics"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

// linkMatchLimit caps the rows link_records connects to one row.
const linkMatchLimit = 1000

// Third-party account types per action.
var accountTypes = map[string]string{
	ActionSendEmail:    "email",
	ActionSendWeChat:   "wechat_robot",
	ActionSendDingTalk: "dingtalk_robot",
}

// run is one rule firing: the rule, its table and, for row triggers, the
// row that fired it.
type run struct {
	rule   *Rule
	meta   *models.Metadata
	table  *models.Table
	row    models.Row
	opUser string
	now    time.Time
}

func (r *run) rowID() string {
	if r.row == nil {
		return ""
	}
	return models.RowID(r.row)
}

// runActions executes all actions of the rule in order. A definition error
// stops the run; other failures are collected and the next action runs.
func (e *Engine) runActions(ctx context.Context, r *run) error {
	var errs []error
	for i := range r.rule.Actions {
		action := &r.rule.Actions[i]
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout())
		err := e.runAction(actx, r, action)
		cancel()
		metrics.RecordAction(action.Type, err)
		if err == nil {
			continue
		}
		if IsInvalidRule(err) {
			return err
		}
		e.logger.Warn().Err(err).Int64("rule_id", r.rule.ID).Str("action", action.Type).
			Str("row_id", r.rowID()).Msg("Automation action failed")
		errs = append(errs, fmt.Errorf("action %s: %w", action.Type, err))
	}
	return errors.Join(errs...)
}

func (e *Engine) runAction(ctx context.Context, r *run, a *Action) error {
	switch a.Type {
	case ActionNotify:
		return e.notify(ctx, r, a)
	case ActionUpdateRecord:
		return e.updateRecord(ctx, r, a)
	case ActionAddRecord:
		return e.addRecord(ctx, r, r.table, a)
	case ActionAddRecordToOtherTable:
		dst, ok := r.meta.TableByID(a.DstTableID)
		if !ok {
			return invalid(r.rule.ID, "destination table %s not found", a.DstTableID)
		}
		return e.addRecord(ctx, r, dst, a)
	case ActionLockRecord:
		if r.row == nil {
			return nil
		}
		return e.server.LockRows(ctx, r.rule.DTableUUID, r.table.Name, []string{r.rowID()})
	case ActionLinkRecords:
		return e.linkRecords(ctx, r, a)
	case ActionSendWeChat, ActionSendDingTalk, ActionSendEmail:
		return e.sendMessage(ctx, r, a)
	default:
		return invalid(r.rule.ID, "unknown action type %q", a.Type)
	}
}

// render substitutes {Column Name} placeholders from the firing row.
func (r *run) render(template string) string {
	if r.row == nil {
		return template
	}
	return message.Render(template, r.row, r.table.Columns)
}

// columnValues reads the usernames or addresses stored in a column of the
// firing row. Collaborator columns hold a list; text columns a single value
// or a comma separated list.
func (r *run) columnValues(columnKey string) ([]string, error) {
	if columnKey == "" || r.row == nil {
		return nil, nil
	}
	col, ok := r.table.ColumnByKey(columnKey)
	if !ok {
		return nil, invalid(r.rule.ID, "column %s not found in table %s", columnKey, r.table.Name)
	}
	var out []string
	switch v := r.row[col.Name].(type) {
	case []any:
		for _, item := range v {
			if s := strings.TrimSpace(models.ValueString(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (e *Engine) notify(ctx context.Context, r *run, a *Action) error {
	fromColumn, err := r.columnValues(a.UsersColumnKey)
	if err != nil {
		return err
	}
	users := dedupe(append(append([]string{}, a.Users...), fromColumn...))
	if len(users) == 0 {
		return nil
	}
	detail := map[string]any{
		"table_id":             r.table.ID,
		"msg":                  r.render(a.Msg),
		"row_id_list":          []string{},
		"automation_rule_id":   r.rule.ID,
		"automation_rule_name": r.rule.Trigger.RuleName,
	}
	if id := r.rowID(); id != "" {
		detail["row_id_list"] = []string{id}
	}
	res := e.messenger.Send(ctx, message.Job{
		ID:      fmt.Sprintf("automation-%d-notify", r.rule.ID),
		Channel: message.ChannelInApp,
		Params: &message.SendParams{
			DTableUUID:       r.rule.DTableUUID,
			To:               users,
			NotificationType: "notification_rules",
			Detail:           detail,
		},
	})
	return deliveryError(res)
}

// values builds a row keyed by column name on dst from action values keyed
// by column key. String values are templates over the firing row; then
// expressions are evaluated over row, now and user.
func (e *Engine) values(r *run, dst *models.Table, a *Action) (models.Row, error) {
	out := make(models.Row, len(a.Row)+len(a.Expressions))
	for key, value := range a.Row {
		col, ok := dst.ColumnByKey(key)
		if !ok {
			return nil, invalid(r.rule.ID, "column %s not found in table %s", key, dst.Name)
		}
		if s, ok := value.(string); ok {
			value = r.render(s)
		}
		out[col.Name] = value
	}
	if len(a.Expressions) == 0 {
		return out, nil
	}
	env := map[string]any{
		"row":  r.row,
		"now":  r.now,
		"user": r.opUser,
	}
	if r.row == nil {
		env["row"] = map[string]any{}
	}
	for key, source := range a.Expressions {
		col, ok := dst.ColumnByKey(key)
		if !ok {
			return nil, invalid(r.rule.ID, "column %s not found in table %s", key, dst.Name)
		}
		program, err := expr.Compile(source, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, invalid(r.rule.ID, "expression for %s: %v", col.Name, err)
		}
		v, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate expression for %s: %w", col.Name, err)
		}
		if t, ok := v.(time.Time); ok {
			v = t.Format("2006-01-02 15:04")
		}
		out[col.Name] = v
	}
	return out, nil
}

func (e *Engine) updateRecord(ctx context.Context, r *run, a *Action) error {
	if r.row == nil {
		return nil
	}
	updates, err := e.values(r, r.table, a)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	return e.server.UpdateRow(ctx, r.rule.DTableUUID, r.table.Name, r.rowID(), updates)
}

func (e *Engine) addRecord(ctx context.Context, r *run, dst *models.Table, a *Action) error {
	row, err := e.values(r, dst, a)
	if err != nil {
		return err
	}
	_, err = e.server.AppendRow(ctx, r.rule.DTableUUID, dst.Name, row)
	return err
}

// linkRecords links the firing row to every row of the linked table whose
// match columns equal the firing row's values.
func (e *Engine) linkRecords(ctx context.Context, r *run, a *Action) error {
	if r.row == nil {
		return nil
	}
	other, ok := r.meta.TableByID(a.LinkedTableID)
	if !ok {
		return invalid(r.rule.ID, "linked table %s not found", a.LinkedTableID)
	}
	if len(a.MatchConditions) == 0 {
		return invalid(r.rule.ID, "link_records has no match conditions")
	}

	filters := make([]sqlgen.Filter, 0, len(a.MatchConditions))
	for _, mc := range a.MatchConditions {
		src, ok := r.table.ColumnByKey(mc.ColumnKey)
		if !ok {
			return invalid(r.rule.ID, "column %s not found in table %s", mc.ColumnKey, r.table.Name)
		}
		dst, ok := other.ColumnByKey(mc.OtherColumnKey)
		if !ok {
			return invalid(r.rule.ID, "column %s not found in table %s", mc.OtherColumnKey, other.Name)
		}
		value := r.row[src.Name]
		if models.ValueString(value) == "" {
			// An empty match value links nothing.
			return nil
		}
		filters = append(filters, matchFilter(dst, value))
	}

	rows, more, err := e.db.QueryFirst(ctx, r.rule.DTableUUID, sqlgen.Query{
		TableName:   other.Name,
		Columns:     other.Columns,
		Select:      []string{models.RowIDKey},
		Filters:     filters,
		Conjunction: "And",
		Now:         r.now,
	}, linkMatchLimit, linkMatchLimit)
	if err != nil {
		var cnf *sqlgen.ColumnNotFoundError
		if errors.As(err, &cnf) {
			return invalid(r.rule.ID, "%v", err)
		}
		return fmt.Errorf("find rows to link: %w", err)
	}
	if more {
		e.logger.Warn().Int64("rule_id", r.rule.ID).Int("limit", linkMatchLimit).
			Msg("More rows match than the link limit, linking the first rows only")
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := models.RowID(row); id != "" {
			ids = append(ids, id)
		}
	}
	return e.server.UpdateLinks(ctx, r.rule.DTableUUID, a.LinkID, r.table.ID, other.ID, r.rowID(), ids)
}

// matchFilter builds an equality filter on col for a value read from
// another table's row.
func matchFilter(col *models.Column, value any) sqlgen.Filter {
	f := sqlgen.Filter{ColumnKey: col.Key, Predicate: string(sqlgen.PredIs), Term: value}
	switch sqlgen.ColumnType(col.Type) {
	case sqlgen.TypeNumber, sqlgen.TypeDuration, sqlgen.TypeRate:
		f.Predicate = string(sqlgen.PredEqual)
	case sqlgen.TypeSingleSelect:
		if id, ok := col.OptionID(models.ValueString(value)); ok {
			f.Term = id
		}
	case sqlgen.TypeDate:
		f.TermModifier = string(sqlgen.ModExactDate)
	}
	return f
}

func (e *Engine) sendMessage(ctx context.Context, r *run, a *Action) error {
	raw, err := e.store.GetThirdPartyAccount(ctx, a.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(r.rule.ID, "account %d not found", a.AccountID)
	}
	if err != nil {
		return err
	}
	if want := accountTypes[a.Type]; raw.AccountType != want {
		return invalid(r.rule.ID, "account %d is %s, %s needs %s", a.AccountID, raw.AccountType, a.Type, want)
	}
	if raw.DTableUUID != "" && raw.DTableUUID != r.rule.DTableUUID {
		return invalid(r.rule.ID, "account %d belongs to another base", a.AccountID)
	}
	account, err := message.ParseAccount(raw.Detail)
	if err != nil {
		return invalid(r.rule.ID, "account %d: %v", a.AccountID, err)
	}

	params := &message.SendParams{
		DTableUUID: r.rule.DTableUUID,
		Body:       r.render(a.Msg),
		MsgType:    a.MsgType,
		Account:    account,
	}
	var channel message.ChannelName
	switch a.Type {
	case ActionSendWeChat:
		channel = message.ChannelWeChat
	case ActionSendDingTalk:
		channel = message.ChannelDingTalk
		params.Subject = r.render(a.Subject)
	case ActionSendEmail:
		channel = message.ChannelEmail
		fromColumn, err := r.columnValues(a.SendToColumnKey)
		if err != nil {
			return err
		}
		params.To = dedupe(append(append([]string{}, a.SendTo...), fromColumn...))
		params.Cc = a.CopyTo
		params.ReplyTo = a.ReplyTo
		params.Subject = r.render(a.Subject)
		if len(params.To) == 0 {
			return nil
		}
	}

	res := e.messenger.Send(ctx, message.Job{
		ID:      fmt.Sprintf("automation-%d-%s", r.rule.ID, a.Type),
		Channel: channel,
		Params:  params,
	})
	if !res.Success && res.ErrorCode == message.ErrorCodeInvalidConfig {
		return invalid(r.rule.ID, "account %d: %s", a.AccountID, res.ErrorMessage)
	}
	return deliveryError(res)
}

func deliveryError(res message.DeliveryResult) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("delivery failed (%s): %s", res.ErrorCode, res.ErrorMessage)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
