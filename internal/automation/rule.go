// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package automation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

// Trigger conditions.
const (
	ConditionRowsModified               = "rows_modified"
	ConditionRowsAdded                  = "rows_added"
	ConditionFiltersSatisfy             = "filters_satisfy"
	ConditionRunPeriodically            = "run_periodically"
	ConditionRunPeriodicallyByCondition = "run_periodically_by_condition"
)

// Action types.
const (
	ActionNotify                = "notify"
	ActionUpdateRecord          = "update_record"
	ActionAddRecord             = "add_record"
	ActionAddRecordToOtherTable = "add_record_to_other_table"
	ActionLockRecord            = "lock_record"
	ActionLinkRecords           = "link_records"
	ActionSendWeChat            = "send_wechat"
	ActionSendDingTalk          = "send_dingtalk"
	ActionSendEmail             = "send_email"
)

// Trigger is the decoded trigger JSON of a rule.
type Trigger struct {
	RuleName  string `mapstructure:"rule_name"`
	TableID   string `mapstructure:"table_id" validate:"required"`
	ViewID    string `mapstructure:"view_id"`
	Condition string `mapstructure:"condition" validate:"required,oneof=rows_modified rows_added filters_satisfy run_periodically run_periodically_by_condition"`

	Filters           []sqlgen.Filter `mapstructure:"filters"`
	FilterConjunction string          `mapstructure:"filter_conjunction"`

	// WatchAllColumns, when false, limits rows_modified and filters_satisfy
	// to changes in ColumnKeys.
	WatchAllColumns bool     `mapstructure:"watch_all_columns"`
	ColumnKeys      []string `mapstructure:"column_keys"`

	// Periodic schedule. Cron wins over the notify_* fields.
	Cron           string `mapstructure:"cron"`
	NotifyHour     int    `mapstructure:"notify_hour" validate:"min=0,max=23"`
	NotifyWeekDay  int    `mapstructure:"notify_week_day" validate:"min=0,max=7"`
	NotifyMonthDay int    `mapstructure:"notify_month_day" validate:"min=0,max=31"`
}

// IsPeriodic reports whether the trigger runs on a schedule.
func (t *Trigger) IsPeriodic() bool {
	return t.Condition == ConditionRunPeriodically || t.Condition == ConditionRunPeriodicallyByCondition
}

// watches reports whether a change to any of keys is relevant.
func (t *Trigger) watches(keys []string) bool {
	if t.WatchAllColumns || len(t.ColumnKeys) == 0 {
		return true
	}
	for _, k := range keys {
		for _, w := range t.ColumnKeys {
			if k == w {
				return true
			}
		}
	}
	return false
}

// MatchCondition pairs a column of the current table with a column of the
// linked table for link_records.
type MatchCondition struct {
	ColumnKey      string `mapstructure:"column_key" validate:"required"`
	OtherColumnKey string `mapstructure:"other_column_key" validate:"required"`
}

// Action is one decoded action. Fields unused by a type stay zero.
type Action struct {
	Type string `mapstructure:"type" validate:"required,oneof=notify update_record add_record add_record_to_other_table lock_record link_records send_wechat send_dingtalk send_email"`

	// notify
	Users          []string `mapstructure:"users"`
	UsersColumnKey string   `mapstructure:"users_column_key"`
	Msg            string   `mapstructure:"msg"`

	// update_record, add_record, add_record_to_other_table: values by
	// column key. Strings may hold {Column Name} placeholders.
	Row map[string]any `mapstructure:"row"`
	// Expressions computes values by column key with expr, over the
	// variables row, now and user.
	Expressions map[string]string `mapstructure:"expressions"`
	DstTableID  string            `mapstructure:"dst_table_id" validate:"required_if=Type add_record_to_other_table"`

	// link_records
	LinkID          string           `mapstructure:"link_id" validate:"required_if=Type link_records"`
	LinkedTableID   string           `mapstructure:"linked_table_id" validate:"required_if=Type link_records"`
	MatchConditions []MatchCondition `mapstructure:"match_conditions" validate:"dive"`

	// send_*
	AccountID       int64    `mapstructure:"account_id"`
	MsgType         string   `mapstructure:"msg_type"`
	Subject         string   `mapstructure:"subject"`
	SendTo          []string `mapstructure:"send_to"`
	CopyTo          []string `mapstructure:"copy_to"`
	SendToColumnKey string   `mapstructure:"send_to_column_key"`
	ReplyTo         string   `mapstructure:"reply_to"`
}

// Rule is an automation rule with decoded trigger and actions.
type Rule struct {
	*store.AutomationRule
	Trigger Trigger
	Actions []Action
}

var validate = validator.New()

// Decode parses and validates the trigger and actions JSON of r. Any
// failure is an InvalidRuleError.
func Decode(r *store.AutomationRule) (*Rule, error) {
	rule := &Rule{AutomationRule: r}

	var rawTrigger map[string]any
	if err := json.Unmarshal([]byte(r.Trigger), &rawTrigger); err != nil {
		return nil, invalid(r.ID, "trigger is not valid JSON: %v", err)
	}
	if err := decodeInto(rawTrigger, &rule.Trigger); err != nil {
		return nil, invalid(r.ID, "decode trigger: %v", err)
	}
	if err := validate.Struct(&rule.Trigger); err != nil {
		return nil, invalid(r.ID, "invalid trigger: %v", err)
	}

	var rawActions []map[string]any
	if err := json.Unmarshal([]byte(r.Actions), &rawActions); err != nil {
		return nil, invalid(r.ID, "actions are not valid JSON: %v", err)
	}
	if len(rawActions) == 0 {
		return nil, invalid(r.ID, "rule has no actions")
	}
	rule.Actions = make([]Action, len(rawActions))
	for i, raw := range rawActions {
		if err := decodeInto(raw, &rule.Actions[i]); err != nil {
			return nil, invalid(r.ID, "decode action %d: %v", i, err)
		}
		if err := validate.Struct(&rule.Actions[i]); err != nil {
			return nil, invalid(r.ID, "invalid action %d: %v", i, err)
		}
		if err := checkAction(&rule.Actions[i], &rule.Trigger); err != nil {
			return nil, invalid(r.ID, "action %d: %v", i, err)
		}
	}
	return rule, nil
}

// decodeInto maps loosely typed JSON onto out. Numbers sent as strings and
// the reverse are accepted, as dtable-web has stored both over time.
func decodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// checkAction enforces combinations the struct tags cannot express.
func checkAction(a *Action, t *Trigger) error {
	switch a.Type {
	case ActionSendWeChat, ActionSendDingTalk, ActionSendEmail:
		if a.AccountID <= 0 {
			return fmt.Errorf("%s needs account_id", a.Type)
		}
	case ActionNotify:
		if len(a.Users) == 0 && a.UsersColumnKey == "" {
			return fmt.Errorf("notify needs users or users_column_key")
		}
	case ActionLockRecord, ActionUpdateRecord, ActionLinkRecords:
		if t.Condition == ConditionRunPeriodically {
			return fmt.Errorf("%s needs a row and cannot run on run_periodically", a.Type)
		}
	}
	if a.Type == ActionSendEmail && len(a.SendTo) == 0 && a.SendToColumnKey == "" {
		return fmt.Errorf("send_email needs send_to or send_to_column_key")
	}
	return nil
}
