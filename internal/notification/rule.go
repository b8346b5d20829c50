// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package notification

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/tomtom215/dtable-events/internal/sqlgen"
	"github.com/tomtom215/dtable-events/internal/store"
)

// Conditions.
const (
	ConditionRowsModified   = "rows_modified"
	ConditionRowsAdded      = "rows_added"
	ConditionFiltersSatisfy = "filters_satisfy"
	ConditionNearDeadline   = "near_deadline"
)

// errInvalidRule marks failures caused by the rule definition.
var errInvalidRule = errors.New("invalid notification rule")

// Trigger is the decoded trigger JSON of a notification rule.
type Trigger struct {
	RuleName  string `mapstructure:"rule_name"`
	TableID   string `mapstructure:"table_id" validate:"required"`
	ViewID    string `mapstructure:"view_id"`
	Condition string `mapstructure:"condition" validate:"required,oneof=rows_modified rows_added filters_satisfy near_deadline"`

	Filters           []sqlgen.Filter `mapstructure:"filters"`
	FilterConjunction string          `mapstructure:"filter_conjunction"`
	ColumnKeys        []string        `mapstructure:"column_keys"`
	WatchAllColumns   bool            `mapstructure:"watch_all_columns"`

	// near_deadline
	DateColumnKey string `mapstructure:"date_column_key" validate:"required_if=Condition near_deadline"`
	AlarmDays     int    `mapstructure:"alarm_days" validate:"min=0,max=3650"`
	NotifyHour    int    `mapstructure:"notify_hour" validate:"min=0,max=23"`
}

// Action says who is notified with what.
type Action struct {
	Users          []string `mapstructure:"users"`
	UsersColumnKey string   `mapstructure:"users_column_key"`
	Msg            string   `mapstructure:"msg"`
}

// Rule is a notification rule with its decoded definition.
type Rule struct {
	*store.NotificationRule
	Trigger Trigger
	Action  Action
}

var validate = validator.New()

// Decode parses and validates a stored rule. Errors wrap errInvalidRule.
func Decode(r *store.NotificationRule) (*Rule, error) {
	rule := &Rule{NotificationRule: r}
	if err := decodeJSON(r.Trigger, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("%w %d: trigger: %v", errInvalidRule, r.ID, err)
	}
	if err := validate.Struct(&rule.Trigger); err != nil {
		return nil, fmt.Errorf("%w %d: trigger: %v", errInvalidRule, r.ID, err)
	}
	if err := decodeJSON(r.Action, &rule.Action); err != nil {
		return nil, fmt.Errorf("%w %d: action: %v", errInvalidRule, r.ID, err)
	}
	if len(rule.Action.Users) == 0 && rule.Action.UsersColumnKey == "" {
		return nil, fmt.Errorf("%w %d: no recipients", errInvalidRule, r.ID)
	}
	return rule, nil
}

func decodeJSON(raw string, out any) error {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// watches reports whether a change to keys concerns the rule.
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
