// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package automation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Run conditions stored on the rule row.
const (
	RunPerUpdate = "per_update"
	RunPerDay    = "per_day"
	RunPerWeek   = "per_week"
	RunPerMonth  = "per_month"
)

// CronSpec returns the five-field cron expression of a periodic rule.
func (r *Rule) CronSpec() (string, error) {
	if r.Trigger.Cron != "" {
		return r.Trigger.Cron, nil
	}
	hour := r.Trigger.NotifyHour
	switch r.RunCondition {
	case RunPerDay:
		return fmt.Sprintf("0 %d * * *", hour), nil
	case RunPerWeek:
		// 7 and 0 are both Sunday for cron; dtable-web stores 1..7.
		return fmt.Sprintf("0 %d * * %d", hour, r.Trigger.NotifyWeekDay%7), nil
	case RunPerMonth:
		day := r.Trigger.NotifyMonthDay
		if day < 1 {
			day = 1
		}
		return fmt.Sprintf("0 %d %d * *", hour, day), nil
	default:
		return "", fmt.Errorf("run condition %q has no schedule", r.RunCondition)
	}
}

// Schedule parses the rule's cron expression.
func (r *Rule) Schedule() (cron.Schedule, error) {
	spec, err := r.CronSpec()
	if err != nil {
		return nil, invalid(r.ID, "%v", err)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, invalid(r.ID, "bad cron expression %q: %v", spec, err)
	}
	return sched, nil
}

// Due reports whether a scheduled time passed between the last trigger and
// now. Rules that never ran count from their creation.
func (r *Rule) Due(sched cron.Schedule, now time.Time) bool {
	base := r.LastTriggerTime
	if base.IsZero() {
		base = r.CreatedAt
	}
	next := sched.Next(base.In(now.Location()))
	return !next.After(now)
}
