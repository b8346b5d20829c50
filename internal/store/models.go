// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"strconv"
	"time"
)

// Automation run conditions.
const (
	RunPerUpdate = "per_update"
	RunPerDay    = "per_day"
	RunPerWeek   = "per_week"
	RunPerMonth  = "per_month"
)

// Third-party account types.
const (
	AccountEmail         = "email"
	AccountWeChatRobot   = "wechat_robot"
	AccountDingTalkRobot = "dingtalk_robot"
)

// Dataset sync intervals.
const (
	SyncPerHour = "per_hour"
	SyncPerDay  = "per_day"
)

// AutomationRule is one row of dtable_automation_rules. Trigger and Actions
// hold the raw JSON; the automation package decodes them.
type AutomationRule struct {
	ID              int64
	DTableUUID      string
	RunCondition    string
	Trigger         string
	Actions         string
	Creator         string
	OrgID           int64
	LastTriggerTime time.Time
	TriggerCount    int
	IsValid         bool
	InvalidReason   string
	CreatedAt       time.Time
}

// Owner is the identity the monthly run limit is counted against.
func (r *AutomationRule) Owner() string {
	if r.OrgID > 0 {
		return "org:" + strconv.FormatInt(r.OrgID, 10)
	}
	return r.Creator
}

// NotificationRule is one row of dtable_notification_rules.
type NotificationRule struct {
	ID              int64
	DTableUUID      string
	Trigger         string
	Action          string
	Creator         string
	LastTriggerTime time.Time
	IsValid         bool
	CreatedAt       time.Time
}

// ThirdPartyAccount holds credentials for an outbound channel. Detail is the
// raw JSON (SMTP settings or robot webhook URL).
type ThirdPartyAccount struct {
	ID          int64
	DTableUUID  string
	AccountType string
	AccountName string
	Detail      string
	CreatedAt   time.Time
}

// CommonDataset is a view published for syncing into other bases.
type CommonDataset struct {
	ID          int64
	OrgID       int64
	DTableUUID  string
	TableID     string
	ViewID      string
	DatasetName string
	Creator     string
	IsValid     bool
	CreatedAt   time.Time
}

// DatasetSync links a dataset to one destination table.
type DatasetSync struct {
	ID                 int64
	DatasetID          int64
	DstDTableUUID      string
	DstTableID         string
	SyncInterval       string
	IsSyncPeriodically bool
	LastSyncTime       time.Time
	IsValid            bool
	InvalidReason      string
}

// Due reports whether a periodic sync's interval has elapsed at now.
func (s *DatasetSync) Due(now time.Time) bool {
	if !s.IsValid || !s.IsSyncPeriodically {
		return false
	}
	if s.LastSyncTime.IsZero() {
		return true
	}
	interval := 24 * time.Hour
	if s.SyncInterval == SyncPerHour {
		interval = time.Hour
	}
	return !now.Before(s.LastSyncTime.Add(interval))
}

// Webhook is a user endpoint that receives table events of one base.
type Webhook struct {
	ID         int64
	DTableUUID string
	URL        string
	Secret     string
	Creator    string
	IsValid    bool
	CreatedAt  time.Time
}

// Activity records one row operation.
type Activity struct {
	ID         int64
	DTableUUID string
	TableID    string
	RowID      string
	RowName    string
	OpUser     string
	OpType     string
	OpTime     time.Time
	OpApp      string
	Detail     string
}
