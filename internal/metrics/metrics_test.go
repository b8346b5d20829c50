// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAction(t *testing.T) {
	before := testutil.ToFloat64(RuleActions.WithLabelValues("notify", "success"))
	beforeFail := testutil.ToFloat64(RuleActions.WithLabelValues("notify", "failure"))

	RecordAction("notify", nil)
	RecordAction("notify", nil)
	RecordAction("notify", errors.New("boom"))

	if got := testutil.ToFloat64(RuleActions.WithLabelValues("notify", "success")) - before; got != 2 {
		t.Errorf("success delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RuleActions.WithLabelValues("notify", "failure")) - beforeFail; got != 1 {
		t.Errorf("failure delta = %v, want 1", got)
	}
}

func TestRecordDatasetSync(t *testing.T) {
	appendBefore := testutil.ToFloat64(DatasetRowsSynced.WithLabelValues("append"))
	deleteBefore := testutil.ToFloat64(DatasetRowsSynced.WithLabelValues("delete"))
	failBefore := testutil.ToFloat64(DatasetSyncs.WithLabelValues("failure"))

	RecordDatasetSync(time.Second, 10, 3, 2, nil)
	RecordDatasetSync(time.Second, 0, 0, 0, errors.New("dtable-db down"))

	if got := testutil.ToFloat64(DatasetRowsSynced.WithLabelValues("append")) - appendBefore; got != 10 {
		t.Errorf("append delta = %v, want 10", got)
	}
	if got := testutil.ToFloat64(DatasetRowsSynced.WithLabelValues("delete")) - deleteBefore; got != 2 {
		t.Errorf("delete delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DatasetSyncs.WithLabelValues("failure")) - failBefore; got != 1 {
		t.Errorf("failure delta = %v, want 1", got)
	}
}

func TestRecordMessage(t *testing.T) {
	before := testutil.ToFloat64(MessagesSent.WithLabelValues("wechat", "failure"))
	RecordMessage("wechat", false, 50*time.Millisecond)
	if got := testutil.ToFloat64(MessagesSent.WithLabelValues("wechat", "failure")) - before; got != 1 {
		t.Errorf("failure delta = %v, want 1", got)
	}
}

func TestRecordSchedulerJob(t *testing.T) {
	before := testutil.ToFloat64(SchedulerJobErrors.WithLabelValues("dataset_sync"))
	RecordSchedulerJob("dataset_sync", time.Second, nil)
	RecordSchedulerJob("dataset_sync", time.Second, errors.New("x"))
	if got := testutil.ToFloat64(SchedulerJobErrors.WithLabelValues("dataset_sync")) - before; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
}
