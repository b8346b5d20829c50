// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/models"
)

func sampleEvent() *TableEvent {
	e := NewTableEvent(OpModifyRow, "a1b2c3", "0000", "Tasks", "alice@seatable.io")
	e.Rows = []RowChange{{
		RowID:  "row-1",
		Row:    models.Row{"_id": "row-1", "Status": "Done"},
		OldRow: models.Row{"_id": "row-1", "Status": "Open"},
		Cells:  []CellChange{{ColumnKey: "St4t", ColumnName: "Status", OldValue: "Open", Value: "Done"}},
	}}
	return e
}

func TestTableEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(e *TableEvent)
		want   error
	}{
		{"valid", func(e *TableEvent) {}, nil},
		{"missing event id", func(e *TableEvent) { e.EventID = "" }, ErrMissingEventID},
		{"missing dtable", func(e *TableEvent) { e.DTableUUID = "" }, ErrMissingDTableUUID},
		{"missing table", func(e *TableEvent) { e.TableID = "" }, ErrMissingTableID},
		{"unknown op", func(e *TableEvent) { e.OpType = "rename_table" }, ErrInvalidOpType},
		{"no rows", func(e *TableEvent) { e.Rows = nil }, ErrNoRows},
		{"row without id", func(e *TableEvent) { e.Rows[0].RowID = "" }, ErrMissingRowID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := sampleEvent()
			tt.mutate(e)
			err := e.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTableEventKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op                       string
		insert, modify, isDelete bool
	}{
		{OpInsertRow, true, false, false},
		{OpAppendRows, true, false, false},
		{OpModifyRow, false, true, false},
		{OpModifyRows, false, true, false},
		{OpDeleteRow, false, false, true},
		{OpDeleteRows, false, false, true},
	}
	for _, tt := range tests {
		e := &TableEvent{OpType: tt.op}
		if e.IsInsert() != tt.insert || e.IsModify() != tt.modify || e.IsDelete() != tt.isDelete {
			t.Errorf("%s: insert=%v modify=%v delete=%v", tt.op, e.IsInsert(), e.IsModify(), e.IsDelete())
		}
		if got := e.Topic(); got != "table-events."+tt.op {
			t.Errorf("Topic() = %q", got)
		}
	}
}

func TestUnmarshalLegacyPayload(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"event_id":"e1","op_type":"insert_row","dtable_uuid":"u","table_id":"t",
		"table_name":"T","op_user":"bob","op_time":"2026-03-01T10:00:00Z",
		"rows":[{"row_id":"r1","row":{"Name":"x"}}]}`)

	e, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if e.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", e.SchemaVersion, SchemaVersion)
	}
	if e.Rows[0].Row["Name"] != "x" {
		t.Errorf("row = %v", e.Rows[0].Row)
	}

	if _, err := Unmarshal([]byte(`{"event_id":"e1"`)); err == nil {
		t.Error("truncated payload should fail")
	}
	if _, err := Unmarshal([]byte(`{"event_id":"e1","op_type":"insert_row"}`)); !errors.Is(err, ErrMissingDTableUUID) {
		t.Errorf("invalid payload error = %v", err)
	}
}

func TestChangedKeys(t *testing.T) {
	t.Parallel()

	rc := RowChange{Cells: []CellChange{{ColumnKey: "a"}, {ColumnKey: "b"}}}
	got := rc.ChangedKeys()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ChangedKeys() = %v", got)
	}
}

// recordingConsumer counts calls and returns the scripted errors in turn.
type recordingConsumer struct {
	name string
	mu   sync.Mutex
	errs []error
	seen []*TableEvent
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Consume(_ context.Context, e *TableEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, e)
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *recordingConsumer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func newEventMessage(t *testing.T, e *TableEvent) *message.Message {
	t.Helper()
	data, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return message.NewMessage(e.EventID, data)
}

func TestDispatcherHandle(t *testing.T) {
	t.Parallel()

	ok := &recordingConsumer{name: "activity"}
	flaky := &recordingConsumer{name: "webhook", errs: []error{NewRetryableError("timeout", errors.New("deadline"))}}
	broken := &recordingConsumer{name: "automation", errs: []error{errors.New("rule misconfigured")}}
	d := NewDispatcher(ok, flaky, broken)

	msg := newEventMessage(t, sampleEvent())

	err := d.Handle(msg)
	if !IsRetryableError(err) {
		t.Fatalf("first Handle() = %v, want retryable", err)
	}

	// The router retries with the same message: only the flaky consumer runs.
	if err := d.Handle(msg); err != nil {
		t.Fatalf("second Handle() = %v, want nil", err)
	}

	if ok.calls() != 1 {
		t.Errorf("activity calls = %d, want 1", ok.calls())
	}
	if flaky.calls() != 2 {
		t.Errorf("webhook calls = %d, want 2", flaky.calls())
	}
	if broken.calls() != 1 {
		t.Errorf("automation calls = %d, want 1 (non-retryable errors are dropped)", broken.calls())
	}
}

func TestDispatcherMalformedIsPermanent(t *testing.T) {
	t.Parallel()

	c := &recordingConsumer{name: "activity"}
	d := NewDispatcher(c)

	err := d.Handle(message.NewMessage("bad", []byte("not json")))
	if !IsPermanentError(err) {
		t.Fatalf("Handle() = %v, want permanent", err)
	}
	if c.calls() != 0 {
		t.Error("consumer must not see malformed events")
	}
}

func testRouter(t *testing.T, pubSub *gochannel.GoChannel) *Router {
	t.Helper()
	cfg := DefaultRouterConfig()
	cfg.RetryMaxRetries = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.CloseTimeout = time.Second

	r, err := NewRouter(&cfg, pubSub, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}

func TestRouterPoisonQueue(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	poisoned, err := pubSub.Subscribe(ctx, DefaultPoisonQueueTopic)
	if err != nil {
		t.Fatalf("Subscribe(dlq) error = %v", err)
	}

	alwaysRetry := &recordingConsumer{name: "webhook"}
	for i := 0; i < 10; i++ {
		alwaysRetry.errs = append(alwaysRetry.errs, NewRetryableError("unavailable", nil))
	}
	d := NewDispatcher(alwaysRetry)

	r := testRouter(t, pubSub)
	r.AddConsumerHandler("dispatcher", "table-events.modify_row", pubSub, d.Handle)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	// Malformed payload: poisoned without retries.
	if err := pubSub.Publish("table-events.modify_row", message.NewMessage("bad-1", []byte("{"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-poisoned:
		msg.Ack()
		if msg.UUID != "bad-1" {
			t.Errorf("poisoned %q, want bad-1", msg.UUID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("malformed message never reached the poison queue")
	}
	if alwaysRetry.calls() != 0 {
		t.Errorf("consumer calls = %d, want 0", alwaysRetry.calls())
	}

	// Retryable failure: 1 attempt + 2 retries, then poisoned.
	e := sampleEvent()
	if err := pubSub.Publish(e.Topic(), newEventMessage(t, e)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-poisoned:
		msg.Ack()
		if msg.UUID != e.EventID {
			t.Errorf("poisoned %q, want %q", msg.UUID, e.EventID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failing event never reached the poison queue")
	}
	if alwaysRetry.calls() != 3 {
		t.Errorf("consumer calls = %d, want 3", alwaysRetry.calls())
	}
}

func TestRouterPanicIsRecovered(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	poisoned, err := pubSub.Subscribe(ctx, DefaultPoisonQueueTopic)
	if err != nil {
		t.Fatalf("Subscribe(dlq) error = %v", err)
	}

	r := testRouter(t, pubSub)
	r.AddConsumerHandler("panicky", "table-events.insert_row", pubSub, func(*message.Message) error {
		panic("boom")
	})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	if err := pubSub.Publish("table-events.insert_row", message.NewMessage("p-1", []byte("{}"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-poisoned:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("panicking handler's message never reached the poison queue")
	}
	if !r.IsRunning() {
		t.Error("router stopped after a handler panic")
	}
}

func TestConfigDerivation(t *testing.T) {
	t.Parallel()

	nc := config.NATSConfig{
		StreamName:                 "DTABLE_EVENTS",
		StreamRetention:            72 * time.Hour,
		MaxStore:                   4 << 30,
		SubscribersCount:           2,
		DurableName:                "dtable-events",
		QueueGroup:                 "workers",
		AckWait:                    time.Minute,
		MaxDeliver:                 5,
		RouterRetryCount:           4,
		RouterRetryInitialInterval: time.Second,
	}

	sc := StreamConfigFrom(nc)
	want := []string{TopicAll, TasksTopic, DefaultPoisonQueueTopic}
	if len(sc.Subjects) != len(want) {
		t.Fatalf("Subjects = %v", sc.Subjects)
	}
	for i := range want {
		if sc.Subjects[i] != want[i] {
			t.Errorf("Subjects[%d] = %q, want %q", i, sc.Subjects[i], want[i])
		}
	}

	sub := SubscriberConfigFrom(nc, "nats://x:4222", "tasks")
	if sub.DurableName != "dtable-events-tasks" || sub.QueueGroup != "workers-tasks" {
		t.Errorf("durable = %q queue = %q", sub.DurableName, sub.QueueGroup)
	}
	if sub.StreamName != "DTABLE_EVENTS" {
		t.Errorf("StreamName = %q", sub.StreamName)
	}

	rc := RouterConfigFrom(nc)
	if rc.RetryMaxRetries != 4 || rc.RetryInitialInterval != time.Second {
		t.Errorf("router config = %+v", rc)
	}
	if rc.PoisonQueueTopic != DefaultPoisonQueueTopic {
		t.Errorf("PoisonQueueTopic = %q", rc.PoisonQueueTopic)
	}
}

func TestEmbeddedPort(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"nats://127.0.0.1:4333": 4333,
		"nats://127.0.0.1":      4222,
		"nats://127.0.0.1:0":    -1,
		"::bad::":               4222,
	}
	for in, want := range tests {
		if got := embeddedPort(in); got != want {
			t.Errorf("embeddedPort(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestPublisherClosed(t *testing.T) {
	t.Parallel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	p := WrapPublisher(pubSub)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.PublishEvent(context.Background(), sampleEvent()); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("PublishEvent() after Close = %v", err)
	}
}
