// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/dtable-events/internal/config"
)

// channelConsumer hands every event to a channel.
type channelConsumer chan *TableEvent

func (c channelConsumer) Name() string { return "test" }

func (c channelConsumer) Consume(_ context.Context, e *TableEvent) error {
	c <- e
	return nil
}

func TestBusEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}

	cfg := config.NATSConfig{
		URL:              "nats://127.0.0.1:0",
		EmbeddedServer:   true,
		StoreDir:         t.TempDir(),
		MaxMemory:        64 << 20,
		MaxStore:         256 << 20,
		StreamName:       "DTABLE_EVENTS_TEST",
		StreamRetention:  time.Hour,
		SubscribersCount: 1,
		DurableName:      "test",
		QueueGroup:       "test",
		AckWait:          30 * time.Second,
		MaxDeliver:       3,
		RouterRetryCount: 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bus, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	// Ensuring the stream again is a no-op update.
	if _, err := bus.stream.EnsureStream(ctx); err != nil {
		t.Fatalf("EnsureStream() second call error = %v", err)
	}

	sub, err := bus.NewSubscriber("table")
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}
	router, err := bus.NewRouter()
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	got := make(channelConsumer, 1)
	router.AddConsumerHandler("dispatcher", TopicAll, sub, NewDispatcher(got).Handle)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := router.Start(runCtx); err != nil {
		t.Fatalf("router Start() error = %v", err)
	}
	t.Cleanup(func() { _ = router.Shutdown(context.Background()) })

	want := sampleEvent()
	if err := bus.Publisher().PublishEvent(ctx, want); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	select {
	case e := <-got:
		if e.EventID != want.EventID || e.Rows[0].RowID != "row-1" {
			t.Errorf("received %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
