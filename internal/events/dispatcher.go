// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
)

// Consumer processes table events. Return a RetryableError to have the
// message redelivered; any other error is logged and dropped.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, event *TableEvent) error
}

// doneMetadataKey records consumers that already handled a message, so a
// retry triggered by one consumer does not repeat the others.
const doneMetadataKey = "dispatched_to"

// Dispatcher fans each table event out to the registered consumers.
type Dispatcher struct {
	consumers []Consumer
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher over consumers, run in order.
func NewDispatcher(consumers ...Consumer) *Dispatcher {
	return &Dispatcher{
		consumers: consumers,
		logger:    logging.WithComponent("dispatcher"),
	}
}

// Register appends a consumer.
func (d *Dispatcher) Register(c Consumer) {
	d.consumers = append(d.consumers, c)
}

// Handle is the router handler for the table event topic.
//
// Error handling:
//   - parse or validation errors return a PermanentError (poison queue)
//   - a RetryableError from any consumer is returned (retry)
//   - other consumer errors are logged and the message is acked
func (d *Dispatcher) Handle(msg *message.Message) error {
	event, err := Unmarshal(msg.Payload)
	if err != nil {
		metrics.EventsFailed.WithLabelValues("dispatcher", "parse").Inc()
		d.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed table event")
		return NewPermanentError("parse table event", err)
	}
	metrics.EventsConsumed.WithLabelValues(event.OpType).Inc()

	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.ContextWithCorrelationID(ctx, event.EventID)
	ctx = logging.ContextWithDTable(ctx, event.DTableUUID)

	done := doneSet(msg)
	var retry error
	for _, c := range d.consumers {
		name := c.Name()
		if done[name] {
			continue
		}

		start := time.Now()
		err := c.Consume(ctx, event)
		metrics.RecordEventProcessed(name, time.Since(start))

		switch {
		case err == nil:
			done[name] = true
		case IsRetryableError(err):
			metrics.EventsFailed.WithLabelValues(name, "retryable").Inc()
			d.logger.Warn().Err(err).Str("consumer", name).Str("event_id", event.EventID).
				Str("dtable_uuid", event.DTableUUID).Msg("Consumer failed, will retry")
			retry = errors.Join(retry, err)
		default:
			done[name] = true
			metrics.EventsFailed.WithLabelValues(name, "permanent").Inc()
			d.logger.Error().Err(err).Str("consumer", name).Str("event_id", event.EventID).
				Str("dtable_uuid", event.DTableUUID).Msg("Consumer failed")
		}
	}
	setDone(msg, done)

	if retry != nil {
		return NewRetryableError("consume table event", retry)
	}
	return nil
}

func doneSet(msg *message.Message) map[string]bool {
	done := make(map[string]bool)
	for _, name := range strings.Split(msg.Metadata.Get(doneMetadataKey), ",") {
		if name != "" {
			done[name] = true
		}
	}
	return done
}

func setDone(msg *message.Message, done map[string]bool) {
	names := make([]string, 0, len(done))
	for name := range done {
		names = append(names, name)
	}
	msg.Metadata.Set(doneMetadataKey, strings.Join(names, ","))
}
