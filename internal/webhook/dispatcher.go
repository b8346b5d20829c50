// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package webhook forwards table events to the webhooks users registered on
// their bases.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/events"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/store"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-SeaTable-Signature"

// Store lists and invalidates webhooks. *store.Store implements it.
type Store interface {
	ListValidWebhooksByDTable(ctx context.Context, dtableUUID string) ([]*store.Webhook, error)
	MarkWebhookInvalid(ctx context.Context, id int64) error
}

// Payload is the body posted to a webhook.
type Payload struct {
	Event string             `json:"event"`
	Data  *events.TableEvent `json:"data"`
}

// Dispatcher posts table events to webhooks.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout defaults to 10s.
func NewDispatcher(cfg config.WebhookConfig, st Store) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: timeout},
		logger: logging.WithComponent("webhook"),
	}
}

// Name implements events.Consumer.
func (d *Dispatcher) Name() string { return "webhook" }

// Consume posts event to every valid webhook of its base. A webhook that
// rejects the request with a 4xx other than 429 is marked invalid; other
// delivery failures are logged.
func (d *Dispatcher) Consume(ctx context.Context, event *events.TableEvent) error {
	hooks, err := d.store.ListValidWebhooksByDTable(ctx, event.DTableUUID)
	if err != nil {
		return events.NewRetryableError("list webhooks", err)
	}
	if len(hooks) == 0 {
		return nil
	}
	body, err := json.Marshal(Payload{Event: event.OpType, Data: event})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	for _, h := range hooks {
		status, err := d.post(ctx, h, body)
		log := d.logger.With().Int64("webhook_id", h.ID).Str("dtable_uuid", event.DTableUUID).Logger()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Webhook delivery failed")
		case rejected(status):
			log.Warn().Int("status", status).Msg("Webhook rejected the event, marking invalid")
			if err := d.store.MarkWebhookInvalid(ctx, h.ID); err != nil {
				log.Error().Err(err).Msg("Failed to mark webhook invalid")
			}
		case status >= 300:
			log.Warn().Int("status", status).Msg("Webhook delivery failed")
		default:
			log.Debug().Int("status", status).Msg("Webhook delivered")
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, h *store.Webhook, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dtable-events-webhook/1.0")
	if h.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func rejected(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
