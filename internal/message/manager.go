// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package message

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
)

// Job is one message for one channel.
type Job struct {
	ID      string
	Channel ChannelName
	Params  *SendParams
}

// Report aggregates the results of Deliver, in job order.
type Report struct {
	Results    []DeliveryResult
	Successful int
	Failed     int
}

// Manager sends jobs through the registered channels with retries, a bounded
// worker pool and per-channel rate limits.
type Manager struct {
	channels    map[ChannelName]Channel
	limiters    map[ChannelName]*rate.Limiter
	logger      zerolog.Logger
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	parallelism int
}

// NewManager builds a manager with the four standard channels. Robot channels
// are limited to the configured messages per minute.
func NewManager(cfg config.MessageConfig, notifier Notifier) *Manager {
	m := newManager(cfg)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	m.Register(NewEmailChannel(cfg.SMTPTimeout))
	m.Register(NewWeChatChannel(httpClient))
	m.Register(NewDingTalkChannel(httpClient))
	m.Register(NewInAppChannel(notifier))
	m.SetRateLimit(ChannelWeChat, cfg.WeChatPerMinute)
	m.SetRateLimit(ChannelDingTalk, cfg.DingTalkPerMinute)
	return m
}

func newManager(cfg config.MessageConfig) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	return &Manager{
		channels:    make(map[ChannelName]Channel),
		limiters:    make(map[ChannelName]*rate.Limiter),
		logger:      logging.WithComponent("message"),
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		parallelism: cfg.Parallelism,
	}
}

// Register adds or replaces a channel.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

// SetRateLimit caps a channel at perMinute sends, with a burst of the same
// size. perMinute <= 0 removes the limit.
func (m *Manager) SetRateLimit(name ChannelName, perMinute int) {
	if perMinute <= 0 {
		delete(m.limiters, name)
		return
	}
	m.limiters[name] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Deliver sends all jobs concurrently and waits for them.
func (m *Manager) Deliver(ctx context.Context, jobs []Job) *Report {
	report := &Report{Results: make([]DeliveryResult, len(jobs))}
	if len(jobs) == 0 {
		return report
	}

	workers := m.parallelism
	if workers > len(jobs) {
		workers = len(jobs)
	}

	indexes := make(chan int, len(jobs))
	for i := range jobs {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				report.Results[i] = m.Send(ctx, jobs[i])
			}
		}()
	}
	wg.Wait()

	for _, r := range report.Results {
		if r.Success {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	return report
}

// Send delivers one job, retrying transient failures with exponential
// backoff.
func (m *Manager) Send(ctx context.Context, job Job) DeliveryResult {
	start := time.Now()
	result := m.send(ctx, job)
	metrics.RecordMessage(string(job.Channel), result.Success, time.Since(start))
	return result
}

func (m *Manager) send(ctx context.Context, job Job) DeliveryResult {
	channel, ok := m.channels[job.Channel]
	if !ok {
		return DeliveryResult{ErrorMessage: fmt.Sprintf("unknown channel: %s", job.Channel), ErrorCode: ErrorCodeInvalidConfig}
	}

	var last *DeliveryResult
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt, last)
			m.logger.Debug().Str("job", job.ID).Str("channel", string(job.Channel)).
				Int("attempt", attempt).Dur("delay", delay).Msg("Retrying message after delay")
			select {
			case <-ctx.Done():
				return DeliveryResult{ErrorMessage: "delivery canceled", ErrorCode: ErrorCodeTimeout, RetryCount: attempt - 1}
			case <-time.After(delay):
			}
		}

		if limiter := m.limiters[job.Channel]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return DeliveryResult{ErrorMessage: err.Error(), ErrorCode: ErrorCodeRateLimited, RetryCount: attempt}
			}
		}

		result, err := channel.Send(ctx, job.Params)
		if err != nil {
			m.logger.Error().Err(err).Str("job", job.ID).Str("channel", string(job.Channel)).
				Int("attempt", attempt).Msg("Channel send error")
			last = &DeliveryResult{ErrorMessage: err.Error(), ErrorCode: ErrorCodeUnknown, IsTransient: true}
			continue
		}
		result.RetryCount = attempt
		last = result

		if result.Success {
			return *result
		}
		if !result.IsTransient {
			m.logger.Warn().Str("job", job.ID).Str("channel", string(job.Channel)).
				Str("error", result.ErrorMessage).Str("error_code", result.ErrorCode).
				Msg("Permanent delivery error, not retrying")
			return *result
		}
	}

	m.logger.Warn().Str("job", job.ID).Str("channel", string(job.Channel)).
		Str("error", last.ErrorMessage).Int("retries", m.maxRetries).Msg("Message delivery failed after retries")
	last.RetryCount = m.maxRetries
	return *last
}

// backoff returns baseDelay * 2^(attempt-1) capped at maxDelay, or the
// server's Retry-After when it sent one.
func (m *Manager) backoff(attempt int, last *DeliveryResult) time.Duration {
	if last != nil && last.RetryAfter != nil {
		return *last.RetryAfter
	}
	delay := m.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay
}
