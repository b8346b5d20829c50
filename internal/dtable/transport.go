// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dtable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
)

// Option customizes a client.
type Option func(*restClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *restClient) { r.http = c }
}

// WithRetry sets the 429 retry budget and the base backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(r *restClient) {
		r.maxRetries = maxRetries
		r.retryBaseDelay = baseDelay
	}
}

// authFunc returns the Authorization header value for one request.
type authFunc func() (string, error)

// restClient is the shared JSON-over-HTTP plumbing of the three clients.
type restClient struct {
	service        string
	baseURL        string
	http           *http.Client
	cb             *gobreaker.CircuitBreaker[interface{}]
	maxRetries     int
	retryBaseDelay time.Duration
}

func newRestClient(service, baseURL string, timeout time.Duration, opts ...Option) *restClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &restClient{
		service:        service,
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: timeout},
		maxRetries:     3,
		retryBaseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cb = newBreaker(service)
	return r
}

// newBreaker trips at a 60% failure rate over at least 10 requests. Client
// errors (4xx) do not count against the sibling service.
func newBreaker(name string) *gobreaker.CircuitBreaker[interface{}] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= 0.6 {
				logging.Warn().Str("service", name).Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).Msg("Opening circuit")
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("service", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// do sends body as JSON and decodes a 2xx response into out (when non-nil).
func (r *restClient) do(ctx context.Context, method, path string, auth authFunc, body, out any) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.doOnce(ctx, method, path, auth, body, out)
	})
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(r.service, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(r.service, "rejected").Inc()
		return fmt.Errorf("%s %s %s: %w", r.service, method, path, err)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(r.service, "failure").Inc()
	}
	return err
}

func (r *restClient) doOnce(ctx context.Context, method, path string, auth authFunc, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	start := time.Now()
	resp, err := r.sendWithRateLimit(ctx, method, path, auth, payload)
	if err != nil {
		metrics.DTableRequestDuration.WithLabelValues(r.service, "error").Observe(time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()
	metrics.DTableRequestDuration.WithLabelValues(r.service, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Service: r.service,
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Body:    readBodyForError(resp.Body),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// sendWithRateLimit retries HTTP 429 with exponential backoff, honouring
// Retry-After when the server sends one in seconds.
func (r *restClient) sendWithRateLimit(ctx context.Context, method, path string, auth authFunc, payload []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var bodyReader io.Reader = http.NoBody
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth != nil {
			header, err := auth()
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", header)
		}

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s %s: %w", r.service, method, path, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= r.maxRetries {
			return resp, nil
		}

		_ = resp.Body.Close()
		delay := r.retryBaseDelay * time.Duration(1<<uint(attempt))
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
			delay = time.Duration(seconds) * time.Second
		}
		logging.Debug().Str("service", r.service).Str("path", path).Dur("delay", delay).
			Int("attempt", attempt+1).Msg("Rate limited, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tokenAuth builds the "Token <jwt>" header used by all SeaTable services.
func tokenAuth(issue func() (string, error)) authFunc {
	return func() (string, error) {
		token, err := issue()
		if err != nil {
			return "", err
		}
		return "Token " + token, nil
	}
}
