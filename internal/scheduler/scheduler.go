// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package scheduler runs the periodic jobs of dtable-events on one ticker:
// periodic automation rules, notification deadline scans and periodic
// dataset syncs.
//
// Every tick starts each job that is not still running from an earlier
// tick. Jobs share a semaphore of MaxConcurrent slots and run under the
// execution timeout. The scheduler is a services.Component and lives in the
// messaging layer of the supervisor tree.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/logging"
	"github.com/tomtom215/dtable-events/internal/metrics"
)

// JobFunc runs one pass of a periodic job at now and reports how many items
// it handled.
type JobFunc func(ctx context.Context, now time.Time) (int, error)

// Job is a named periodic job.
type Job struct {
	Name string
	Run  JobFunc
}

type job struct {
	Job
	running atomic.Bool
}

// Scheduler ticks the registered jobs.
type Scheduler struct {
	cfg    config.SchedulerConfig
	jobs   []*job
	sem    chan struct{}
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler over jobs.
func New(cfg config.SchedulerConfig, jobs ...Job) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Minute
	}
	s := &Scheduler{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: logging.WithComponent("scheduler"),
		now:    time.Now,
	}
	for _, j := range jobs {
		s.jobs = append(s.jobs, &job{Job: j})
	}
	return s
}

// Start begins the ticker loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("max_concurrent", s.cfg.MaxConcurrent).
		Strs("jobs", names).Msg("Starting scheduler")

	go s.run(runCtx)
	return nil
}

// Shutdown stops the loop, cancels running jobs and waits for them until
// ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.wg.Wait()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick starts every idle job in its own goroutine and returns.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.jobs {
		if !j.running.CompareAndSwap(false, true) {
			s.logger.Debug().Str("job", j.Name).Msg("Job still running, skipping tick")
			continue
		}
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			defer j.running.Store(false)

			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.sem }()

			s.execute(ctx, j, now)
		}(j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job, now time.Time) {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()
	jobCtx = logging.ContextWithNewCorrelationID(jobCtx)

	start := time.Now()
	n, err := s.safeRun(jobCtx, j, now)
	duration := time.Since(start)
	metrics.RecordSchedulerJob(j.Name, duration, err)

	log := logging.Ctx(jobCtx)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		log.Debug().Str("job", j.Name).Msg("Job cancelled")
	case err != nil:
		log.Error().Err(err).Str("job", j.Name).Int("handled", n).Dur("duration", duration).Msg("Job failed")
	case n > 0:
		log.Info().Str("job", j.Name).Int("handled", n).Dur("duration", duration).Msg("Job finished")
	default:
		log.Debug().Str("job", j.Name).Dur("duration", duration).Msg("Job finished, nothing due")
	}
}

// safeRun turns a panic in a job into an error so one broken job does not
// take the loop down.
func (s *Scheduler) safeRun(ctx context.Context, j *job, now time.Time) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	return j.Run(ctx, now)
}
