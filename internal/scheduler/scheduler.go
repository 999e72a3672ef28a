package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	coursesync "github.com/schaermu/coursesyncd/internal/sync"
)

// Runner executes one sync pass.
type Runner interface {
	SafeRun(ctx context.Context) (coursesync.Result, error)
}

// Scheduler runs sync passes strictly one after another: once at start, then
// a fixed interval after the previous pass finished, or earlier when
// triggered.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	wake     chan struct{}
	debounce *debouncer

	mu     sync.Mutex // guards last, hasRun and passes
	last   coursesync.Result
	hasRun bool
	passes int
}

// New creates a scheduler. A zero debounce makes TriggerDebounced behave like
// Trigger.
func New(runner Runner, interval, debounce time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		debounce: &debouncer{delay: debounce},
	}
}

// Run loops until ctx is cancelled. Pass errors are logged, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	defer s.debounce.stop()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			s.logger.Info("sync pass requested")
		}

		s.runPass(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
		timer.Reset(s.interval)
	}
}

// Trigger requests a pass as soon as the current one (if any) finishes.
// Requests made while one is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
		s.logger.Debug("sync pass already pending")
	}
}

// TriggerDebounced requests a pass once no further request arrived for the
// debounce delay.
func (s *Scheduler) TriggerDebounced() {
	if s.debounce.delay <= 0 {
		s.Trigger()
		return
	}
	s.debounce.trigger(s.Trigger)
}

// Last returns the result of the most recent pass.
func (s *Scheduler) Last() (coursesync.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasRun
}

// Passes returns the number of passes run so far.
func (s *Scheduler) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

func (s *Scheduler) runPass(ctx context.Context) {
	res, err := s.runner.SafeRun(ctx)
	if err != nil {
		s.logger.Error("sync pass failed", "outcome", string(res.Outcome), "error", err)
	}

	s.mu.Lock()
	s.last = res
	s.hasRun = true
	s.passes++
	s.mu.Unlock()
}

// debouncer delays a callback until triggers stop arriving for delay.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
