package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs a task repeatedly with a mutable delay between runs.
// Runs never overlap; Kick triggers one immediately.
type Scheduler struct {
	clock clock.Clock
	task  func(ctx context.Context)

	mu     sync.Mutex
	delay  time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(clk clock.Clock, delay time.Duration, task func(ctx context.Context)) *Scheduler {
	return &Scheduler{
		clock: clk,
		task:  task,
		delay: delay,
		kick:  make(chan struct{}, 1),
	}
}

// Start begins the loop. It is a no-op while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and the context of a running task. It does not
// wait for the task to return; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop started by the last Start has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Delay returns the wait before the next run.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// SetDelay changes the wait, effective from the next scheduled run.
func (s *Scheduler) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Kick runs the task as soon as the current run, if any, finishes.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		timer := s.clock.Timer(s.Delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}

		s.task(ctx)
	}
}
