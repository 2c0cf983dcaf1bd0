package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// NextRun returns the first time at hour:00 in now's location that is
// strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, now.Location())
	}
	return next
}

// Scheduler fires a job once a day at a fixed local hour.
type Scheduler struct {
	job     func(ctx context.Context) error
	now     func() time.Time
	logger  *slog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	hour    int
	mu      sync.Mutex
	runs    int
	started bool
}

// NewScheduler creates a scheduler for job at hour (0-23) local time.
func NewScheduler(hour int, job func(ctx context.Context) error, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:    job,
		hour:   hour,
		now:    time.Now,
		logger: logger,
	}
}

// Start begins waiting for the next run. Cancelling ctx or calling Stop
// ends the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("daily report scheduled", "hour", s.hour, "next_run", NextRun(s.now(), s.hour))
}

// Stop ends the loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("daily report scheduler stopped")
}

// Runs returns how many jobs have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.now()
		wait := NextRun(now, s.hour).Sub(now)
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.job(ctx); err != nil {
			s.logger.Error("daily report failed", "error", err)
		}
		s.mu.Lock()
		s.runs++
		s.mu.Unlock()
	}
}
