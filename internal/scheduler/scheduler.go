package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// Job is a named recurring task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means half the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs recurring jobs until stopped. Jobs are owned by the
// scheduler instance so a restart does not leak timers.
type Scheduler struct {
	logger pslog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a scheduler.
func New(logger pslog.Logger) *Scheduler {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Scheduler{logger: logger, cancels: make(map[string]context.CancelFunc)}
}

// Every starts job. Starting a job with a name already running replaces it.
func (s *Scheduler) Every(ctx context.Context, job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Interval <= 0 {
		return errors.New("job interval must be positive")
	}
	if job.Run == nil {
		return errors.New("job func is required")
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval / 2
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.cancels[job.Name]; ok {
		prev()
	}
	s.cancels[job.Name] = cancel
	s.mu.Unlock()

	log := s.logger.With("job", job.Name)
	log.Debug("scheduler job started", "interval", job.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(job.Interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-jobCtx.Done():
				log.Debug("scheduler job stopped")
				return
			case <-ticker.C:
				runCtx, runCancel := context.WithTimeout(jobCtx, timeout)
				err := job.Run(runCtx)
				runCancel()
				if err != nil {
					failures++
					log.Warn("scheduler job failed", "failures", failures, "err", err)
					continue
				}
				if failures > 0 {
					log.Debug("scheduler job recovered", "failures", failures)
				}
				failures = 0
			}
		}
	}()
	return nil
}

// Cancel stops the named job if it is running.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[name]
	if ok {
		cancel()
		delete(s.cancels, name)
	}
	return ok
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for name, cancel := range s.cancels {
		cancel()
		delete(s.cancels, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
