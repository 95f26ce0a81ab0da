// Package scheduler runs the daemon's subsystem jobs on cron schedules. Jobs
// run one at a time on a single goroutine; a watcher or caller may trigger a
// job early.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// specParser accepts 5-field cron expressions and descriptors like @every 30s.
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a job schedule spec.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is empty")
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Timer is the part of time.Timer the scheduler uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock abstracts time so tests can drive the loop.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// JobFunc is one bounded unit of work.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule cronlib.Schedule
	run      JobFunc
	next     time.Time
}

// Scheduler fires registered jobs when they are due.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger
	jobs   []*job

	// OnRun, when set, is called after every job run.
	OnRun func(name string, err error)

	mu      sync.Mutex
	pending []string
	wake    chan struct{}
}

// New creates a scheduler. A nil clock means the wall clock.
func New(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: clock, logger: logger, wake: make(chan struct{}, 1)}
}

// Add registers a job. Jobs due at the same moment run in registration order.
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, &job{name: name, schedule: sched, run: run})
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Trigger asks for the named job to run as soon as the loop is free.
// Repeated triggers before the job runs collapse into one.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	for _, p := range s.pending {
		if p == name {
			s.mu.Unlock()
			return
		}
	}
	s.pending = append(s.pending, name)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Run loops until ctx is cancelled, firing each job when due.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return errors.New("no jobs registered")
	}

	now := s.clock.Now()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}
	s.logger.Info("scheduler started", "jobs", s.Jobs())

	for {
		wait := s.nextDue().Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil

		case <-s.wake:
			timer.Stop()
			for _, name := range s.takePending() {
				if ctx.Err() != nil {
					break
				}
				if j := s.find(name); j != nil {
					s.runJob(ctx, j, "trigger")
				} else {
					s.logger.Warn("trigger for unknown job", "job", name)
				}
			}

		case fired := <-timer.C():
			for _, j := range s.jobs {
				if ctx.Err() != nil {
					break
				}
				if j.next.After(fired) {
					continue
				}
				s.runJob(ctx, j, "schedule")
				j.next = j.schedule.Next(s.clock.Now())
			}
		}
	}
}

func (s *Scheduler) nextDue() time.Time {
	next := s.jobs[0].next
	for _, j := range s.jobs[1:] {
		if j.next.Before(next) {
			next = j.next
		}
	}
	return next
}

func (s *Scheduler) find(name string) *job {
	for _, j := range s.jobs {
		if j.name == name {
			return j
		}
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *job, reason string) {
	start := s.clock.Now()
	err := j.run(ctx)
	if err != nil {
		s.logger.Error("job failed", "job", j.name, "reason", reason, "error", err)
	} else {
		s.logger.Debug("job finished", "job", j.name, "reason", reason, "duration", s.clock.Now().Sub(start))
	}
	if s.OnRun != nil {
		s.OnRun(j.name, err)
	}
}
