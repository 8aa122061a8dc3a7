// Package scheduling runs the vault's maintenance jobs on cron expressions or
// fixed intervals, plus named one-shot timers such as deferred session
// cleanups.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job identifies a recurring maintenance job.
type Job string

const (
	JobSessionSweep   Job = "session_sweep"
	JobAuditRetention Job = "audit_retention"
	JobJournalPrune   Job = "journal_prune"
)

// Kind tells recurring entries from one-shot timers.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindOnce      Kind = "once"
)

// runTimeout bounds a single run of any entry.
const runTimeout = 5 * time.Minute

// Entry describes a registered job or timer.
type Entry struct {
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
}

type entry struct {
	id       cron.EntryID
	kind     Kind
	spec     string
	schedule cron.Schedule
	due      time.Time // once only
}

// Scheduler owns one cron runner shared by the session sweeper, the cleanup
// orchestrator and the vault's retention jobs. Entries are addressed by name.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[Job]func(ctx context.Context) error
	entries map[string]*entry
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		jobs:    make(map[Job]func(ctx context.Context) error),
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Handle sets the function run for job. A later call replaces it.
func (s *Scheduler) Handle(job Job, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job] = fn
}

// Every schedules job under name. spec is a cron expression ("0 3 * * *",
// "@daily") or a Go duration ("30s").
func (s *Scheduler) Every(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.jobs[job]
	if !ok {
		return fmt.Errorf("scheduler: no handler for job %q", job)
	}
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: %q already scheduled", name)
	}
	schedule, err := parseSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: %q: %w", name, err)
	}

	e := &entry{kind: KindRecurring, spec: spec, schedule: schedule}
	e.id = s.cron.Schedule(schedule, s.runner(name, e, fn))
	s.entries[name] = e
	s.logger.Info("job scheduled", "name", name, "schedule", spec, "job", string(job))
	return nil
}

// After runs fn once, delay from now, under name. Cancel removes it before
// it fires.
func (s *Scheduler) After(name string, delay time.Duration, fn func(ctx context.Context) error) error {
	if delay <= 0 {
		return fmt.Errorf("scheduler: %q: delay must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: %q already scheduled", name)
	}
	e := &entry{
		kind:     KindOnce,
		spec:     delay.String(),
		schedule: constantDelay{delay: delay},
		due:      time.Now().Add(delay),
	}
	e.id = s.cron.Schedule(e.schedule, s.runner(name, e, fn))
	s.entries[name] = e
	s.logger.Debug("timer set", "name", name, "delay", delay)
	return nil
}

// runner wraps fn with the run timeout and logging. One-shot entries remove
// themselves after their first run.
func (s *Scheduler) runner(name string, e *entry, fn func(ctx context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping", "name", name)
			return
		}

		if e.kind == KindOnce {
			s.drop(name, e)
		}

		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		start := time.Now()
		if err := fn(runCtx); err != nil {
			s.logger.Warn("scheduled run failed", "name", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled run completed", "name", name, "duration", time.Since(start))
	})
}

// drop removes e if it is still the entry registered under name.
func (s *Scheduler) drop(name string, e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[name]; ok && cur == e {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	s.cron.Remove(e.id)
}

// Cancel removes the entry registered under name and reports whether one
// existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	s.logger.Debug("schedule cancelled", "name", name)
	return true
}

// Pending reports whether an entry is registered under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// NextRun returns when the entry under name fires next. On a stopped
// scheduler a recurring entry reports the run it would get if started now.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.nextRun(e, time.Now()), true
}

func (s *Scheduler) nextRun(e *entry, now time.Time) time.Time {
	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		return next
	}
	if e.kind == KindOnce {
		return e.due
	}
	return e.schedule.Next(now)
}

// Entries lists every registered entry, soonest first.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	snapshot := make(map[string]*entry, len(s.entries))
	for name, e := range s.entries {
		snapshot[name] = e
	}
	s.mu.Unlock()

	now := time.Now()
	out := make([]Entry, 0, len(snapshot))
	for name, e := range snapshot {
		out = append(out, Entry{Name: name, Kind: e.kind, Schedule: e.spec, NextRun: s.nextRun(e, now)})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Start begins running entries. It is a no-op on a running scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return. The lock is
// released before waiting because running jobs take it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	stopCtx := s.cron.Stop()
	s.mu.Unlock()

	<-stopCtx.Done()
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// parseSchedule accepts a standard five-field cron expression or descriptor
// first and falls back to a positive duration.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return constantDelay{delay: d}, nil
}

// constantDelay fires at a fixed interval. cron.Every rounds to whole
// seconds; this does not.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
