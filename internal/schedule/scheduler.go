// Package schedule implements the process-wide cron registry that fires
// scheduled validation jobs. The scheduler is explicitly constructed and
// dependency-injected; its lifecycle (Start/Shutdown) belongs to the process
// entry point. It holds no persistence: the caller replays enabled jobs from
// durable storage at startup.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultMisfireGrace is how much scheduler downtime is tolerated before a
// missed firing is dropped instead of fired late.
const DefaultMisfireGrace = 5 * time.Minute

// cronParser accepts strictly standard 5-field cron expressions
// (minute hour day-of-month month day-of-week). No descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// InvalidScheduleError reports a malformed cron expression or timezone at
// registration time. Nothing is registered when it is returned.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// Callback is the job body invoked on each firing.
type Callback func(ctx context.Context)

// Parse validates a cron expression in the given IANA timezone and returns
// the schedule. Failures wrap InvalidScheduleError.
//
//nolint:ireturn // cron schedules are interface values by library design
func Parse(expr, timezone string) (cronlib.Schedule, error) {
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: fmt.Errorf("timezone %q: %w", timezone, err)}
	}
	// The TZ prefix makes the parsed schedule compute firings in the zone.
	sched, err := cronParser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return sched, nil
}

type entry struct {
	jobID    string
	expr     string
	timezone string
	schedule cronlib.Schedule
	cronID   cronlib.EntryID
	callback Callback
	paused   bool
	running  bool
}

// Options configures a Scheduler.
type Options struct {
	// MisfireGrace overrides DefaultMisfireGrace.
	MisfireGrace time.Duration
	Logger       *slog.Logger
	// Now is injectable for tests.
	Now func() time.Time
}

// Scheduler owns the single timer loop and the job-id -> trigger registry.
// At most one execution runs per job id at a time: a firing due while the
// previous one is still running is skipped, not queued. Missed firings
// within the grace window coalesce into one catch-up firing at Start.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]*entry
	grace   time.Duration
	logger  *slog.Logger
	now     func() time.Time
	started bool
}

// New constructs a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = DefaultMisfireGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		cron:    cronlib.New(cronlib.WithParser(cronParser)),
		entries: make(map[string]*entry),
		grace:   opts.MisfireGrace,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// AddJobParams carries one registration.
type AddJobParams struct {
	JobID    string
	CronExpr string
	Timezone string
	Callback Callback
}

// AddJob registers a recurring trigger. An existing registration for the
// same job id is atomically replaced so schedule updates take effect without
// restart. Returns InvalidScheduleError for malformed expressions; nothing
// is registered in that case.
func (s *Scheduler) AddJob(p AddJobParams) error {
	sched, err := Parse(p.CronExpr, p.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[p.JobID]; ok {
		s.cron.Remove(old.cronID)
		delete(s.entries, p.JobID)
	}

	e := &entry{
		jobID:    p.JobID,
		expr:     p.CronExpr,
		timezone: p.Timezone,
		schedule: sched,
		callback: p.Callback,
	}
	e.cronID = s.cron.Schedule(sched, cronlib.FuncJob(func() {
		s.runEntry(e)
	}))
	s.entries[p.JobID] = e
	return nil
}

// RemoveJob deregisters a job. Idempotent; reports whether a registration
// existed. An in-flight run is not interrupted, only future firings stop.
func (s *Scheduler) RemoveJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, jobID)
	return true
}

// PauseJob suspends firing without removing the registration.
func (s *Scheduler) PauseJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if ok {
		e.paused = true
	}
	return ok
}

// ResumeJob restores firing for a paused job.
func (s *Scheduler) ResumeJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if ok {
		e.paused = false
	}
	return ok
}

// NextFireTime returns the next scheduled instant for the job, or false when
// the job is not registered.
func (s *Scheduler) NextFireTime(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(s.now()), true
}

// JobIDs returns the registered job ids.
func (s *Scheduler) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Fire runs the job body immediately under the same one-instance-per-job
// rule as cron firings. Reports whether the body actually ran: false means
// the job is unknown, paused runs are still fired manually, but a
// concurrent execution causes a skip.
func (s *Scheduler) Fire(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok || e.running {
		s.mu.Unlock()
		return false
	}
	e.running = true
	s.mu.Unlock()

	defer s.clearRunning(e)
	e.callback(ctx)
	return true
}

// Start begins the timer loop and fires one coalesced catch-up for every
// entry whose firing was missed within the grace window.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := s.now()
	var catchup []*entry
	for _, e := range s.entries {
		if e.paused {
			continue
		}
		// A firing was due during the grace window while the process was
		// down. Multiple missed firings coalesce into this single one.
		if due := e.schedule.Next(now.Add(-s.grace)); due.Before(now) {
			catchup = append(catchup, e)
		}
	}
	s.mu.Unlock()

	for _, e := range catchup {
		s.logger.Info("firing missed schedule catch-up", "job_id", e.jobID, "cron", e.expr)
		go s.runEntry(e)
	}
	s.cron.Start()
}

// Shutdown stops the timer loop. With wait=true it blocks until in-flight
// cron-started firings return.
func (s *Scheduler) Shutdown(wait bool) {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	if wait {
		<-stopCtx.Done()
	}
}

// runEntry is the single-flight gate wrapping every firing.
func (s *Scheduler) runEntry(e *entry) {
	s.mu.Lock()
	if e.paused {
		s.mu.Unlock()
		return
	}
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("skipping firing, previous execution still running", "job_id", e.jobID)
		return
	}
	e.running = true
	s.mu.Unlock()

	defer s.clearRunning(e)
	e.callback(context.Background())
}

func (s *Scheduler) clearRunning(e *entry) {
	s.mu.Lock()
	e.running = false
	s.mu.Unlock()
}
