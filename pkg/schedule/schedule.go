// Package schedule runs recurring ReplicationJobs on a cron schedule —
// a supplemental feature spec.md's distillation dropped but
// original_source/skyplane's CLI exposes (a job definition re-run on an
// interval rather than invoked once). Grounded almost directly on the
// teacher's pkg/scheduler/scheduler.go: same Schedule/Scheduler shape,
// same cron.New(cron.WithSeconds()) + run/fail counters, retargeted from
// SourceConfig/DestConfig S3 buckets to a full ReplicationJob + Topology
// pair executed through pkg/client.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/client"
	"skyplane-ctl/pkg/topology"
)

// Schedule is one recurring replication definition.
type Schedule struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	CronExpr  string               `json:"cron_expr"`
	Enabled   bool                 `json:"enabled"`
	Job       chunk.ReplicationJob `json:"job"`
	Topo      *topology.Topology   `json:"-"`
	Opts      client.RunOptions    `json:"-"`
	LastRun   time.Time            `json:"last_run"`
	NextRun   time.Time            `json:"next_run"`
	RunCount  int                  `json:"run_count"`
	FailCount int                  `json:"fail_count"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Executor runs one Schedule's job to completion. Production code passes
// a *client.Client-backed implementation; tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, sched *Schedule) error
}

// clientExecutor adapts a *client.Client into an Executor, stamping each
// run's id/time from the scheduler's own clock rather than the client's.
type clientExecutor struct {
	c *client.Client
}

// NewClientExecutor wraps c so a Scheduler can drive recurring runs
// through it.
func NewClientExecutor(c *client.Client) Executor {
	return &clientExecutor{c: c}
}

func (e *clientExecutor) Execute(ctx context.Context, sched *Schedule) error {
	job := sched.Job
	now := time.Now()
	runID := fmt.Sprintf("%s-%s", sched.ID, now.Format("20060102T150405"))
	_, err := e.c.RunJob(ctx, runID, &job, sched.Topo, sched.Opts, now)
	return err
}

// Scheduler manages a set of recurring Schedules, mirroring the
// teacher's Scheduler field-for-field.
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	executor  Executor
	running   bool
}

// NewScheduler builds a Scheduler that runs schedules through executor.
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		executor:  executor,
	}
}

// Start begins firing due schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the scheduler, waiting for any in-flight cron dispatch to
// return before unwinding.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	return nil
}

// AddSchedule registers sched and, if enabled, wires it into cron.
func (s *Scheduler) AddSchedule(sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}

	parsed, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.NextRun = parsed.Next(now)

	if sched.Enabled {
		entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.executeSchedule(sched.ID) })
		if err != nil {
			return fmt.Errorf("add cron job: %w", err)
		}
		s.entries[sched.ID] = entryID
	}

	s.schedules[sched.ID] = sched
	return nil
}

// RemoveSchedule unregisters id, removing its cron entry if active.
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.schedules, id)
	return nil
}

// GetSchedule returns the schedule registered under id.
func (s *Scheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	return sched, nil
}

// ListSchedules returns every registered schedule, in no particular order.
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out
}

// EnableSchedule (re)wires id into cron if it was disabled.
func (s *Scheduler) EnableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	if sched.Enabled {
		return nil
	}
	entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.executeSchedule(id) })
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	s.entries[id] = entryID
	sched.Enabled = true
	sched.UpdatedAt = time.Now()
	return nil
}

// DisableSchedule removes id's cron entry without forgetting the schedule.
func (s *Scheduler) DisableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	if !sched.Enabled {
		return nil
	}
	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	sched.Enabled = false
	sched.UpdatedAt = time.Now()
	return nil
}

// RunNow triggers id immediately, off the cron clock.
func (s *Scheduler) RunNow(id string) error {
	go s.executeSchedule(id)
	return nil
}

func (s *Scheduler) executeSchedule(id string) {
	s.mu.Lock()
	sched, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	sched.LastRun = time.Now()
	sched.RunCount++
	s.mu.Unlock()

	err := s.executor.Execute(context.Background(), sched)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		sched.FailCount++
	}
	if parsed, parseErr := cron.ParseStandard(sched.CronExpr); parseErr == nil {
		sched.NextRun = parsed.Next(time.Now())
	}
}

// Stats summarizes the scheduler's current load.
type Stats struct {
	TotalSchedules    int       `json:"total_schedules"`
	ActiveSchedules   int       `json:"active_schedules"`
	DisabledSchedules int       `json:"disabled_schedules"`
	NextRun           time.Time `json:"next_run"`
}

// GetStats computes Stats across all registered schedules.
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{TotalSchedules: len(s.schedules)}
	var nextRun time.Time
	for _, sched := range s.schedules {
		if sched.Enabled {
			stats.ActiveSchedules++
			if nextRun.IsZero() || sched.NextRun.Before(nextRun) {
				nextRun = sched.NextRun
			}
		} else {
			stats.DisabledSchedules++
		}
	}
	stats.NextRun = nextRun
	return stats
}
