// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler materializes cron schedules into execution
// submissions. A single timer sleeps until the earliest next-fire time;
// firing is at-most-once per instant and missed instants are never
// back-fired.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/execution"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/pkg/engine"
)

// Submitter accepts execution requests. The orchestration facade
// implements it.
type Submitter interface {
	SubmitRequest(ctx context.Context, req *execution.Request) (string, error)
}

// Schedule is one cron-driven recurring submission.
type Schedule struct {
	// Name is the unique identifier for this schedule.
	Name string `yaml:"name" json:"name"`

	// Cron is the cron expression (standard 5-field format).
	Cron string `yaml:"cron" json:"cron"`

	// Engine selects the adapter for the workflow.
	Engine engine.Type `yaml:"engine" json:"engine"`

	// Workflow is the definition submitted on each fire.
	Workflow *engine.WorkflowDefinition `yaml:"workflow" json:"workflow"`

	// Params are passed verbatim to the adapter.
	Params engine.Parameters `yaml:"params,omitempty" json:"params,omitempty"`

	// Priority overrides the default NORMAL priority when set.
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Enabled pauses firing without losing schedule identity when false.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Timezone for cron evaluation (defaults to the scheduler timezone).
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// computed fields
	cronExpr   *CronExpr
	location   *time.Location
	nextRun    time.Time
	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// Config contains scheduler configuration.
type Config struct {
	// Schedules defines the initial schedule set.
	Schedules []Schedule `yaml:"schedules" json:"schedules"`

	// SchedulesFile, when set, is loaded on start and hot-reloaded on
	// change.
	SchedulesFile string `yaml:"schedulesFile" json:"schedules_file"`

	// Timezone is the default timezone for cron evaluation.
	Timezone string `yaml:"timezone" json:"timezone"`
}

// callerID identifies scheduler-originated submissions.
const callerID = "scheduler"

// Scheduler owns the schedule set and drives the fire timer.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	location  *time.Location
	file      string

	submitter Submitter
	bus       *events.Bus
	logger    *slog.Logger

	// recompute wakes the run loop after the schedule set changes.
	recompute chan struct{}

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a scheduler. Schedules from cfg.Schedules and
// cfg.SchedulesFile are both loaded.
func New(cfg Config, submitter Submitter, bus *events.Bus, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	s := &Scheduler{
		schedules: make(map[string]*Schedule),
		location:  loc,
		file:      cfg.SchedulesFile,
		submitter: submitter,
		bus:       bus,
		logger:    ilog.WithComponent(logger, "scheduler"),
		recompute: make(chan struct{}, 1),
	}

	for _, sched := range cfg.Schedules {
		if err := s.AddSchedule(sched); err != nil {
			return nil, fmt.Errorf("invalid schedule %s: %w", sched.Name, err)
		}
	}
	if cfg.SchedulesFile != "" {
		if err := s.loadFile(cfg.SchedulesFile); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddSchedule adds or replaces a schedule.
func (s *Scheduler) AddSchedule(sched Schedule) error {
	expr, err := ParseCron(sched.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	sched.cronExpr = expr

	sched.location = s.location
	if sched.Timezone != "" {
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
		sched.location = loc
	}
	if sched.Workflow == nil {
		return fmt.Errorf("schedule has no workflow")
	}
	sched.nextRun = expr.Next(time.Now().In(sched.location))

	s.mu.Lock()
	s.schedules[sched.Name] = &sched
	s.mu.Unlock()
	s.wake()
	return nil
}

// RemoveSchedule removes a schedule, reporting whether it existed.
func (s *Scheduler) RemoveSchedule(name string) bool {
	s.mu.Lock()
	_, ok := s.schedules[name]
	delete(s.schedules, name)
	s.mu.Unlock()
	s.wake()
	return ok
}

// SetEnabled enables or disables a schedule.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	sched, ok := s.schedules[name]
	if ok {
		sched.Enabled = enabled
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule not found: %s", name)
	}
	s.wake()
	return nil
}

// Start launches the fire loop and, when a schedules file is configured,
// the hot-reload watcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	if s.file != "" {
		go s.watchFile(ctx)
	}
}

// Stop halts the fire loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

// run sleeps until the earliest next-fire time, fires due schedules, and
// reschedules.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		next, ok := s.earliest()
		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.stopCh:
			stopTimer(timer)
			return
		case <-s.recompute:
			stopTimer(timer)
		case now := <-fire:
			s.fireDue(ctx, now)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// earliest returns the soonest next-fire time among enabled schedules.
func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	found := false
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.nextRun.IsZero() {
			continue
		}
		if !found || sched.nextRun.Before(next) {
			next = sched.nextRun
			found = true
		}
	}
	return next, found
}

// fireDue triggers every enabled schedule whose next-fire has arrived and
// advances it strictly past now, so clock jumps never back-fire missed
// instants.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.nextRun.IsZero() {
			continue
		}
		if !sched.nextRun.After(now) {
			due = append(due, sched)
			fired := now
			sched.lastRun = &fired
			sched.runCount++
			sched.nextRun = sched.cronExpr.Next(now.In(sched.location))
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		go s.trigger(ctx, sched)
	}
}

// trigger submits one scheduled execution. Submission failures advance the
// schedule anyway; they are logged and surfaced as schedule_error events.
func (s *Scheduler) trigger(ctx context.Context, sched *Schedule) {
	logger := s.logger.With(
		slog.String(ilog.ScheduleKey, sched.Name),
		slog.String(ilog.WorkflowKey, sched.Workflow.Name))
	logger.Info("Triggering scheduled workflow")

	params := make(engine.Parameters, len(sched.Params)+2)
	for k, v := range sched.Params {
		params[k] = v
	}
	params["_scheduled"] = true
	params["_schedule_name"] = sched.Name

	req := &execution.Request{
		ID:         uuid.NewString(),
		WorkflowID: sched.Workflow.ID,
		Workflow:   sched.Workflow,
		Engine:     sched.Engine,
		Params:     params,
		Priority:   execution.ParsePriority(sched.Priority),
		CreatedAt:  time.Now(),
		CallerID:   callerID,
	}

	id, err := s.submitter.SubmitRequest(ctx, req)
	if err != nil {
		logger.Error("Scheduled submission failed", ilog.Error(err))
		s.mu.Lock()
		sched.errorCount++
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Kind: events.ScheduleError,
				Payload: map[string]any{
					"schedule": sched.Name,
					"error":    err.Error(),
				},
			})
		}
		return
	}
	logger.Info("Scheduled execution submitted", slog.String(ilog.ExecutionIDKey, id))
}

// watchFile hot-reloads the schedules file on change.
func (s *Scheduler) watchFile(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("Could not watch schedules file", ilog.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.file); err != nil {
		s.logger.Error("Could not watch schedules file", ilog.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.loadFile(s.file); err != nil {
				s.logger.Error("Schedules reload failed", ilog.Error(err))
				continue
			}
			s.logger.Info("Schedules reloaded", slog.Int("count", s.Count()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Schedules watcher error", ilog.Error(err))
		}
	}
}

// schedulesFile is the YAML layout of the schedules file.
type schedulesFile struct {
	Schedules []Schedule `yaml:"schedules"`
}

// loadFile applies the file's current contents. Schedules added through
// AddSchedule are untouched only if the file redefines none of them.
// Invalid entries are logged and skipped; valid ones keep running.
func (s *Scheduler) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schedules file: %w", err)
	}
	var parsed schedulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse schedules file: %w", err)
	}
	for _, sched := range parsed.Schedules {
		if err := s.AddSchedule(sched); err != nil {
			s.logger.Warn("Skipping invalid schedule",
				slog.String(ilog.ScheduleKey, sched.Name), ilog.Error(err))
		}
	}
	return nil
}

// wake nudges the run loop to recompute the earliest next-fire.
func (s *Scheduler) wake() {
	select {
	case s.recompute <- struct{}{}:
	default:
	}
}

// Status contains status information for a schedule.
type Status struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	Workflow   string     `json:"workflow"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// GetStatus returns the status of all schedules.
func (s *Scheduler) GetStatus() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Status, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, Status{
			Name:       sched.Name,
			Cron:       sched.Cron,
			Workflow:   sched.Workflow.Name,
			Enabled:    sched.Enabled,
			NextRun:    sched.nextRun,
			LastRun:    sched.lastRun,
			RunCount:   sched.runCount,
			ErrorCount: sched.errorCount,
		})
	}
	return result
}

// Count returns the total number of schedules.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

// EnabledCount returns the number of enabled schedules.
func (s *Scheduler) EnabledCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sched := range s.schedules {
		if sched.Enabled {
			count++
		}
	}
	return count
}
