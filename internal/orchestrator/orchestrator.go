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

// Package orchestrator is the stateless facade in front of the execution
// core: it resolves adapters, validates workflows, fills request defaults,
// and exposes the public operations.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/execution"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/queue"
	"github.com/maestrod/maestro/internal/scheduler"
	"github.com/maestrod/maestro/internal/service"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// ExecuteOptions tune a single submission.
type ExecuteOptions struct {
	// Priority defaults to NORMAL.
	Priority *execution.Priority

	// Timeout defaults to the configured default timeout.
	Timeout time.Duration

	// MaxRetries defaults to the configured fault-tolerance setting.
	MaxRetries *int

	// CallerID identifies the submitter in the execution record.
	CallerID string

	// ExecutionID overrides the generated id; must be unique among live
	// executions.
	ExecutionID string
}

// Orchestrator validates and dispatches workflow executions.
type Orchestrator struct {
	cfg       *config.Config
	registry  *engine.Registry
	service   *service.Service
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New wires the facade. scheduler and tracer may be nil.
func New(cfg *config.Config, registry *engine.Registry, svc *service.Service, sched *scheduler.Scheduler, bus *events.Bus, logger *slog.Logger, tracer trace.Tracer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("maestro")
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		service:   svc,
		scheduler: sched,
		bus:       bus,
		logger:    ilog.WithComponent(logger, "orchestrator"),
		tracer:    tracer,
	}
}

// AttachScheduler installs the scheduler after construction. The scheduler
// is built with the orchestrator as its submitter, so it cannot exist
// before the orchestrator does. Must be called before Start.
func (o *Orchestrator) AttachScheduler(sched *scheduler.Scheduler) {
	o.scheduler = sched
}

// Start brings up the execution service and the scheduler, then announces
// the start on the bus.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.service.Start(); err != nil {
		return err
	}
	if o.scheduler != nil {
		o.scheduler.Start(ctx)
	}
	o.publish(events.Event{Kind: events.Started})
	o.logger.Info("Orchestrator started")
	return nil
}

// Stop tears down the scheduler first so nothing new is submitted, then
// drains the execution service.
func (o *Orchestrator) Stop() error {
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	err := o.service.Stop()
	o.publish(events.Event{Kind: events.Stopped})
	o.logger.Info("Orchestrator stopped")
	return err
}

// ExecuteWorkflow validates the workflow against its adapter and submits
// it. The execution id is returned synchronously; the outcome is observed
// via status reads or events.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *engine.WorkflowDefinition, params engine.Parameters, opts ExecuteOptions) (string, error) {
	ctx, span := o.tracer.Start(ctx, "maestro.ExecuteWorkflow")
	defer span.End()

	if wf == nil {
		return "", errors.New(errors.KindValidationFailed, "workflow definition is required")
	}
	if err := wf.Validate(); err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String("workflow.name", wf.Name),
		attribute.String("engine.type", string(wf.Engine)))

	req := &execution.Request{
		ID:         opts.ExecutionID,
		WorkflowID: wf.ID,
		Workflow:   wf,
		Engine:     wf.Engine,
		Params:     params,
		CreatedAt:  time.Now(),
		Timeout:    opts.Timeout,
		CallerID:   opts.CallerID,
	}
	if opts.Priority != nil {
		req.Priority = *opts.Priority
	} else {
		req.Priority = execution.PriorityNormal
	}
	if opts.MaxRetries != nil {
		req.MaxRetries = *opts.MaxRetries
	} else {
		req.MaxRetries = -1
	}

	id, err := o.SubmitRequest(ctx, req)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("execution.id", id))
	return id, nil
}

// SubmitRequest applies defaults, resolves and consults the adapter, and
// enqueues. It implements scheduler.Submitter.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req *execution.Request) (string, error) {
	adapter, err := o.registry.Get(req.Engine)
	if err != nil {
		return "", err
	}

	result, err := adapter.ValidateWorkflow(req.Workflow)
	if err != nil {
		return "", errors.Wrap(errors.KindValidationFailed, "workflow validation errored", err)
	}
	if !result.Valid {
		verr := errors.New(errors.KindValidationFailed, "workflow validation failed")
		details := make(map[string]any, len(result.Errors))
		for _, issue := range result.Errors {
			details[issue.Field] = issue.Message
		}
		return "", verr.WithDetails(details)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = o.cfg.DefaultTimeout
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = o.cfg.FaultTolerance.MaxRetries
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	id, err := o.service.Submit(req)
	if err != nil {
		return "", err
	}
	o.logger.Info("Execution submitted",
		slog.String(ilog.ExecutionIDKey, id),
		slog.String(ilog.WorkflowKey, req.Workflow.Name),
		slog.String(ilog.EngineKey, string(req.Engine)),
		slog.String(ilog.PriorityKey, req.Priority.String()))
	return id, nil
}

// CancelExecution cancels a queued or running execution.
func (o *Orchestrator) CancelExecution(ctx context.Context, id string) (*engine.CancelResult, error) {
	ctx, span := o.tracer.Start(ctx, "maestro.CancelExecution")
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", id))
	return o.service.Cancel(id)
}

// GetExecutionStatus returns the live or stored execution snapshot.
func (o *Orchestrator) GetExecutionStatus(id string) (*execution.Snapshot, error) {
	return o.service.Status(id)
}

// GetExecutionResult returns the stored result; in-flight ids return the
// live record.
func (o *Orchestrator) GetExecutionResult(id string) (*execution.Snapshot, error) {
	return o.service.Result(id)
}

// ListExecutions returns live and retained executions matching the filter,
// newest first.
func (o *Orchestrator) ListExecutions(f service.ListFilter) ([]*execution.Snapshot, error) {
	return o.service.ListExecutions(f)
}

// SubscribeLogs streams an execution's log entries as they arrive. The
// channel closes when the execution reaches a terminal state; the returned
// func unsubscribes early.
func (o *Orchestrator) SubscribeLogs(id string) (<-chan engine.LogEntry, func(), error) {
	return o.service.SubscribeLogs(id)
}

// GetQueueStats returns per-band queue statistics.
func (o *Orchestrator) GetQueueStats() queue.Snapshot {
	return o.service.QueueSnapshot()
}

// GetMetrics returns the aggregated metrics snapshot.
func (o *Orchestrator) GetMetrics() service.MetricsSnapshot {
	return o.service.Metrics()
}

// ScheduleWorkflow registers a cron schedule.
func (o *Orchestrator) ScheduleWorkflow(sched scheduler.Schedule) error {
	if o.scheduler == nil {
		return errors.New(errors.KindValidationFailed, "scheduler is disabled")
	}
	if sched.Workflow != nil {
		if err := sched.Workflow.Validate(); err != nil {
			return err
		}
	}
	return o.scheduler.AddSchedule(sched)
}

// UnscheduleWorkflow removes a cron schedule.
func (o *Orchestrator) UnscheduleWorkflow(name string) error {
	if o.scheduler == nil {
		return errors.New(errors.KindValidationFailed, "scheduler is disabled")
	}
	if !o.scheduler.RemoveSchedule(name) {
		return errors.Newf(errors.KindNotFound, "no schedule %q", name)
	}
	return nil
}

// GetSchedulerStats returns the status of all schedules.
func (o *Orchestrator) GetSchedulerStats() []scheduler.Status {
	if o.scheduler == nil {
		return nil
	}
	return o.scheduler.GetStatus()
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
