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

// Package httpengine is the reference adapter for remote engines exposed
// over HTTP with bearer-token auth and JSON payloads. ExecuteWorkflow
// starts the remote execution and long-polls its status at a rate-limited
// cadence until terminal, honoring cancellation via ctx.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
	"github.com/maestrod/maestro/pkg/httpclient"
)

// Config configures one HTTP engine adapter instance.
type Config struct {
	// Engine is the engine type this adapter serves.
	Engine engine.Type

	// BaseURL is the remote engine's API root, without a trailing slash.
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	// PollInterval is the status poll cadence. Default 2s.
	PollInterval time.Duration

	// PollBurst allows short poll bursts above the steady rate. Default 1.
	PollBurst int

	// HTTP configures the underlying client; zero value uses defaults.
	HTTP httpclient.Config
}

// Adapter talks to one remote HTTP engine.
type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates the adapter and its HTTP client.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Engine == "" {
		return nil, fmt.Errorf("engine type is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = 1
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP = httpclient.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := httpclient.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), cfg.PollBurst),
		logger: ilog.WithComponent(logger, "httpengine").
			With(slog.String(ilog.EngineKey, string(cfg.Engine))),
	}, nil
}

// EngineType implements engine.Adapter.
func (a *Adapter) EngineType() engine.Type { return a.cfg.Engine }

// ValidateWorkflow checks the definition shape without remote calls.
func (a *Adapter) ValidateWorkflow(wf *engine.WorkflowDefinition) (*engine.ValidationResult, error) {
	result := &engine.ValidationResult{Valid: true}
	if wf == nil {
		return &engine.ValidationResult{
			Valid:  false,
			Errors: []engine.ValidationIssue{{Field: "workflow", Message: "workflow is required", Code: "required"}},
		}, nil
	}
	if err := wf.Validate(); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Field: "workflow", Message: err.Error(), Code: "invalid",
		})
	}
	if wf.Engine != a.cfg.Engine {
		result.Valid = false
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Field:   "engine",
			Message: fmt.Sprintf("workflow targets engine %q, adapter serves %q", wf.Engine, a.cfg.Engine),
			Code:    "engine_mismatch",
		})
	}
	if wf.Definition == nil {
		result.Warnings = append(result.Warnings, engine.ValidationIssue{
			Field: "definition", Message: "definition payload is empty", Code: "empty_definition",
		})
	}
	return result, nil
}

// executionEnvelope is the remote engine's execution representation.
type executionEnvelope struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// ExecuteWorkflow starts the remote execution and polls until terminal.
func (a *Adapter) ExecuteWorkflow(ctx context.Context, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error) {
	body := map[string]any{
		"workflow": wf,
		"params":   params,
	}
	var env executionEnvelope
	if err := a.do(ctx, http.MethodPost, "/executions", body, &env); err != nil {
		return nil, err
	}
	logger := a.logger.With(slog.String(ilog.ExecutionIDKey, env.ID))
	logger.Debug("Remote execution started")

	start := time.Now()
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			// Cancellation: ask the remote to stop, then report CANCELLED.
			a.bestEffortCancel(env.ID)
			return &engine.Result{
				ExecutionID: env.ID,
				State:       engine.StateCancelled,
				StartedAt:   start,
				FinishedAt:  time.Now(),
				Metrics:     engine.Metrics{Duration: time.Since(start)},
			}, nil
		}

		var status executionEnvelope
		if err := a.do(ctx, http.MethodGet, "/executions/"+env.ID, nil, &status); err != nil {
			if ctx.Err() != nil {
				a.bestEffortCancel(env.ID)
				return &engine.Result{
					ExecutionID: env.ID,
					State:       engine.StateCancelled,
					StartedAt:   start,
					FinishedAt:  time.Now(),
					Metrics:     engine.Metrics{Duration: time.Since(start)},
				}, nil
			}
			return nil, err
		}

		state := mapStatus(status.Status)
		if !state.Terminal() {
			continue
		}

		res := &engine.Result{
			ExecutionID: status.ID,
			State:       state,
			Output:      status.Output,
			StartedAt:   start,
			FinishedAt:  time.Now(),
			Metrics:     engine.Metrics{Duration: time.Since(start)},
		}
		if state == engine.StateFailed {
			res.Error = errors.New(errors.KindRemoteEngineError, "engine reported failure").
				WithEngineError(status.Error)
		}
		logger.Debug("Remote execution finished", slog.String("state", string(state)))
		return res, nil
	}
}

// GetExecutionStatus returns a snapshot of the remote execution.
func (a *Adapter) GetExecutionStatus(ctx context.Context, executionID string) (*engine.Result, error) {
	var env executionEnvelope
	if err := a.do(ctx, http.MethodGet, "/executions/"+executionID, nil, &env); err != nil {
		return nil, err
	}
	res := &engine.Result{
		ExecutionID: env.ID,
		State:       mapStatus(env.Status),
		Output:      env.Output,
		StartedAt:   env.StartedAt,
		FinishedAt:  env.FinishedAt,
	}
	if env.Error != "" {
		res.Error = errors.New(errors.KindRemoteEngineError, "engine reported failure").
			WithEngineError(env.Error)
	}
	return res, nil
}

// GetExecutionLogs returns the remote logs sorted by timestamp ascending.
func (a *Adapter) GetExecutionLogs(ctx context.Context, executionID string) ([]engine.LogEntry, error) {
	var entries []engine.LogEntry
	if err := a.do(ctx, http.MethodGet, "/executions/"+executionID+"/logs", nil, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// CancelExecution requests remote cancellation. Idempotent: a 404 or
// conflict still reports success=false without error kind surprises.
func (a *Adapter) CancelExecution(ctx context.Context, executionID string) (*engine.CancelResult, error) {
	err := a.do(ctx, http.MethodPost, "/executions/"+executionID+"/cancel", nil, nil)
	if err != nil {
		if errors.HasKind(err, errors.KindNotFound) {
			return &engine.CancelResult{Success: false, Message: "execution not found"}, nil
		}
		return nil, err
	}
	return &engine.CancelResult{Success: true}, nil
}

// TestConnection probes the engine's health endpoint.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}

// GetCapabilities describes the remote engine. Values may be cached by
// callers.
func (a *Adapter) GetCapabilities() *engine.Capabilities {
	caps := &engine.Capabilities{
		Version:                 "1.0",
		MaxConcurrentExecutions: 10,
		SupportedFeatures:       []string{"execute", "cancel", "logs", "status"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var remote engine.Capabilities
	if err := a.do(ctx, http.MethodGet, "/capabilities", nil, &remote); err == nil {
		return &remote
	}
	return caps
}

func (a *Adapter) bestEffortCancel(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.do(ctx, http.MethodPost, "/executions/"+executionID+"/cancel", nil, nil)
}

// do performs one JSON request, translating transport and status failures
// into execution error kinds.
func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.KindValidationFailed, "could not encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(errors.KindValidationFailed, "could not build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(errors.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := errors.FromHTTPStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			kind = errors.KindNotFound
		}
		return errors.Newf(kind, "%s %s returned %d", method, path, resp.StatusCode).
			WithEngineError(string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.KindRemoteEngineError, "could not decode response", err)
	}
	return nil
}

// mapStatus translates remote status strings to execution states.
func mapStatus(status string) engine.State {
	switch status {
	case "completed", "success", "succeeded", "finished":
		return engine.StateCompleted
	case "failed", "error", "crashed":
		return engine.StateFailed
	case "cancelled", "canceled", "stopped":
		return engine.StateCancelled
	case "running", "executing", "waiting":
		return engine.StateRunning
	default:
		return engine.StatePending
	}
}
