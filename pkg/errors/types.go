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

// Package errors defines the error kinds that cross the core boundary.
//
// Every failure produced inside the adapter boundary is translated into one
// of these kinds before it leaves the core; no raw transport error escapes.
package errors

import (
	"fmt"
)

// Kind classifies an error at the core boundary.
type Kind string

// Error kinds. These are wire-stable identifiers, not type names.
const (
	// KindValidationFailed is returned by the facade when workflow
	// validation fails. The request is never enqueued.
	KindValidationFailed Kind = "VALIDATION_FAILED"

	// KindNoAdapterRegistered is returned by the facade when no adapter
	// serves the requested engine type.
	KindNoAdapterRegistered Kind = "NO_ADAPTER_REGISTERED"

	// KindQueueFull is returned when the execution queue is at capacity.
	KindQueueFull Kind = "QUEUE_FULL"

	// KindCircuitOpen means the per-adapter circuit breaker rejected the
	// call without invoking the adapter. Retriable.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"

	// KindNetwork covers connection resets, timeouts and DNS failures.
	// Retriable.
	KindNetwork Kind = "NETWORK"

	// HTTP status classes reported by adapters.
	KindHTTP5xx      Kind = "HTTP_5XX"      // retriable
	KindHTTP429      Kind = "HTTP_429"      // retriable
	KindHTTP408      Kind = "HTTP_408"      // retriable
	KindHTTP4xxOther Kind = "HTTP_4XX_OTHER" // non-retriable

	// KindRemoteEngineError means the remote engine itself reported a
	// terminal failure for the execution. Non-retriable.
	KindRemoteEngineError Kind = "REMOTE_ENGINE_ERROR"

	// KindExecutionTimeout is produced by a worker when the execution
	// deadline elapses and the grace interval is exhausted.
	KindExecutionTimeout Kind = "EXECUTION_TIMEOUT"

	// KindRetriesExhausted is produced by the service when a retriable
	// failure has no retry budget left.
	KindRetriesExhausted Kind = "RETRIES_EXHAUSTED"

	// KindWorkerLost is produced when the worker owning an execution died
	// and the retry budget does not allow another re-enqueue.
	KindWorkerLost Kind = "WORKER_LOST"

	// KindShutdown marks executions force-failed during service stop.
	KindShutdown Kind = "SHUTDOWN"

	// KindAlreadyTerminal is returned from cancelExecution on a terminal
	// execution.
	KindAlreadyTerminal Kind = "ALREADY_TERMINAL"

	// KindNotFound is returned from result/status reads of unknown IDs.
	KindNotFound Kind = "NOT_FOUND"

	// KindUnsupportedConversion is returned by adapters that cannot
	// convert a workflow from the given source engine.
	KindUnsupportedConversion Kind = "UNSUPPORTED_CONVERSION"
)

// ExecutionError is the structured error attached to terminal execution
// records and returned from core operations.
type ExecutionError struct {
	// Kind classifies the failure at the core boundary.
	Kind Kind

	// Code is an adapter- or component-defined short code.
	Code string

	// Message is the human-readable description.
	Message string

	// Details carries optional structured context.
	Details map[string]any

	// EngineError is the raw message reported by the remote engine, if any.
	EngineError string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.EngineError != "" {
		msg = fmt.Sprintf("%s (engine: %s)", msg, e.EngineError)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// New creates an ExecutionError with the given kind and message.
func New(kind Kind, message string) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message}
}

// Newf creates an ExecutionError with a formatted message.
func Newf(kind Kind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an ExecutionError that wraps cause.
func Wrap(kind Kind, message string, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message, Cause: cause}
}

// WithCode sets the short code and returns the error for chaining.
func (e *ExecutionError) WithCode(code string) *ExecutionError {
	e.Code = code
	return e
}

// WithDetails sets structured details and returns the error for chaining.
func (e *ExecutionError) WithDetails(details map[string]any) *ExecutionError {
	e.Details = details
	return e
}

// WithEngineError records the raw remote engine message.
func (e *ExecutionError) WithEngineError(msg string) *ExecutionError {
	e.EngineError = msg
	return e
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem
	// (e.g., "scaling.minWorkers").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
