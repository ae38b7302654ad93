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

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestExecutionError_Error(t *testing.T) {
	err := New(KindNetwork, "connection reset")
	if got := err.Error(); got != "NETWORK: connection reset" {
		t.Errorf("unexpected message: %s", got)
	}

	err = New(KindRemoteEngineError, "engine failed").
		WithCode("E42").
		WithEngineError("node 3 crashed")
	msg := err.Error()
	for _, want := range []string{"REMOTE_ENGINE_ERROR", "engine failed", "[E42]", "node 3 crashed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(KindHTTP5xx, "upstream failed", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	var ee *ExecutionError
	wrapped := fmt.Errorf("outer: %w", err)
	if !stderrors.As(wrapped, &ee) {
		t.Fatal("expected errors.As to find ExecutionError")
	}
	if ee.Kind != KindHTTP5xx {
		t.Errorf("expected HTTP_5XX, got %s", ee.Kind)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(KindQueueFull, "full"), KindQueueFull},
		{"wrapped", fmt.Errorf("ctx: %w", New(KindCircuitOpen, "open")), KindCircuitOpen},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"dns", &net.DNSError{Err: "no such host"}, KindNetwork},
		{"plain", stderrors.New("something"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	retriable := []Kind{KindNetwork, KindHTTP5xx, KindHTTP429, KindHTTP408, KindCircuitOpen}
	for _, k := range retriable {
		if !Retriable(New(k, "x")) {
			t.Errorf("expected %s to be retriable", k)
		}
	}

	permanent := []Kind{
		KindValidationFailed, KindHTTP4xxOther, KindRemoteEngineError,
		KindExecutionTimeout, KindRetriesExhausted, KindShutdown, KindNotFound,
	}
	for _, k := range permanent {
		if Retriable(New(k, "x")) {
			t.Errorf("expected %s to be permanent", k)
		}
	}

	if Retriable(nil) {
		t.Error("nil must not be retriable")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{500, KindHTTP5xx},
		{503, KindHTTP5xx},
		{429, KindHTTP429},
		{408, KindHTTP408},
		{404, KindHTTP4xxOther},
		{400, KindHTTP4xxOther},
		{200, ""},
		{302, ""},
	}
	for _, tt := range tests {
		if got := FromHTTPStatus(tt.status); got != tt.want {
			t.Errorf("FromHTTPStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAsExecutionError(t *testing.T) {
	if AsExecutionError(nil, KindNetwork) != nil {
		t.Error("nil in, nil out")
	}

	orig := New(KindHTTP429, "slow down")
	if got := AsExecutionError(fmt.Errorf("wrap: %w", orig), KindNetwork); got != orig {
		t.Error("existing ExecutionError must pass through")
	}

	// Transport errors classify as NETWORK regardless of the fallback.
	got := AsExecutionError(&net.OpError{Op: "dial", Err: stderrors.New("refused")}, KindRemoteEngineError)
	if got.Kind != KindNetwork {
		t.Errorf("expected NETWORK, got %s", got.Kind)
	}

	// Unclassified errors take the fallback kind and keep the cause.
	plain := stderrors.New("weird")
	got = AsExecutionError(plain, KindRemoteEngineError)
	if got.Kind != KindRemoteEngineError {
		t.Errorf("expected fallback kind, got %s", got.Kind)
	}
	if !stderrors.Is(got, plain) {
		t.Error("cause must be preserved")
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Key: "scaling.minWorkers", Reason: "must be at least 1"}
	if msg := err.Error(); !strings.Contains(msg, "scaling.minWorkers") {
		t.Errorf("message %q missing key", msg)
	}

	cause := stderrors.New("yaml: line 3")
	err = &ConfigError{Reason: "parse failed", Cause: cause}
	if !stderrors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
}

// timeoutErr implements net.Error for the transport classification test.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf_NetError(t *testing.T) {
	if got := KindOf(timeoutErr{}); got != KindNetwork {
		t.Errorf("expected NETWORK for net.Error, got %q", got)
	}
}
