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

// Package resilience provides the per-adapter circuit breaker and the retry
// driver that wrap every adapter invocation.
package resilience

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/maestrod/maestro/pkg/errors"
)

// BreakerConfig configures a per-adapter circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a single half-open probe.
	RecoveryTimeout time.Duration

	// MonitoringPeriod clears counters older than this window while the
	// breaker is closed.
	MonitoringPeriod time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

// Breaker guards calls to one adapter. OPEN rejections fail fast with kind
// CIRCUIT_OPEN and never invoke the operation. At most one half-open probe
// runs at a time; the breaker closes only after a successful probe.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreaker creates a breaker named after the adapter it guards.
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = DefaultBreakerConfig().MonitoringPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "breaker"), slog.String("breaker", name))

	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return b
}

// Execute runs op under the breaker. A rejected call returns kind
// CIRCUIT_OPEN without invoking op.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.Wrap(errors.KindCircuitOpen, "circuit breaker "+b.cb.Name()+" is open", err)
	}
	return err
}

// State returns the breaker state as a string (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Failures returns the consecutive failure count in the current generation.
func (b *Breaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// TotalFailures returns all failures counted in the current generation.
func (b *Breaker) TotalFailures() int {
	return int(b.cb.Counts().TotalFailures)
}
