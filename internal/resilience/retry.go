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

package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/maestrod/maestro/pkg/errors"
)

// RetryConfig configures the retry driver.
type RetryConfig struct {
	// MaxAttempts bounds total attempts, first call included.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64

	// Jitter randomizes each delay by up to ±30% to avoid synchronized
	// retries.
	Jitter bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Classifier decides whether a failed attempt may be retried. The default
// is errors.Retriable.
type Classifier func(error) bool

// Retry runs op with bounded exponential backoff. Non-retriable errors
// propagate immediately; retriable errors are retried until MaxAttempts is
// reached or ctx is done. onRetry, if non-nil, runs before each wait with
// the error that triggered it.
func Retry(ctx context.Context, cfg RetryConfig, classify Classifier, onRetry func(err error, wait time.Duration), op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultRetryConfig().BackoffFactor
	}
	if classify == nil {
		classify = errors.Retriable
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialDelay
	expo.MaxInterval = cfg.MaxDelay
	expo.Multiplier = cfg.BackoffFactor
	if cfg.Jitter {
		expo.RandomizationFactor = 0.3
	} else {
		expo.RandomizationFactor = 0
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if !classify(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	return err
}

// RetryWithBreaker runs op through both the retry driver and the circuit
// breaker: breaker rejections surface as kind CIRCUIT_OPEN, which the
// default classifier treats as retriable, so the driver waits out the
// recovery timeout on the next loop.
func RetryWithBreaker(ctx context.Context, cfg RetryConfig, b *Breaker, classify Classifier, onRetry func(err error, wait time.Duration), op func() error) error {
	return Retry(ctx, cfg, classify, onRetry, func() error {
		return b.Execute(op)
	})
}
