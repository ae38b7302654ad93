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

package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maestrod/maestro/internal/worker"
)

// MetricsSnapshot is a point-in-time view of aggregated execution metrics.
type MetricsSnapshot struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	CancelledExecutions  int64         `json:"cancelled_executions"`
	TotalRetries         int64         `json:"total_retries"`
	AvgDuration          time.Duration `json:"avg_duration"`
	// Throughput is completed executions per second over the aggregation
	// window.
	Throughput float64 `json:"throughput"`
	// ErrorRate is failures over terminal outcomes within the window.
	ErrorRate      float64        `json:"error_rate"`
	QueueSize      int            `json:"queue_size"`
	WorkersByState map[string]int `json:"workers_by_state"`
	Utilization    float64        `json:"utilization"`
	// EngineDemand counts queued and running executions per engine type.
	EngineDemand map[string]int `json:"engine_demand,omitempty"`
	CollectedAt  time.Time      `json:"collected_at"`
}

// completion is one terminal outcome inside the rolling window.
type completion struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Aggregator tracks execution totals and a rolling window of terminal
// outcomes. It never blocks dispatch: all methods are short critical
// sections.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration

	total     int64
	succeeded int64
	failed    int64
	cancelled int64
	retries   int64

	avgDuration time.Duration
	completions []completion

	prom *promMetrics
}

// promMetrics holds the Prometheus instruments the aggregator feeds.
type promMetrics struct {
	executions *prometheus.CounterVec
	retries    prometheus.Counter
	duration   prometheus.Histogram
	queueSize  prometheus.Gauge
	workers    *prometheus.GaugeVec
	utilizn    prometheus.Gauge
	demand     *prometheus.GaugeVec
}

// NewAggregator creates an aggregator with the given rolling window and
// registers its Prometheus instruments on reg (may be nil).
func NewAggregator(window time.Duration, reg prometheus.Registerer) *Aggregator {
	if window <= 0 {
		window = time.Minute
	}
	a := &Aggregator{window: window}

	a.prom = &promMetrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_executions_total",
			Help: "Terminal executions by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_retries_total",
			Help: "Execution retry attempts.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_execution_duration_seconds",
			Help:    "Execution duration from dispatch to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_queue_size",
			Help: "Entries waiting in the priority queue.",
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_workers",
			Help: "Workers by lifecycle state.",
		}, []string{"state"}),
		utilizn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_utilization",
			Help: "Pool utilization: in-flight load over capacity.",
		}),
		demand: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_engine_demand",
			Help: "Queued and running executions by engine.",
		}, []string{"engine"}),
	}
	if reg != nil {
		reg.MustRegister(a.prom.executions, a.prom.retries, a.prom.duration,
			a.prom.queueSize, a.prom.workers, a.prom.utilizn, a.prom.demand)
	}
	return a
}

// RecordCompleted folds in a successful terminal outcome.
func (a *Aggregator) RecordCompleted(d time.Duration) {
	a.record(d, false)
	a.mu.Lock()
	a.succeeded++
	a.mu.Unlock()
	a.prom.executions.WithLabelValues("completed").Inc()
}

// RecordFailed folds in a failed terminal outcome.
func (a *Aggregator) RecordFailed(d time.Duration) {
	a.record(d, true)
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
	a.prom.executions.WithLabelValues("failed").Inc()
}

// RecordCancelled folds in a cancelled terminal outcome. Cancellations do
// not count toward the error rate.
func (a *Aggregator) RecordCancelled() {
	a.mu.Lock()
	a.total++
	a.cancelled++
	a.mu.Unlock()
	a.prom.executions.WithLabelValues("cancelled").Inc()
}

// ObserveEngineDemand updates the per-engine demand gauges. Engines with no
// queued or running executions drop back to absent.
func (a *Aggregator) ObserveEngineDemand(demand map[string]int) {
	a.prom.demand.Reset()
	for eng, n := range demand {
		a.prom.demand.WithLabelValues(eng).Set(float64(n))
	}
}

// RecordRetry counts one retry attempt.
func (a *Aggregator) RecordRetry() {
	a.mu.Lock()
	a.retries++
	a.mu.Unlock()
	a.prom.retries.Inc()
}

func (a *Aggregator) record(d time.Duration, failed bool) {
	now := time.Now()
	a.mu.Lock()
	a.total++
	n := a.succeeded + a.failed + 1
	a.avgDuration += (d - a.avgDuration) / time.Duration(n)
	a.completions = append(a.completions, completion{at: now, duration: d, failed: failed})
	a.pruneLocked(now)
	a.mu.Unlock()
	a.prom.duration.Observe(d.Seconds())
}

// pruneLocked discards window entries older than the aggregation window.
func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.completions) && a.completions[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.completions = append(a.completions[:0], a.completions[i:]...)
	}
}

// Snapshot assembles the current metrics view from the aggregator plus live
// queue and worker state.
func (a *Aggregator) Snapshot(queueSize int, workers []worker.Info) MetricsSnapshot {
	now := time.Now()

	a.mu.Lock()
	a.pruneLocked(now)
	snap := MetricsSnapshot{
		TotalExecutions:      a.total,
		SuccessfulExecutions: a.succeeded,
		FailedExecutions:     a.failed,
		CancelledExecutions:  a.cancelled,
		TotalRetries:         a.retries,
		AvgDuration:          a.avgDuration,
		QueueSize:            queueSize,
		CollectedAt:          now,
	}
	windowed := len(a.completions)
	windowFailed := 0
	for _, c := range a.completions {
		if c.failed {
			windowFailed++
		}
	}
	a.mu.Unlock()

	if windowed > 0 {
		snap.Throughput = float64(windowed) / a.window.Seconds()
		snap.ErrorRate = float64(windowFailed) / float64(windowed)
	}

	snap.WorkersByState = make(map[string]int)
	load, capacity := 0, 0
	for _, w := range workers {
		snap.WorkersByState[string(w.Status)]++
		if w.Status != worker.StatusDead {
			load += w.Load
			capacity += w.Capacity
		}
	}
	if capacity > 0 {
		snap.Utilization = float64(load) / float64(capacity)
	}

	a.prom.queueSize.Set(float64(queueSize))
	a.prom.utilizn.Set(snap.Utilization)
	for _, state := range []worker.Status{worker.StatusIdle, worker.StatusBusy, worker.StatusDraining, worker.StatusDead} {
		a.prom.workers.WithLabelValues(string(state)).Set(float64(snap.WorkersByState[string(state)]))
	}
	return snap
}
