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
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/worker"
)

// scaleAction is an auto-scaler decision.
type scaleAction string

const (
	actionScaleUp   scaleAction = "scale_up"
	actionScaleDown scaleAction = "scale_down"
	actionNone      scaleAction = "no_action"
)

// scaleDecision is the outcome of one evaluation tick.
type scaleDecision struct {
	action     scaleAction
	target     int
	confidence float64
	reason     string
}

// scalerLoop runs the auto-scaling control loop on the metrics collection
// cadence.
func (s *Service) scalerLoop() {
	ticker := time.NewTicker(s.cfg.Metrics.CollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evaluateScaling()
		case <-s.ctx.Done():
			return
		}
	}
}

// evaluateScaling computes one scaling decision and applies it.
func (s *Service) evaluateScaling() {
	infos := s.WorkersStatus()
	queueSize := s.queue.Len()
	oldestWait := s.queue.OldestWait()

	load, capacity, alive := 0, 0, 0
	for _, info := range infos {
		if info.Status == worker.StatusDead {
			continue
		}
		alive++
		// Workers still inside their startup window contribute no capacity.
		if time.Since(info.StartedAt) < s.cfg.Scaling.WorkerStartupTime && info.Load == 0 {
			continue
		}
		load += info.Load
		capacity += info.Capacity
	}

	var u float64
	if capacity > 0 {
		u = float64(load) / float64(capacity)
	}

	decision := s.decide(u, load, queueSize, oldestWait, alive)
	if decision.action == actionNone {
		return
	}
	s.apply(decision, alive, u)
}

// decide applies the threshold, cooldown, and bound rules.
func (s *Service) decide(u float64, load, queueSize int, oldestWait time.Duration, alive int) scaleDecision {
	sc := s.cfg.Scaling
	now := time.Now()

	s.scaleMu.Lock()
	sinceUp := now.Sub(s.lastScaleUp)
	sinceDown := now.Sub(s.lastScaleDown)
	s.scaleMu.Unlock()

	// Demand includes queued work so a saturated pool scales toward what is
	// actually waiting, clamped to the configured bounds.
	demand := load + queueSize
	target := int(math.Ceil(float64(demand) / sc.TargetUtilization))
	if target < sc.MinWorkers {
		target = sc.MinWorkers
	}
	if target > sc.MaxWorkers {
		target = sc.MaxWorkers
	}

	latencyPressure := queueSize > 0 && oldestWait > sc.ScaleUpLatencyBudget
	if (u >= sc.ScaleUpThreshold || latencyPressure) && alive < sc.MaxWorkers {
		if sinceUp < sc.ScaleUpCooldown {
			return scaleDecision{action: actionNone}
		}
		// One scaling step per tick: the pool moves toward the target one
		// worker at a time.
		if target > alive+1 {
			target = alive + 1
		}
		if target <= alive {
			target = alive + 1
			if target > sc.MaxWorkers {
				target = sc.MaxWorkers
			}
		}
		conf := confidenceAbove(u, sc.ScaleUpThreshold)
		reason := "utilization"
		if latencyPressure && u < sc.ScaleUpThreshold {
			conf = confidenceAbove(float64(oldestWait)/float64(sc.ScaleUpLatencyBudget)-1, 0)
			reason = "queue_latency"
		}
		return scaleDecision{action: actionScaleUp, target: target, confidence: conf, reason: reason}
	}

	if u <= sc.ScaleDownThreshold && queueSize == 0 && alive > sc.MinWorkers {
		if sinceDown < sc.ScaleDownCooldown {
			return scaleDecision{action: actionNone}
		}
		if target >= alive {
			target = alive - 1
		}
		if target < alive-1 {
			target = alive - 1
		}
		if target < sc.MinWorkers {
			target = sc.MinWorkers
		}
		return scaleDecision{
			action:     actionScaleDown,
			target:     target,
			confidence: confidenceBelow(u, sc.ScaleDownThreshold),
			reason:     "idle",
		}
	}

	return scaleDecision{action: actionNone}
}

// apply executes a decision as one scaling action.
func (s *Service) apply(decision scaleDecision, alive int, u float64) {
	now := time.Now()
	switch decision.action {
	case actionScaleUp:
		added := 0
		for i := alive; i < decision.target; i++ {
			s.spawnWorker(s.cfg.Scaling.WorkerStartupTime)
			added++
		}
		if added == 0 {
			return
		}
		s.scaleMu.Lock()
		s.lastScaleUp = now
		s.scaleMu.Unlock()
		s.logger.Info("Scaled up",
			slog.Int("added", added),
			slog.Int("target", decision.target),
			slog.Float64("utilization", u),
			slog.String("reason", decision.reason))
		s.publishScaling(decision, alive, alive+added)

	case actionScaleDown:
		removed := s.drainMostIdle(alive - decision.target)
		if removed == 0 {
			return
		}
		s.scaleMu.Lock()
		s.lastScaleDown = now
		s.scaleMu.Unlock()
		s.logger.Info("Scaling down",
			slog.Int("draining", removed),
			slog.Int("target", decision.target),
			slog.Float64("utilization", u))
		s.publishScaling(decision, alive, alive-removed)
	}
}

// drainMostIdle marks up to n of the most idle workers DRAINING. Workers
// with zero load are stopped and removed immediately.
func (s *Service) drainMostIdle(n int) int {
	if n <= 0 {
		return 0
	}
	infos := s.WorkersStatus()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Load != infos[j].Load {
			return infos[i].Load < infos[j].Load
		}
		return infos[i].TotalExecutions < infos[j].TotalExecutions
	})

	drained := 0
	for _, info := range infos {
		if drained >= n {
			break
		}
		if info.Status == worker.StatusDead || info.Status == worker.StatusDraining {
			continue
		}
		s.mu.Lock()
		w := s.workers[info.ID]
		s.mu.Unlock()
		if w == nil {
			continue
		}
		w.Drain()
		s.reapIfDrained(w)
		drained++
	}
	return drained
}

// reapIfDrained stops and removes a draining worker once it has no
// in-flight executions. Called when draining starts, when a slot releases,
// and from the health sweep.
func (s *Service) reapIfDrained(w *worker.Worker) {
	if w.Draining() && w.Load() == 0 {
		w.Stop()
		s.removeWorker(w.ID())
	}
}

// ScaleExecutors applies a manual scaling hint: the pool moves to the
// demanded worker count, clamped to [minWorkers, maxWorkers]. Cooldowns do
// not apply to manual scaling.
func (s *Service) ScaleExecutors(demand int) error {
	sc := s.cfg.Scaling
	target := demand
	if target < sc.MinWorkers {
		target = sc.MinWorkers
	}
	if target > sc.MaxWorkers {
		target = sc.MaxWorkers
	}

	alive := 0
	for _, info := range s.WorkersStatus() {
		if info.Status != worker.StatusDead && info.Status != worker.StatusDraining {
			alive++
		}
	}

	decision := scaleDecision{target: target, confidence: 1, reason: "manual"}
	switch {
	case target > alive:
		decision.action = actionScaleUp
		for i := alive; i < target; i++ {
			s.spawnWorker(sc.WorkerStartupTime)
		}
		s.publishScaling(decision, alive, target)
	case target < alive:
		decision.action = actionScaleDown
		removed := s.drainMostIdle(alive - target)
		s.publishScaling(decision, alive, alive-removed)
	}
	return nil
}

func (s *Service) publishScaling(decision scaleDecision, from, to int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Kind: events.ScalingCompleted,
		Payload: map[string]any{
			"action":     string(decision.action),
			"from":       from,
			"to":         to,
			"confidence": decision.confidence,
			"reason":     decision.reason,
		},
	})
}

// confidenceAbove maps how far v sits above threshold into [0,1].
func confidenceAbove(v, threshold float64) float64 {
	span := 1 - threshold
	if span <= 0 {
		return 1
	}
	c := (v - threshold) / span
	return clamp01(c)
}

// confidenceBelow maps how far v sits below threshold into [0,1].
func confidenceBelow(v, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return clamp01((threshold - v) / threshold)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
