// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

// DefaultTickInterval is the scheduler fan-out period.
const DefaultTickInterval = 15 * time.Second

// Scheduler fans out one evaluation goroutine per enabled rule every tick.
// A rule whose eval_interval is longer than the tick only runs once that
// interval has elapsed; a rule still evaluating from the previous tick is
// skipped.
type Scheduler struct {
	rules     store.RuleRepo
	evaluator *Evaluator
	logger    *slog.Logger
	interval  time.Duration

	mtx     sync.Mutex
	lastRun map[int64]time.Time
	running map[int64]bool
	wg      sync.WaitGroup
}

// NewScheduler returns a scheduler with the given fan-out interval; zero
// means DefaultTickInterval.
func NewScheduler(rules store.RuleRepo, ev *Evaluator, interval time.Duration, l *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		rules:     rules,
		evaluator: ev,
		logger:    l.With("component", "scheduler"),
		interval:  interval,
		lastRun:   make(map[int64]time.Time),
		running:   make(map[int64]bool),
	}
}

// Run ticks until the context is cancelled, then waits for in-flight rule
// evaluations to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rules, err := s.rules.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("listing rules failed", "err", err)
		return
	}
	now := time.Now()
	for _, rule := range rules {
		if !s.claim(rule, now) {
			continue
		}
		s.wg.Add(1)
		go func(rule *types.Rule) {
			defer s.wg.Done()
			defer s.release(rule.ID)
			if err := s.evaluator.EvaluateRule(ctx, rule); err != nil {
				s.logger.Error("rule evaluation failed", "rule", rule.Name, "err", err)
			}
		}(rule)
	}
}

// claim decides whether the rule is due and not already running, and marks
// it running.
func (s *Scheduler) claim(rule *types.Rule, now time.Time) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running[rule.ID] {
		return false
	}
	if iv := time.Duration(rule.EvalInterval) * time.Second; iv > 0 {
		if last, ok := s.lastRun[rule.ID]; ok && now.Sub(last) < iv {
			return false
		}
	}
	s.lastRun[rule.ID] = now
	s.running[rule.ID] = true
	return true
}

func (s *Scheduler) release(ruleID int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.running, ruleID)
}
