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

// Package eval drives rule evaluation: querying the data source, moving
// per-fingerprint alert events through pending, firing and resolved, and
// handing lifecycle transitions to the notification layer.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alertflow-io/alertflow/datasource"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/template"
	"github.com/alertflow-io/alertflow/types"
)

// Querier executes a rule expression against a data source.
type Querier interface {
	Query(ctx context.Context, ds *types.DataSource, expr string) ([]datasource.Sample, error)
}

// Handler receives lifecycle transitions after they have been committed.
// Handler failures are logged, never propagated: the state change is already
// durable and the next repeat window retries delivery.
type Handler interface {
	// HandleFiring is called once when an event crosses pending -> firing.
	HandleFiring(ctx context.Context, rule *types.Rule, ev *types.AlertEvent) error
	// HandleResolved is called once when an event resolves, whether it was
	// pending or firing.
	HandleResolved(ctx context.Context, rule *types.Rule, ev *types.AlertEvent) error
}

// Evaluator runs single rule ticks. It is stateless between ticks; all alert
// state lives in the event repository.
type Evaluator struct {
	datasources store.DataSourceRepo
	events      store.EventRepo
	querier     Querier
	handler     Handler
	logger      *slog.Logger
	clock       func() int64

	ticksTotal   *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

// NewEvaluator wires an evaluator.
func NewEvaluator(datasources store.DataSourceRepo, events store.EventRepo, q Querier, h Handler, l *slog.Logger, r prometheus.Registerer) *Evaluator {
	e := &Evaluator{
		datasources: datasources,
		events:      events,
		querier:     q,
		handler:     h,
		logger:      l.With("component", "evaluator"),
		clock:       func() int64 { return time.Now().Unix() },
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_rule_ticks_total",
			Help: "Total rule evaluation ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertflow_rule_tick_duration_seconds",
			Help:    "Duration of rule evaluation ticks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if r != nil {
		r.MustRegister(e.ticksTotal, e.tickDuration)
	}
	return e
}

// transition is a committed lifecycle change waiting to be handed off.
type transition struct {
	ev *types.AlertEvent
}

// EvaluateRule runs one tick of the rule. A data-source failure makes the
// tick a no-op; a persistence failure rolls the whole tick back and the next
// tick retries naturally.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule *types.Rule) error {
	start := time.Now()
	err := e.evaluateRule(ctx, rule)
	e.tickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.ticksTotal.WithLabelValues("error").Inc()
		return err
	}
	e.ticksTotal.WithLabelValues("success").Inc()
	return nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *types.Rule) error {
	ds, err := e.datasources.GetEnabled(ctx, rule.DataSourceID)
	if err != nil {
		return fmt.Errorf("rule %d: datasource %d: %w", rule.ID, rule.DataSourceID, err)
	}

	samples, err := e.querier.Query(ctx, ds, rule.Expr)
	if err != nil {
		// No series this tick: no transitions, no resolves.
		e.logger.Warn("query failed, skipping tick", "rule", rule.Name, "err", err)
		return nil
	}

	// Effective labels and fingerprints; duplicate fingerprints collapse,
	// last sample wins.
	type seen struct {
		labels map[string]string
		value  float64
	}
	present := make(map[string]seen, len(samples))
	for _, s := range samples {
		labels := types.MergeLabels(ds.ExtraLabels, s.Labels, rule.Labels)
		fp := types.Fingerprint(rule.ID, labels)
		present[fp] = seen{labels: labels, value: s.Value}
	}

	now := e.clock()
	var fired, resolved []transition

	err = e.events.InTx(ctx, func(tx store.EventTx) error {
		fired, resolved = nil, nil

		existing, err := tx.EventsByRule(ctx, rule.ID)
		if err != nil {
			return err
		}
		prior := make(map[string]*types.AlertEvent, len(existing))
		for _, ev := range existing {
			prior[ev.Fingerprint] = ev
		}

		for fp, s := range present {
			ev, ok := prior[fp]
			if !ok {
				ev = &types.AlertEvent{
					Fingerprint: fp,
					RuleID:      rule.ID,
					RuleName:    rule.Name,
					Status:      types.StatusPending,
					Severity:    rule.Severity,
					Value:       s.value,
					Labels:      s.labels,
					Annotations: template.ExpandAll(rule.Annotations, s.labels, s.value),
					Expr:        rule.Expr,
					StartedAt:   now,
					LastEvalAt:  now,
					TenantID:    rule.TenantID,
					ProjectID:   rule.ProjectID,
				}
			} else {
				ev.Value = s.value
				ev.Labels = s.labels
				ev.Annotations = template.ExpandAll(rule.Annotations, s.labels, s.value)
				ev.LastEvalAt = now
				if ev.Status == types.StatusResolved {
					// Reactivation goes back through pending.
					ev.Status = types.StatusPending
					ev.StartedAt = now
				}
			}

			// Only events that existed before this tick can fire; a row
			// created this tick ends it at pending even for a zero
			// for-duration.
			if ok && ev.Status == types.StatusPending && now-ev.StartedAt >= rule.ForDuration {
				ev.Status = types.StatusFiring
				fired = append(fired, transition{ev: ev})
			}
			if err := tx.Upsert(ctx, ev); err != nil {
				return err
			}
		}

		for fp, ev := range prior {
			if _, ok := present[fp]; ok {
				continue
			}
			if ev.Status != types.StatusPending && ev.Status != types.StatusFiring {
				continue
			}
			ev.Status = types.StatusResolved
			ev.LastEvalAt = now
			if err := tx.Upsert(ctx, ev); err != nil {
				return err
			}
			if err := tx.Archive(ctx, &types.AlertEventHistory{
				Fingerprint: ev.Fingerprint,
				RuleID:      ev.RuleID,
				RuleName:    ev.RuleName,
				Status:      types.StatusResolved,
				Severity:    ev.Severity,
				Value:       ev.Value,
				Labels:      ev.Labels,
				Annotations: ev.Annotations,
				Expr:        ev.Expr,
				StartedAt:   ev.StartedAt,
				ResolvedAt:  now,
				Duration:    now - ev.StartedAt,
				TenantID:    ev.TenantID,
				ProjectID:   ev.ProjectID,
			}); err != nil {
				return err
			}
			resolved = append(resolved, transition{ev: ev})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rule %d tick: %w", rule.ID, err)
	}

	// Transitions are handed off only after the commit; a crash between
	// commit and hand-off is recovered by the repeat window.
	for _, t := range fired {
		if err := e.handler.HandleFiring(ctx, rule, t.ev); err != nil {
			e.logger.Error("firing hand-off failed", "rule", rule.Name, "fingerprint", t.ev.Fingerprint, "err", err)
		}
	}
	for _, t := range resolved {
		if err := e.handler.HandleResolved(ctx, rule, t.ev); err != nil {
			e.logger.Error("resolve hand-off failed", "rule", rule.Name, "fingerprint", t.ev.Fingerprint, "err", err)
		}
	}
	return nil
}
