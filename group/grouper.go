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

package group

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer defaults.
const (
	DefaultGroupWait      = 10 * time.Second
	DefaultGroupInterval  = 30 * time.Second
	DefaultRepeatInterval = 3600 * time.Second
)

// Stats is a point-in-time summary of the stored groups.
type Stats struct {
	TotalGroups    int `json:"total_groups"`
	FiringGroups   int `json:"firing_groups"`
	RecoveryGroups int `json:"recovery_groups"`
	TotalAlerts    int `json:"total_alerts"`
	SentGroups     int `json:"sent_groups"`
	PendingGroups  int `json:"pending_groups"`
}

// Grouper accumulates alert snapshots into group records and surfaces the
// groups whose timers have elapsed. Appends use read-modify-write with
// idempotent union semantics per fingerprint; replicas racing on the same
// group converge because the snapshot for a fingerprint is deterministic
// within one evaluation.
type Grouper struct {
	store  Store
	logger *slog.Logger

	mtx            sync.RWMutex
	groupWait      time.Duration
	groupInterval  time.Duration
	repeatInterval time.Duration

	clock func() int64

	appendsTotal *prometheus.CounterVec
	groupsGauge  *prometheus.GaugeVec
}

// NewGrouper returns a grouper with default timers.
func NewGrouper(store Store, l *slog.Logger, r prometheus.Registerer) *Grouper {
	g := &Grouper{
		store:          store,
		logger:         l.With("component", "grouper"),
		groupWait:      DefaultGroupWait,
		groupInterval:  DefaultGroupInterval,
		repeatInterval: DefaultRepeatInterval,
		clock:          func() int64 { return time.Now().Unix() },
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_group_appends_total",
			Help: "Total alert snapshots appended to groups.",
		}, []string{"kind"}),
		groupsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertflow_groups",
			Help: "Number of stored notification groups.",
		}, []string{"kind"}),
	}
	if r != nil {
		r.MustRegister(g.appendsTotal, g.groupsGauge)
	}
	return g
}

// Configure replaces the grouping timers at runtime. Zero values keep the
// current setting.
func (g *Grouper) Configure(groupWait, groupInterval, repeatInterval time.Duration) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if groupWait > 0 {
		g.groupWait = groupWait
	}
	if groupInterval > 0 {
		g.groupInterval = groupInterval
	}
	if repeatInterval > 0 {
		g.repeatInterval = repeatInterval
	}
}

func (g *Grouper) timers() (wait, interval, repeat time.Duration) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.groupWait, g.groupInterval, g.repeatInterval
}

// add appends the snapshot to the group under key, creating the group on
// first use. A snapshot whose fingerprint is already present replaces the
// existing entry in place, so duplicate appends never grow the list.
func (g *Grouper) add(ctx context.Context, key string, labels map[string]string, ruleID int64, ruleName string, tenantID int64, snap Snapshot) error {
	now := g.clock()
	grp, err := g.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if grp == nil {
		grp = &Group{
			Key:       key,
			Labels:    labels,
			RuleID:    ruleID,
			RuleName:  ruleName,
			TenantID:  tenantID,
			CreatedAt: now,
		}
	}

	replaced := false
	for i := range grp.Alerts {
		if grp.Alerts[i].Fingerprint == snap.Fingerprint {
			grp.Alerts[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		grp.Alerts = append(grp.Alerts, snap)
	}
	grp.LastUpdatedAt = now

	if err := g.store.Save(ctx, grp); err != nil {
		return err
	}
	kind := "firing"
	if grp.Recovery() {
		kind = "recovery"
	}
	g.appendsTotal.WithLabelValues(kind).Inc()
	g.logger.Debug("alert grouped", "group", key, "fingerprint", snap.Fingerprint, "alerts", len(grp.Alerts))
	return nil
}

// AddAlert files a firing alert into its group.
func (g *Grouper) AddAlert(ctx context.Context, ruleID int64, ruleName string, tenantID int64, groupBy []string, snap Snapshot) error {
	key := Key(ruleName, groupBy, snap.Labels)
	return g.add(ctx, key, GroupLabels(groupBy, snap.Labels), ruleID, ruleName, tenantID, snap)
}

// AddRecovery files a resolved alert into the mirroring recovery group.
func (g *Grouper) AddRecovery(ctx context.Context, ruleID int64, ruleName string, tenantID int64, groupBy []string, snap Snapshot) error {
	key := RecoveryKey(ruleName, groupBy, snap.Labels)
	return g.add(ctx, key, GroupLabels(groupBy, snap.Labels), ruleID, ruleName, tenantID, snap)
}

// RemoveFingerprint drops the fingerprint from every firing group and deletes
// groups left empty. Called on resolve so a repeat send never re-announces a
// recovered alert.
func (g *Grouper) RemoveFingerprint(ctx context.Context, fingerprint string) error {
	groups, err := g.store.List(ctx)
	if err != nil {
		return err
	}
	for _, grp := range groups {
		if grp.Recovery() {
			continue
		}
		kept := grp.Alerts[:0]
		for _, a := range grp.Alerts {
			if a.Fingerprint != fingerprint {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(grp.Alerts) {
			continue
		}
		if len(kept) == 0 {
			if err := g.store.Delete(ctx, grp.Key); err != nil {
				return err
			}
			g.logger.Debug("empty group deleted", "group", grp.Key)
			continue
		}
		grp.Alerts = kept
		if err := g.store.Save(ctx, grp); err != nil {
			return err
		}
	}
	return nil
}

// ReadyGroups returns the groups whose timers have elapsed.
func (g *Grouper) ReadyGroups(ctx context.Context) ([]*Group, error) {
	wait, _, repeat := g.timers()
	groups, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	var ready []*Group
	for _, grp := range groups {
		if grp.Ready(now, int64(wait.Seconds()), int64(repeat.Seconds())) {
			ready = append(ready, grp)
		}
	}
	return ready, nil
}

// Get returns the stored group under key, or nil when absent.
func (g *Grouper) Get(ctx context.Context, key string) (*Group, error) {
	return g.store.Get(ctx, key)
}

// MarkSent records a successful dispatch: the stored record is re-read and
// updated in place, so alerts appended since the caller's snapshot survive.
// The group stays stored with sent=true and a refreshed last_updated_at, so
// the repeat timer restarts. Marking a vanished group is a no-op.
func (g *Grouper) MarkSent(ctx context.Context, key string) error {
	grp, err := g.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if grp == nil {
		return nil
	}
	grp.Sent = true
	grp.LastUpdatedAt = g.clock()
	return g.store.Save(ctx, grp)
}

// Delete removes the group record. Recovery groups are one-shot and deleted
// after their first successful dispatch.
func (g *Grouper) Delete(ctx context.Context, key string) error {
	return g.store.Delete(ctx, key)
}

// StatsSnapshot summarizes the stored groups and refreshes the group gauges.
func (g *Grouper) StatsSnapshot(ctx context.Context) (Stats, error) {
	groups, err := g.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, grp := range groups {
		st.TotalGroups++
		st.TotalAlerts += len(grp.Alerts)
		if grp.Recovery() {
			st.RecoveryGroups++
		} else {
			st.FiringGroups++
		}
		if grp.Sent {
			st.SentGroups++
		} else {
			st.PendingGroups++
		}
	}
	g.groupsGauge.WithLabelValues("firing").Set(float64(st.FiringGroups))
	g.groupsGauge.WithLabelValues("recovery").Set(float64(st.RecoveryGroups))
	return st, nil
}
