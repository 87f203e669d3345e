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

// Package manager glues the lifecycle together: it receives committed
// transitions from the evaluator, applies silences, routes alerts into the
// grouper or the direct-send path, and runs the grouping worker that
// dispatches ready groups under a distributed send-lock.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/lock"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/silence"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

const (
	// Lock TTLs bound the worst-case hold time across replica crashes.
	groupLockTTL = 30 * time.Second
	alertLockTTL = 60 * time.Second

	// directSendMinInterval spaces out direct (non-grouped) sends of the
	// same fingerprint, in seconds.
	directSendMinInterval = int64(300)

	// workerInterval is the grouping worker poll period.
	workerInterval = 5 * time.Second
)

// Manager implements eval.Handler and owns the grouping worker loop.
type Manager struct {
	grouper    *group.Grouper
	dispatcher *notify.Dispatcher
	silences   store.SilenceRepo
	events     store.EventRepo
	locker     lock.Locker
	matcher    *silence.Matcher
	logger     *slog.Logger
	clock      func() int64
}

// New wires a manager.
func New(grouper *group.Grouper, dispatcher *notify.Dispatcher, silences store.SilenceRepo, events store.EventRepo, locker lock.Locker, l *slog.Logger) *Manager {
	return &Manager{
		grouper:    grouper,
		dispatcher: dispatcher,
		silences:   silences,
		events:     events,
		locker:     locker,
		matcher:    silence.NewMatcher(),
		logger:     l.With("component", "manager"),
		clock:      func() int64 { return time.Now().Unix() },
	}
}

// IsSending reports whether a direct send for the fingerprint is in flight
// on any replica.
func (m *Manager) IsSending(ctx context.Context, fingerprint string) (bool, error) {
	return m.locker.Held(ctx, "lock:alert:"+fingerprint)
}

// silenced reports whether the alert's labels are suppressed right now.
func (m *Manager) silenced(ctx context.Context, ev *types.AlertEvent) (bool, error) {
	now := m.clock()
	rules, err := m.silences.ListActive(ctx, ev.TenantID, now)
	if err != nil {
		return false, fmt.Errorf("list silences: %w", err)
	}
	rule, ok := m.matcher.Silenced(ev.Labels, rules, now)
	if ok {
		m.logger.Info("alert silenced", "fingerprint", ev.Fingerprint, "silence", rule.ID)
	}
	return ok, nil
}

// HandleFiring files a newly firing alert into its group, or sends it
// directly when grouping is disabled for the rule.
func (m *Manager) HandleFiring(ctx context.Context, rule *types.Rule, ev *types.AlertEvent) error {
	if ok, err := m.silenced(ctx, ev); err != nil {
		return err
	} else if ok {
		return nil
	}

	if rule.Route.GroupingEnabled() {
		return m.grouper.AddAlert(ctx, rule.ID, rule.Name, rule.TenantID, rule.Route.GroupBy, group.SnapshotOf(ev))
	}
	return m.directSend(ctx, rule, ev, false)
}

// HandleResolved removes the fingerprint from firing groups and files the
// recovery notification. Alerts that resolved straight out of pending get a
// recovery too; the condition cleared either way.
func (m *Manager) HandleResolved(ctx context.Context, rule *types.Rule, ev *types.AlertEvent) error {
	if err := m.grouper.RemoveFingerprint(ctx, ev.Fingerprint); err != nil {
		return err
	}
	if ok, err := m.silenced(ctx, ev); err != nil {
		return err
	} else if ok {
		return nil
	}

	if rule.Route.RecoveryGroupingEnabled() {
		return m.grouper.AddRecovery(ctx, rule.ID, rule.Name, rule.TenantID, rule.Route.GroupBy, group.SnapshotOf(ev))
	}
	return m.directSend(ctx, rule, ev, true)
}

// directSend delivers a single alert immediately, guarded by the
// per-fingerprint lock and, for firing alerts, the minimum send interval.
func (m *Manager) directSend(ctx context.Context, rule *types.Rule, ev *types.AlertEvent, recovery bool) error {
	now := m.clock()
	if !recovery && ev.LastSentAt > 0 && now-ev.LastSentAt < directSendMinInterval {
		m.logger.Debug("direct send suppressed by min interval", "fingerprint", ev.Fingerprint)
		return nil
	}

	lk, err := m.locker.Acquire(ctx, "lock:alert:"+ev.Fingerprint, alertLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		m.logger.Debug("direct send already in flight elsewhere", "fingerprint", ev.Fingerprint)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire alert lock: %w", err)
	}
	defer lk.Release(ctx)

	key := group.Key(rule.Name, rule.Route.GroupBy, ev.Labels)
	if recovery {
		key = group.RecoveryKey(rule.Name, rule.Route.GroupBy, ev.Labels)
	}
	g := &group.Group{
		Key:           key,
		Labels:        group.GroupLabels(rule.Route.GroupBy, ev.Labels),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		TenantID:      rule.TenantID,
		Alerts:        []group.Snapshot{group.SnapshotOf(ev)},
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := m.dispatcher.Dispatch(ctx, g); err != nil {
		return err
	}
	if !recovery {
		if err := m.events.TouchLastSent(ctx, []string{ev.Fingerprint}, now); err != nil {
			m.logger.Error("stamping last_sent_at failed", "fingerprint", ev.Fingerprint, "err", err)
		}
	}
	return nil
}

// RunWorker polls for ready groups every workerInterval until the context is
// cancelled. Each ready group is dispatched under its send-lock; replicas
// racing on the lock yield at most one send per readiness window. In-flight
// dispatches finish before the worker returns.
func (m *Manager) RunWorker(ctx context.Context) error {
	m.logger.Info("grouping worker started", "interval", workerInterval)
	ticker := time.NewTicker(workerInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.logger.Info("grouping worker stopped")
			return nil
		case <-ticker.C:
		}

		ready, err := m.grouper.ReadyGroups(ctx)
		if err != nil {
			m.logger.Error("listing ready groups failed", "err", err)
			continue
		}
		for _, g := range ready {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				m.sendGroup(ctx, key)
			}(g.Key)
		}
		wg.Wait()
	}
}

// sendGroup dispatches one ready group under its send-lock. The record is
// re-read from the store after the lock is held, so alerts appended between
// the readiness scan and the lock are included in the send. Firing groups
// stay stored with sent=true so the repeat timer applies; recovery groups
// are one-shot and deleted.
func (m *Manager) sendGroup(ctx context.Context, key string) {
	lk, err := m.locker.Acquire(ctx, "lock:group:"+key, groupLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return // another replica claimed it
	}
	if err != nil {
		m.logger.Error("acquiring send-lock failed", "group", key, "err", err)
		return
	}
	defer lk.Release(ctx)

	g, err := m.grouper.Get(ctx, key)
	if err != nil {
		m.logger.Error("reading group failed", "group", key, "err", err)
		return
	}
	if g == nil || len(g.Alerts) == 0 {
		return // emptied or deleted since the readiness scan
	}

	if err := m.dispatcher.Dispatch(ctx, g); err != nil {
		m.logger.Error("group dispatch failed", "group", key, "err", err)
		return
	}

	if g.Recovery() {
		if err := m.grouper.Delete(ctx, key); err != nil {
			m.logger.Error("deleting recovery group failed", "group", key, "err", err)
		}
		return
	}
	if err := m.grouper.MarkSent(ctx, key); err != nil {
		m.logger.Error("marking group sent failed", "group", key, "err", err)
	}
	if err := m.events.TouchLastSent(ctx, g.Fingerprints(), m.clock()); err != nil {
		m.logger.Error("stamping last_sent_at failed", "group", key, "err", err)
	}
}
