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

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

// Dispatcher resolves the channels of a ready group and sends to each one
// concurrently, persisting one notification record per (channel, alert)
// pair.
type Dispatcher struct {
	rules     store.RuleRepo
	channels  store.ChannelRepo
	records   store.RecordRepo
	notifiers map[types.ChannelKind]Notifier
	logger    *slog.Logger
	clock     func() int64

	notificationsTotal *prometheus.CounterVec
}

// NewDispatcher wires a dispatcher over the given notifier set.
func NewDispatcher(rules store.RuleRepo, channels store.ChannelRepo, records store.RecordRepo, notifiers map[types.ChannelKind]Notifier, l *slog.Logger, r prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		rules:     rules,
		channels:  channels,
		records:   records,
		notifiers: notifiers,
		logger:    l.With("component", "dispatcher"),
		clock:     func() int64 { return time.Now().Unix() },
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertflow_notifications_total",
			Help: "Total channel deliveries by integration and status.",
		}, []string{"integration", "status"}),
	}
	if r != nil {
		r.MustRegister(d.notificationsTotal)
	}
	return d
}

// Accepts applies a channel's label filter to the representative labels.
// include_labels requires every keyed label to be in its value set;
// exclude_labels drops the channel on any match.
func Accepts(f types.FilterConfig, labels map[string]string) bool {
	for k, vals := range f.IncludeLabels {
		if len(vals) == 0 {
			continue
		}
		if !slices.Contains(vals, labels[k]) {
			return false
		}
	}
	for k, vals := range f.ExcludeLabels {
		if slices.Contains(vals, labels[k]) {
			return false
		}
	}
	return true
}

// resolve returns the channels the group goes to: the route's channel ids
// when set, otherwise the tenant's defaults, then label-filtered against the
// group's first alert. The grouper guarantees group_by labels are identical
// across the group, so the first alert is representative.
func (d *Dispatcher) resolve(ctx context.Context, rule *types.Rule, g *group.Group) ([]*types.NotificationChannel, error) {
	var (
		chs []*types.NotificationChannel
		err error
	)
	if ids := rule.Route.NotificationChannels; len(ids) > 0 {
		chs, err = d.channels.ListByIDs(ctx, rule.TenantID, ids)
	} else {
		chs, err = d.channels.ListDefault(ctx, rule.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channels: %w", err)
	}
	if len(g.Alerts) == 0 {
		return chs, nil
	}
	labels := g.Alerts[0].Labels
	kept := chs[:0]
	for _, ch := range chs {
		if Accepts(ch.Filter, labels) {
			kept = append(kept, ch)
		}
	}
	return kept, nil
}

// Dispatch sends the group to every resolved channel. Delivery failures are
// recorded and logged but do not fail the dispatch; an error is returned
// only when the group cannot be resolved at all.
func (d *Dispatcher) Dispatch(ctx context.Context, g *group.Group) error {
	rule, err := d.rules.Get(ctx, g.RuleID)
	if err != nil {
		return fmt.Errorf("dispatch group %s: rule %d: %w", g.Key, g.RuleID, err)
	}
	chs, err := d.resolve(ctx, rule, g)
	if err != nil {
		return fmt.Errorf("dispatch group %s: %w", g.Key, err)
	}
	if len(chs) == 0 {
		d.logger.Warn("no channels for group", "group", g.Key, "tenant", rule.TenantID)
		return nil
	}

	var wg sync.WaitGroup
	for _, ch := range chs {
		wg.Add(1)
		go func(ch *types.NotificationChannel) {
			defer wg.Done()
			d.sendToChannel(ctx, ch, g)
		}(ch)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) sendToChannel(ctx context.Context, ch *types.NotificationChannel, g *group.Group) {
	var sendErr error
	n, ok := d.notifiers[ch.Kind]
	if !ok {
		sendErr = fmt.Errorf("unknown channel kind %q", ch.Kind)
	} else {
		var retry bool
		retry, sendErr = n.Notify(ctx, ch, g)
		if sendErr != nil {
			d.logger.Error("channel send failed", "channel", ch.Name, "integration", ch.Kind, "retry", retry, "err", sendErr)
		}
	}

	status := "success"
	if sendErr != nil {
		status = "failed"
	}
	d.notificationsTotal.WithLabelValues(string(ch.Kind), status).Inc()
	if sendErr == nil {
		d.logger.Info("notification sent", "channel", ch.Name, "integration", ch.Kind, "group", g.Key, "alerts", len(g.Alerts))
	}
	d.recordOutcome(ctx, ch, g, sendErr)
}

// recordOutcome appends one record per alert in the group.
func (d *Dispatcher) recordOutcome(ctx context.Context, ch *types.NotificationChannel, g *group.Group, sendErr error) {
	now := d.clock()
	status := "success"
	errMsg := ""
	if sendErr != nil {
		status = "failed"
		errMsg = sendErr.Error()
	}
	content := map[string]string{
		"group_key": g.Key,
		"status":    StatusWord(g.Recovery()),
	}
	for _, a := range g.Alerts {
		rec := &types.NotificationRecord{
			ChannelID:        ch.ID,
			ChannelName:      ch.Name,
			ChannelKind:      ch.Kind,
			AlertFingerprint: a.Fingerprint,
			RuleName:         g.RuleName,
			Severity:         a.Severity,
			Status:           status,
			ErrorMessage:     errMsg,
			Content:          content,
			SentAt:           now,
			TenantID:         ch.TenantID,
		}
		if err := d.records.Append(ctx, rec); err != nil {
			d.logger.Error("recording notification failed", "channel", ch.Name, "fingerprint", a.Fingerprint, "err", err)
		}
	}
}
