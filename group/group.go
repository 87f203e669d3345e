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

// Package group aggregates alert lifecycle events into notification groups
// keyed by rule and selected labels, and decides when a group is ready to
// dispatch. Group records live in a shared KV store so that multiple
// replicas converge on the same send decisions; the records are plain JSON
// values with no pointer graphs.
package group

import (
	"strings"

	"github.com/alertflow-io/alertflow/types"
)

// recoveryPrefix marks a group that aggregates resolved alerts.
const recoveryPrefix = "recovery:"

// Snapshot is the immutable copy of an alert carried inside a group record.
type Snapshot struct {
	Fingerprint string            `json:"fingerprint"`
	Status      types.AlertStatus `json:"status"`
	Severity    string            `json:"severity"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartedAt   int64             `json:"started_at"`
}

// SnapshotOf captures an alert event into a group snapshot.
func SnapshotOf(ev *types.AlertEvent) Snapshot {
	return Snapshot{
		Fingerprint: ev.Fingerprint,
		Status:      ev.Status,
		Severity:    ev.Severity,
		Value:       ev.Value,
		Labels:      ev.Labels,
		Annotations: ev.Annotations,
		StartedAt:   ev.StartedAt,
	}
}

// Group is the shared record of one notification group. Timestamps are unix
// seconds.
type Group struct {
	Key           string            `json:"group_key"`
	Labels        map[string]string `json:"group_labels"`
	RuleID        int64             `json:"rule_id"`
	RuleName      string            `json:"rule_name"`
	TenantID      int64             `json:"tenant_id"`
	Alerts        []Snapshot        `json:"alerts"`
	CreatedAt     int64             `json:"created_at"`
	LastUpdatedAt int64             `json:"last_updated_at"`
	Sent          bool              `json:"sent"`
}

// Recovery reports whether the group aggregates resolved alerts.
func (g *Group) Recovery() bool {
	return strings.HasPrefix(g.Key, recoveryPrefix)
}

// Fingerprints returns the fingerprints of the group's alerts in order.
func (g *Group) Fingerprints() []string {
	out := make([]string, len(g.Alerts))
	for i, a := range g.Alerts {
		out[i] = a.Fingerprint
	}
	return out
}

// Ready reports whether the group should be dispatched now. An unsent group
// waits groupWait from creation to absorb bursts; a sent group becomes ready
// again repeatInterval after its last update.
func (g *Group) Ready(now, groupWait, repeatInterval int64) bool {
	if len(g.Alerts) == 0 {
		return false
	}
	if !g.Sent {
		return now-g.CreatedAt >= groupWait
	}
	return now-g.LastUpdatedAt >= repeatInterval
}

// Key derives the group key of a firing group: the rule name followed by the
// group_by labels in declared order. Absent or empty labels are skipped.
func Key(ruleName string, groupBy []string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString("rule:")
	b.WriteString(ruleName)
	for _, k := range groupBy {
		if v := labels[k]; v != "" {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(v)
		}
	}
	return b.String()
}

// RecoveryKey derives the key of the recovery group mirroring a firing group.
func RecoveryKey(ruleName string, groupBy []string, labels map[string]string) string {
	return recoveryPrefix + Key(ruleName, groupBy, labels)
}

// GroupLabels selects the group_by labels present in the label set. They are
// identical across every alert in the group by construction of the key.
func GroupLabels(groupBy []string, labels map[string]string) map[string]string {
	out := make(map[string]string, len(groupBy))
	for _, k := range groupBy {
		if v := labels[k]; v != "" {
			out[k] = v
		}
	}
	return out
}
