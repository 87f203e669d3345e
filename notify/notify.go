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

// Package notify resolves notification channels for a ready group and fans
// the group out to the channel notifiers. One notifier exists per channel
// kind; the set of kinds is sealed.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/types"
)

// Notifier delivers one group to one channel. The boolean return reports
// whether the failure is worth retrying on the next repeat window (transient
// transport or 5xx) as opposed to a configuration problem.
type Notifier interface {
	Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error)
}

// MaxRenderedAlerts caps how many alerts a channel message itemizes; the
// remainder collapses into a suffix line.
const MaxRenderedAlerts = 10

// StatusWord returns the operator-facing word for the group state.
func StatusWord(recovery bool) string {
	if recovery {
		return "恢复"
	}
	return "触发"
}

// FormatLabels renders a label set as "k=v, k=v" with sorted keys.
func FormatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ", ")
}

// RenderLines renders one text line per alert, capped at MaxRenderedAlerts
// with an "N more" suffix. Every channel kind reuses this shape for its
// plain-text form.
func RenderLines(g *group.Group) []string {
	n := len(g.Alerts)
	shown := n
	if shown > MaxRenderedAlerts {
		shown = MaxRenderedAlerts
	}
	lines := make([]string, 0, shown+1)
	for _, a := range g.Alerts[:shown] {
		line := fmt.Sprintf("[%s] %s", strings.ToUpper(a.Severity), FormatLabels(a.Labels))
		if summary := a.Annotations["summary"]; summary != "" {
			line += " - " + summary
		}
		lines = append(lines, line)
	}
	if n > shown {
		lines = append(lines, fmt.Sprintf("... 另有 %d 条告警", n-shown))
	}
	return lines
}

// PlainText renders the group as the plain-text message shared by the
// wechat and dingtalk kinds and feishu's simple card.
func PlainText(g *group.Group) string {
	var b strings.Builder
	fmt.Fprintf(&b, "【%s】%s (%d 条)\n", StatusWord(g.Recovery()), g.RuleName, len(g.Alerts))
	for _, line := range RenderLines(g) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
