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

// Package webhook implements the generic JSON webhook channel.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/template"
	"github.com/alertflow-io/alertflow/types"
)

// Alert is one element of the default payload's alerts list.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    int64             `json:"startsAt"`
	Value       float64           `json:"value"`
}

// Payload is the default webhook body.
type Payload struct {
	Status       string            `json:"status"`
	GroupLabels  map[string]string `json:"groupLabels"`
	CommonLabels map[string]string `json:"commonLabels"`
	Alerts       []Alert           `json:"alerts"`
}

// Notifier posts groups to a configured URL.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a webhook notifier.
func New(l *slog.Logger) *Notifier {
	return &Notifier{client: notify.NewHTTPClient(), logger: l.With("integration", "webhook")}
}

// DefaultPayload builds the default body for a group.
func DefaultPayload(g *group.Group) Payload {
	status := "firing"
	if g.Recovery() {
		status = "resolved"
	}
	p := Payload{
		Status:       status,
		GroupLabels:  g.Labels,
		CommonLabels: map[string]string{},
		Alerts:       make([]Alert, 0, len(g.Alerts)),
	}
	sets := make([]map[string]string, 0, len(g.Alerts))
	for _, a := range g.Alerts {
		sets = append(sets, a.Labels)
		p.Alerts = append(p.Alerts, Alert{
			Fingerprint: a.Fingerprint,
			Status:      string(a.Status),
			Labels:      a.Labels,
			Annotations: a.Annotations,
			StartsAt:    a.StartedAt,
			Value:       a.Value,
		})
	}
	p.CommonLabels = types.CommonLabels(sets)
	if p.GroupLabels == nil {
		p.GroupLabels = map[string]string{}
	}
	return p
}

func (n *Notifier) Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error) {
	target := ch.Config.Str("url", "")
	if target == "" {
		return false, fmt.Errorf("webhook channel %q has no url", ch.Name)
	}
	method := strings.ToUpper(ch.Config.Str("method", http.MethodPost))
	if method != http.MethodPost && method != http.MethodPut {
		return false, fmt.Errorf("webhook channel %q: unsupported method %q", ch.Name, method)
	}
	headers := ch.Config.StrMap("headers")

	body, err := n.buildBody(ch, g)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post to %s: %w", notify.RedactURL(target), err)
	}
	defer notify.Drain(resp)
	return notify.RetryStatus(resp)
}

// buildBody renders a custom body_template, falling back to the default
// payload when the template is absent, named "default", or does not produce
// valid JSON.
func (n *Notifier) buildBody(ch *types.NotificationChannel, g *group.Group) ([]byte, error) {
	tmpl := ch.Config.Str("body_template", "default")
	if tmpl != "default" && tmpl != "" && len(g.Alerts) > 0 {
		first := g.Alerts[0]
		rendered := template.Expand(tmpl, first.Labels, first.Value)
		if json.Valid([]byte(rendered)) {
			return []byte(rendered), nil
		}
		n.logger.Warn("body_template produced invalid JSON, using default payload", "channel", ch.Name)
	}
	return json.Marshal(DefaultPayload(g))
}
