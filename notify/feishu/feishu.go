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

// Package feishu implements the Feishu (Lark) custom-bot webhook channel.
// card_type "advanced" sends an interactive card, anything else plain text.
package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/types"
)

type textMessage struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

type cardMessage struct {
	MsgType string `json:"msg_type"`
	Card    card   `json:"card"`
}

type card struct {
	Header   cardHeader    `json:"header"`
	Elements []cardElement `json:"elements"`
}

type cardHeader struct {
	Template string   `json:"template"`
	Title    cardText `json:"title"`
}

type cardElement struct {
	Tag  string   `json:"tag"`
	Text cardText `json:"text"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Notifier sends groups to a Feishu bot webhook.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a feishu notifier.
func New(l *slog.Logger) *Notifier {
	return &Notifier{client: notify.NewHTTPClient(), logger: l.With("integration", "feishu")}
}

// BuildCard renders the advanced interactive card: red header while firing,
// green on recovery, one markdown block per alert capped with an "N more"
// line.
func BuildCard(g *group.Group) card {
	template := "red"
	if g.Recovery() {
		template = "green"
	}
	c := card{
		Header: cardHeader{
			Template: template,
			Title: cardText{
				Tag:     "plain_text",
				Content: fmt.Sprintf("【%s】%s (%d 条)", notify.StatusWord(g.Recovery()), g.RuleName, len(g.Alerts)),
			},
		},
	}

	n := len(g.Alerts)
	shown := n
	if shown > notify.MaxRenderedAlerts {
		shown = notify.MaxRenderedAlerts
	}
	for _, a := range g.Alerts[:shown] {
		var b strings.Builder
		fmt.Fprintf(&b, "**级别**: %s\n", strings.ToUpper(a.Severity))
		fmt.Fprintf(&b, "**当前值**: %g\n", a.Value)
		if summary := a.Annotations["summary"]; summary != "" {
			fmt.Fprintf(&b, "**摘要**: %s\n", summary)
		}
		if desc := a.Annotations["description"]; desc != "" {
			fmt.Fprintf(&b, "**描述**: %s\n", desc)
		}
		fmt.Fprintf(&b, "**标签**: %s", notify.FormatLabels(a.Labels))
		c.Elements = append(c.Elements, cardElement{
			Tag:  "div",
			Text: cardText{Tag: "lark_md", Content: b.String()},
		})
	}
	if n > shown {
		c.Elements = append(c.Elements, cardElement{
			Tag:  "div",
			Text: cardText{Tag: "lark_md", Content: fmt.Sprintf("... 另有 %d 条告警", n-shown)},
		})
	}
	return c
}

func (n *Notifier) Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error) {
	target := ch.Config.Str("webhook_url", "")
	if target == "" {
		return false, fmt.Errorf("feishu channel %q has no webhook_url", ch.Name)
	}

	var body interface{}
	if ch.Config.Str("card_type", "advanced") == "advanced" {
		body = cardMessage{MsgType: "interactive", Card: BuildCard(g)}
	} else {
		var msg textMessage
		msg.MsgType = "text"
		msg.Content.Text = notify.PlainText(g)
		body = msg
	}

	resp, err := notify.PostJSON(ctx, n.client, target, body)
	if err != nil {
		return true, fmt.Errorf("post to %s: %w", notify.RedactURL(target), err)
	}
	defer notify.Drain(resp)
	return notify.RetryStatus(resp)
}
