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

// Package wechat implements the WeCom group-robot webhook channel.
package wechat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/types"
)

type message struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// Notifier sends plain-text messages to a WeCom robot webhook.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a wechat notifier.
func New(l *slog.Logger) *Notifier {
	return &Notifier{client: notify.NewHTTPClient(), logger: l.With("integration", "wechat")}
}

func (n *Notifier) Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error) {
	target := ch.Config.Str("webhook_url", "")
	if target == "" {
		return false, fmt.Errorf("wechat channel %q has no webhook_url", ch.Name)
	}

	var msg message
	msg.MsgType = "text"
	msg.Text.Content = notify.PlainText(g)

	resp, err := notify.PostJSON(ctx, n.client, target, msg)
	if err != nil {
		return true, fmt.Errorf("post to %s: %w", notify.RedactURL(target), err)
	}
	defer notify.Drain(resp)
	return notify.RetryStatus(resp)
}
