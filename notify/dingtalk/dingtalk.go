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

// Package dingtalk implements the DingTalk group-robot webhook channel with
// the optional HMAC-SHA256 request signature.
package dingtalk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

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

// Notifier sends plain-text messages to a DingTalk robot webhook.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
	clock  func() time.Time
}

// New returns a dingtalk notifier.
func New(l *slog.Logger) *Notifier {
	return &Notifier{
		client: notify.NewHTTPClient(),
		logger: l.With("integration", "dingtalk"),
		clock:  time.Now,
	}
}

// sign computes the robot signature for a millisecond timestamp: the
// base64-encoded HMAC-SHA256 of "timestamp\nsecret" keyed by the secret.
func sign(timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", timestamp, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signedURL appends timestamp and sign query parameters when a secret is
// configured.
func (n *Notifier) signedURL(target, secret string) (string, error) {
	if secret == "" {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid webhook_url: %w", err)
	}
	ts := n.clock().UnixMilli()
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", sign(ts, secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (n *Notifier) Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error) {
	target := ch.Config.Str("webhook_url", "")
	if target == "" {
		return false, fmt.Errorf("dingtalk channel %q has no webhook_url", ch.Name)
	}
	target, err := n.signedURL(target, ch.Config.Str("secret", ""))
	if err != nil {
		return false, err
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
