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

package email

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/store/mem"
	"github.com/alertflow-io/alertflow/types"
)

func mailGroup(n int) *group.Group {
	g := &group.Group{Key: "rule:HighCPU", RuleName: "HighCPU"}
	for i := 0; i < n; i++ {
		g.Alerts = append(g.Alerts, group.Snapshot{
			Fingerprint: "fp", Severity: "critical", Value: 5,
			Labels:      map[string]string{"instance": "a"},
			Annotations: map[string]string{"summary": "cpu high"},
		})
	}
	return g
}

func TestSubject(t *testing.T) {
	ch := &types.NotificationChannel{Config: types.ChannelConfig{"subject_prefix": "[监控]"}}

	require.Equal(t, "[监控] CRITICAL - HighCPU (触发)", Subject(ch, mailGroup(1)))
	require.Equal(t, "[监控] HighCPU - 3 条告警 (触发)", Subject(ch, mailGroup(3)))

	rec := mailGroup(1)
	rec.Key = "recovery:rule:HighCPU"
	require.Equal(t, "[监控] CRITICAL - HighCPU (恢复)", Subject(ch, rec))

	// Default prefix.
	require.Contains(t, Subject(&types.NotificationChannel{}, mailGroup(1)), "[AlertFlow]")
}

func TestBuildMessage(t *testing.T) {
	msg := string(BuildMessage("alert@example.com", []string{"ops@example.com"}, []string{"lead@example.com"},
		"subject", mailGroup(2)))

	require.Contains(t, msg, "From: alert@example.com\r\n")
	require.Contains(t, msg, "To: ops@example.com\r\n")
	require.Contains(t, msg, "Cc: lead@example.com\r\n")
	require.Contains(t, msg, "Content-Type: multipart/alternative")
	require.Contains(t, msg, "Content-Type: text/plain; charset=UTF-8")
	require.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	require.Contains(t, msg, "<table")
	require.Contains(t, msg, "instance")
	// Closing boundary.
	require.True(t, strings.HasSuffix(msg, "--"+boundary+"--\r\n"))
}

func TestNotifySends(t *testing.T) {
	s := mem.NewStore()
	s.SetSMTP(&types.SMTPConfig{Host: "mail", Port: 465, FromAddr: "alert@example.com", UseTLS: true})

	n := New(s, slog.Default())
	var gotRcpts []string
	var gotMsg []byte
	n.send = func(cfg *types.SMTPConfig, rcpts []string, msg []byte) error {
		gotRcpts = rcpts
		gotMsg = msg
		return nil
	}

	ch := &types.NotificationChannel{
		Name: "mail", Kind: types.ChannelEmail,
		Config: types.ChannelConfig{
			"to": []interface{}{"ops@example.com"},
			"cc": []interface{}{"lead@example.com"},
		},
	}
	retry, err := n.Notify(context.Background(), ch, mailGroup(1))
	require.NoError(t, err)
	require.False(t, retry)
	require.Equal(t, []string{"ops@example.com", "lead@example.com"}, gotRcpts)
	require.Contains(t, string(gotMsg), "To: ops@example.com")
}

func TestNotifyConfigErrors(t *testing.T) {
	s := mem.NewStore()
	n := New(s, slog.Default())

	// No SMTP settings: configuration error, not retryable.
	ch := &types.NotificationChannel{Name: "mail", Config: types.ChannelConfig{"to": []interface{}{"x@example.com"}}}
	retry, err := n.Notify(context.Background(), ch, mailGroup(1))
	require.Error(t, err)
	require.False(t, retry)

	// No recipients.
	s.SetSMTP(&types.SMTPConfig{Host: "mail", Port: 25, FromAddr: "a@example.com"})
	retry, err = n.Notify(context.Background(), &types.NotificationChannel{Name: "mail"}, mailGroup(1))
	require.Error(t, err)
	require.False(t, retry)
}

func TestNotifyTransportErrorRetries(t *testing.T) {
	s := mem.NewStore()
	s.SetSMTP(&types.SMTPConfig{Host: "mail", Port: 25, FromAddr: "a@example.com"})
	n := New(s, slog.Default())
	n.send = func(cfg *types.SMTPConfig, rcpts []string, msg []byte) error {
		return errors.New("connection refused")
	}

	ch := &types.NotificationChannel{Name: "mail", Config: types.ChannelConfig{"to": []interface{}{"x@example.com"}}}
	retry, err := n.Notify(context.Background(), ch, mailGroup(1))
	require.Error(t, err)
	require.True(t, retry)
}
