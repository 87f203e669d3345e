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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/types"
)

func firingGroup() *group.Group {
	return &group.Group{
		Key:      "rule:HighCPU",
		Labels:   map[string]string{},
		RuleName: "HighCPU",
		Alerts: []group.Snapshot{
			{Fingerprint: "fp1", Status: types.StatusFiring, Severity: "critical",
				Labels:      map[string]string{"instance": "a", "env": "prod"},
				Annotations: map[string]string{"summary": "cpu high"},
				StartedAt:   100, Value: 5},
			{Fingerprint: "fp2", Status: types.StatusFiring, Severity: "critical",
				Labels:    map[string]string{"instance": "b", "env": "prod"},
				StartedAt: 110, Value: 7},
		},
	}
}

func TestDefaultPayloadShape(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := New(slog.Default())
	ch := &types.NotificationChannel{
		Name: "hook", Kind: types.ChannelWebhook,
		Config: types.ChannelConfig{"url": srv.URL},
	}
	retry, err := n.Notify(context.Background(), ch, firingGroup())
	require.NoError(t, err)
	require.False(t, retry)

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, "firing", p.Status)
	require.Equal(t, map[string]string{"env": "prod"}, p.CommonLabels)
	require.Len(t, p.Alerts, 2)
	for _, a := range p.Alerts {
		require.NotEmpty(t, a.Fingerprint)
		require.Equal(t, "firing", a.Status)
		require.NotEmpty(t, a.Labels)
		require.NotZero(t, a.StartsAt)
	}
	require.Equal(t, 5.0, p.Alerts[0].Value)
	require.Equal(t, map[string]string{"summary": "cpu high"}, p.Alerts[0].Annotations)
}

func TestRecoveryStatusResolved(t *testing.T) {
	g := firingGroup()
	g.Key = "recovery:rule:HighCPU"
	p := DefaultPayload(g)
	require.Equal(t, "resolved", p.Status)
}

func TestCustomTemplate(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := New(slog.Default())
	ch := &types.NotificationChannel{
		Name: "hook", Kind: types.ChannelWebhook,
		Config: types.ChannelConfig{
			"url":           srv.URL,
			"method":        "PUT",
			"headers":       map[string]interface{}{"X-Token": "secret"},
			"body_template": `{"host": "{{ $labels.instance }}", "value": {{ $value }}}`,
		},
	}
	_, err := n.Notify(context.Background(), ch, firingGroup())
	require.NoError(t, err)
	require.JSONEq(t, `{"host": "a", "value": 5}`, string(body))
}

func TestInvalidTemplateFallsBack(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := New(slog.Default())
	ch := &types.NotificationChannel{
		Name: "hook", Kind: types.ChannelWebhook,
		Config: types.ChannelConfig{
			"url":           srv.URL,
			"body_template": `host is {{ $labels.instance }}`, // not JSON
		},
	}
	_, err := n.Notify(context.Background(), ch, firingGroup())
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, "firing", p.Status)
}

func TestErrors(t *testing.T) {
	n := New(slog.Default())
	g := firingGroup()

	// Missing url is a configuration error, not retryable.
	retry, err := n.Notify(context.Background(), &types.NotificationChannel{Name: "hook"}, g)
	require.Error(t, err)
	require.False(t, retry)

	retry, err = n.Notify(context.Background(), &types.NotificationChannel{
		Name: "hook", Config: types.ChannelConfig{"url": "http://x", "method": "DELETE"},
	}, g)
	require.Error(t, err)
	require.False(t, retry)

	// 5xx responses are retryable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	}))
	defer srv.Close()
	retry, err = n.Notify(context.Background(), &types.NotificationChannel{
		Name: "hook", Config: types.ChannelConfig{"url": srv.URL},
	}, g)
	require.Error(t, err)
	require.True(t, retry)
}
