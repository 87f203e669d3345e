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

package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/types"
)

func TestNotify(t *testing.T) {
	var body message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"errcode":0}`)
	}))
	defer srv.Close()

	n := New(slog.Default())
	ch := &types.NotificationChannel{
		Name: "wecom", Kind: types.ChannelWechat,
		Config: types.ChannelConfig{"webhook_url": srv.URL},
	}
	g := &group.Group{
		Key: "rule:HighCPU", RuleName: "HighCPU",
		Alerts: []group.Snapshot{{
			Fingerprint: "fp1", Severity: "warning",
			Labels:      map[string]string{"instance": "a"},
			Annotations: map[string]string{"summary": "cpu high"},
		}},
	}

	retry, err := n.Notify(context.Background(), ch, g)
	require.NoError(t, err)
	require.False(t, retry)
	require.Equal(t, "text", body.MsgType)
	require.Contains(t, body.Text.Content, "【触发】HighCPU (1 条)")
	require.Contains(t, body.Text.Content, "[WARNING] instance=a - cpu high")
}

func TestNotifyMissingURL(t *testing.T) {
	n := New(slog.Default())
	retry, err := n.Notify(context.Background(), &types.NotificationChannel{Name: "wecom"}, &group.Group{})
	require.Error(t, err)
	require.False(t, retry)
}
