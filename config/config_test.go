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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, ":9080", cfg.ListenAddress)
	require.Equal(t, 10, cfg.Grouping.GroupWait)
	require.Equal(t, 3600, cfg.Grouping.RepeatInterval)
	require.Equal(t, 15*time.Second, cfg.Scheduler.TickIntervalDuration())
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.Database.DSN)
}

func TestLoadPartialOverride(t *testing.T) {
	cfg, err := Load([]byte(`
listen_address: ":8080"
redis:
  addr: "redis:6379"
grouping:
  group_wait: 30
`))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 30, cfg.Grouping.GroupWait)
	// Unnamed fields keep their defaults.
	require.Equal(t, 30, cfg.Grouping.GroupInterval)
	require.Equal(t, 3600, cfg.Grouping.RepeatInterval)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load([]byte(`grouping: {group_wait: 0}`))
	require.Error(t, err)

	_, err = Load([]byte(`scheduler: {tick_interval: -1}`))
	require.Error(t, err)

	// Unknown fields fail strict parsing.
	_, err = Load([]byte(`no_such_key: true`))
	require.Error(t, err)

	_, err = Load([]byte(`listen_address: ""`))
	require.Error(t, err)
}
