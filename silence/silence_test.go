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

package silence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alertflow-io/alertflow/types"
)

func TestMatchesANDSemantics(t *testing.T) {
	labels := map[string]string{"severity": "warning", "team": "db"}

	ms, err := Compile([]types.Matcher{
		{Label: "severity", Op: types.MatchRegexp, Value: "warn.*"},
		{Label: "team", Op: types.MatchNotEqual, Value: "web"},
	})
	require.NoError(t, err)
	require.True(t, ms.Matches(labels))

	// Flipping either matcher's expected value falsifies the result.
	ms, err = Compile([]types.Matcher{
		{Label: "severity", Op: types.MatchRegexp, Value: "crit.*"},
		{Label: "team", Op: types.MatchNotEqual, Value: "web"},
	})
	require.NoError(t, err)
	require.False(t, ms.Matches(labels))

	ms, err = Compile([]types.Matcher{
		{Label: "severity", Op: types.MatchRegexp, Value: "warn.*"},
		{Label: "team", Op: types.MatchNotEqual, Value: "db"},
	})
	require.NoError(t, err)
	require.False(t, ms.Matches(labels))
}

func TestMatchesOperators(t *testing.T) {
	labels := map[string]string{"instance": "a", "env": "prod"}

	for _, tc := range []struct {
		m    types.Matcher
		want bool
	}{
		{types.Matcher{Label: "instance", Op: types.MatchEqual, Value: "a"}, true},
		{types.Matcher{Label: "instance", Op: types.MatchEqual, Value: "b"}, false},
		{types.Matcher{Label: "instance", Op: types.MatchNotEqual, Value: "b"}, true},
		{types.Matcher{Label: "instance", Op: types.MatchNotEqual, Value: "a"}, false},
		{types.Matcher{Label: "env", Op: types.MatchRegexp, Value: "pro.*"}, true},
		// The regex must cover the full value.
		{types.Matcher{Label: "env", Op: types.MatchRegexp, Value: "pro"}, false},
		{types.Matcher{Label: "env", Op: types.MatchNotRegexp, Value: "stag.*"}, true},
		// Missing label reads as empty string.
		{types.Matcher{Label: "missing", Op: types.MatchEqual, Value: ""}, true},
		{types.Matcher{Label: "missing", Op: types.MatchRegexp, Value: ".*"}, true},
		{types.Matcher{Label: "missing", Op: types.MatchRegexp, Value: ".+"}, false},
	} {
		ms, err := Compile([]types.Matcher{tc.m})
		require.NoError(t, err)
		require.Equal(t, tc.want, ms.Matches(labels), "matcher %s", tc.m)
	}
}

func TestCompileRejects(t *testing.T) {
	require.Error(t, Validate(nil))
	require.Error(t, Validate([]types.Matcher{}))
	require.Error(t, Validate([]types.Matcher{{Label: "a", Op: "~=", Value: "x"}}))
	require.Error(t, Validate([]types.Matcher{{Label: "a", Op: types.MatchRegexp, Value: "(["}}))
	require.Error(t, Validate([]types.Matcher{{Label: "", Op: types.MatchEqual, Value: "x"}}))
	require.NoError(t, Validate([]types.Matcher{{Label: "a", Op: types.MatchEqual, Value: "x"}}))
}

func TestSilencedHonorsWindowAndEnable(t *testing.T) {
	sm := NewMatcher()
	labels := map[string]string{"instance": "a"}
	rule := &types.SilenceRule{
		ID:       1,
		Matchers: []types.Matcher{{Label: "instance", Op: types.MatchEqual, Value: "a"}},
		StartsAt: 100,
		EndsAt:   200,
		Enabled:  true,
	}

	_, ok := sm.Silenced(labels, []*types.SilenceRule{rule}, 150)
	require.True(t, ok)

	_, ok = sm.Silenced(labels, []*types.SilenceRule{rule}, 250)
	require.False(t, ok)

	rule.Enabled = false
	_, ok = sm.Silenced(labels, []*types.SilenceRule{rule}, 150)
	require.False(t, ok)
}

func TestSilencedReusesCompiledMatchers(t *testing.T) {
	sm := NewMatcher()
	rule := &types.SilenceRule{
		ID:       7,
		Matchers: []types.Matcher{{Label: "severity", Op: types.MatchRegexp, Value: "warn.*"}},
		StartsAt: 0,
		EndsAt:   1 << 40,
		Enabled:  true,
	}
	for i := 0; i < 10; i++ {
		_, ok := sm.Silenced(map[string]string{"severity": "warning"}, []*types.SilenceRule{rule}, 100)
		require.True(t, ok)
	}
	sm.mtx.RLock()
	defer sm.mtx.RUnlock()
	require.Len(t, sm.cache, 1)
}
