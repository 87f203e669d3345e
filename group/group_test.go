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

package group

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/alertflow-io/alertflow/types"
)

func TestKeyDerivation(t *testing.T) {
	labels := map[string]string{"instance": "a", "job": "node", "empty": ""}

	require.Equal(t, "rule:HighCPU", Key("HighCPU", nil, labels))
	require.Equal(t, "rule:HighCPU|instance:a", Key("HighCPU", []string{"instance"}, labels))
	// Declared order, not label order; absent and empty labels are skipped.
	require.Equal(t, "rule:HighCPU|job:node|instance:a",
		Key("HighCPU", []string{"job", "missing", "empty", "instance"}, labels))

	require.Equal(t, "recovery:rule:HighCPU|instance:a",
		RecoveryKey("HighCPU", []string{"instance"}, labels))
}

func TestReadiness(t *testing.T) {
	const wait, repeat = 10, 3600

	g := &Group{CreatedAt: 0, Alerts: []Snapshot{{Fingerprint: "fp"}}}
	require.False(t, g.Ready(wait-1, wait, repeat))
	require.True(t, g.Ready(wait, wait, repeat))

	g = &Group{Sent: true, LastUpdatedAt: 0, Alerts: []Snapshot{{Fingerprint: "fp"}}}
	require.False(t, g.Ready(repeat-1, wait, repeat))
	require.True(t, g.Ready(repeat, wait, repeat))

	// An empty group is never ready.
	g = &Group{CreatedAt: 0}
	require.False(t, g.Ready(1<<40, wait, repeat))
}

func newTestGrouper(t *testing.T) (*Grouper, *int64) {
	t.Helper()
	now := int64(1000)
	g := NewGrouper(NewMemStore(), slog.Default(), prometheus.NewRegistry())
	g.clock = func() int64 { return now }
	return g, &now
}

func snap(fp, instance string) Snapshot {
	return Snapshot{
		Fingerprint: fp,
		Status:      types.StatusFiring,
		Labels:      map[string]string{"instance": instance},
	}
}

func TestIdempotentAppend(t *testing.T) {
	g, _ := newTestGrouper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.AddAlert(ctx, 1, "HighCPU", 1, nil, snap("fp1", "a")))
	}

	grp, err := g.store.Get(ctx, "rule:HighCPU")
	require.NoError(t, err)
	require.NotNil(t, grp)
	require.Len(t, grp.Alerts, 1)
}

func TestBurstGroupsByLabel(t *testing.T) {
	g, _ := newTestGrouper(t)
	ctx := context.Background()

	// group_by=["instance"]: one group per distinct instance.
	for i := 0; i < 5; i++ {
		s := snap("fp"+string(rune('a'+i)), string(rune('a'+i)))
		require.NoError(t, g.AddAlert(ctx, 1, "R", 1, []string{"instance"}, s))
	}
	groups, err := g.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 5)

	// group_by=[]: all alerts collapse into one group.
	g2, _ := newTestGrouper(t)
	for i := 0; i < 5; i++ {
		s := snap("fp"+string(rune('a'+i)), string(rune('a'+i)))
		require.NoError(t, g2.AddAlert(ctx, 1, "R", 1, nil, s))
	}
	groups, err = g2.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Alerts, 5)
}

func TestRemoveFingerprint(t *testing.T) {
	g, _ := newTestGrouper(t)
	ctx := context.Background()

	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fp1", "a")))
	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fp2", "b")))
	// Recovery groups keep their snapshots.
	require.NoError(t, g.AddRecovery(ctx, 1, "R", 1, nil, snap("fp1", "a")))

	require.NoError(t, g.RemoveFingerprint(ctx, "fp1"))

	grp, err := g.store.Get(ctx, "rule:R")
	require.NoError(t, err)
	require.Equal(t, []string{"fp2"}, grp.Fingerprints())

	rec, err := g.store.Get(ctx, "recovery:rule:R")
	require.NoError(t, err)
	require.Equal(t, []string{"fp1"}, rec.Fingerprints())

	// Removing the last alert deletes the firing group.
	require.NoError(t, g.RemoveFingerprint(ctx, "fp2"))
	grp, err = g.store.Get(ctx, "rule:R")
	require.NoError(t, err)
	require.Nil(t, grp)
}

func TestReadyGroupsAndRepeat(t *testing.T) {
	g, now := newTestGrouper(t)
	ctx := context.Background()

	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fp1", "a")))

	ready, err := g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, ready, "group_wait has not elapsed")

	*now += int64(DefaultGroupWait.Seconds())
	ready, err = g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	require.NoError(t, g.MarkSent(ctx, ready[0].Key))
	ready, err = g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, ready, "just sent")

	*now += int64(DefaultRepeatInterval.Seconds())
	ready, err = g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1, "repeat_interval elapsed")
}

func TestMarkSentKeepsConcurrentAppend(t *testing.T) {
	g, now := newTestGrouper(t)
	ctx := context.Background()

	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fpA", "a")))
	*now += int64(DefaultGroupWait.Seconds())
	ready, err := g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// Another replica appends after the readiness scan; marking the group
	// sent must not erase that alert.
	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fpB", "b")))
	require.NoError(t, g.MarkSent(ctx, ready[0].Key))

	grp, err := g.store.Get(ctx, ready[0].Key)
	require.NoError(t, err)
	require.Equal(t, []string{"fpA", "fpB"}, grp.Fingerprints())
	require.True(t, grp.Sent)

	// Marking a key that no longer exists is a no-op.
	require.NoError(t, g.MarkSent(ctx, "rule:gone"))
}

func TestConfigure(t *testing.T) {
	g, now := newTestGrouper(t)
	ctx := context.Background()

	g.Configure(60*time.Second, 0, 0)
	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, nil, snap("fp1", "a")))

	*now += int64(DefaultGroupWait.Seconds())
	ready, err := g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, ready, "configured group_wait is longer than the default")

	*now += 60
	ready, err = g.ReadyGroups(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestStatsSnapshot(t *testing.T) {
	g, _ := newTestGrouper(t)
	ctx := context.Background()

	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, []string{"instance"}, snap("fp1", "a")))
	require.NoError(t, g.AddAlert(ctx, 1, "R", 1, []string{"instance"}, snap("fp2", "b")))
	require.NoError(t, g.AddRecovery(ctx, 1, "R", 1, nil, snap("fp3", "c")))

	require.NoError(t, g.MarkSent(ctx, "rule:R|instance:a"))

	st, err := g.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{
		TotalGroups:    3,
		FiringGroups:   2,
		RecoveryGroups: 1,
		TotalAlerts:    3,
		SentGroups:     1,
		PendingGroups:  2,
	}, st)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	got, err := s.Get(ctx, "rule:R")
	require.NoError(t, err)
	require.Nil(t, got)

	grp := &Group{
		Key:       "rule:R|instance:a",
		Labels:    map[string]string{"instance": "a"},
		RuleID:    1,
		RuleName:  "R",
		Alerts:    []Snapshot{snap("fp1", "a")},
		CreatedAt: 100,
	}
	require.NoError(t, s.Save(ctx, grp))
	require.NoError(t, s.Save(ctx, &Group{Key: "recovery:rule:R", RuleName: "R"}))

	// Bucketed keys: the recovery prefix selects the bucket.
	require.True(t, mr.Exists("alert:group:firing:rule:R|instance:a"))
	require.True(t, mr.Exists("alert:group:recovery:rule:R"))

	got, err = s.Get(ctx, "rule:R|instance:a")
	require.NoError(t, err)
	require.Equal(t, grp, got)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "rule:R|instance:a"))
	got, err = s.Get(ctx, "rule:R|instance:a")
	require.NoError(t, err)
	require.Nil(t, got)

	// TTL expiry.
	mr.FastForward(groupTTL + 1)
	all, err = s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
