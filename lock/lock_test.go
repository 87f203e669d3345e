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

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:group:g1", 30*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "lock:group:g1", 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	// A different key is unaffected.
	other, err := l.Acquire(ctx, "lock:group:g2", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx, "lock:group:g1", 30*time.Second)
	require.NoError(t, err)
}

func TestRedisLockerReleaseByNonHolder(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:alert:fp", time.Minute)
	require.NoError(t, err)

	// Simulate TTL expiry plus takeover by another worker.
	mr.FastForward(2 * time.Minute)
	_, err = l.Acquire(ctx, "lock:alert:fp", time.Minute)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx, "lock:alert:fp", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLockerExtend(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:group:g1", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, held.Extend(ctx, 2*time.Minute))
	mr.FastForward(time.Minute)

	// Still held after the original TTL would have expired.
	_, err = l.Acquire(ctx, "lock:group:g1", 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLockerHeld(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Held(ctx, "lock:alert:fp")
	require.NoError(t, err)
	require.False(t, held)

	lk, err := l.Acquire(ctx, "lock:alert:fp", time.Minute)
	require.NoError(t, err)

	held, err = l.Held(ctx, "lock:alert:fp")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, lk.Release(ctx))
	held, err = l.Held(ctx, "lock:alert:fp")
	require.NoError(t, err)
	require.False(t, held)

	_, err = l.Acquire(ctx, "lock:alert:fp", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	held, err = l.Held(ctx, "lock:alert:fp")
	require.NoError(t, err)
	require.False(t, held, "expired lock reads as free")
}

func TestMemLocker(t *testing.T) {
	l := NewMemLocker()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:group:g1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "lock:group:g1", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx, "lock:group:g1", time.Minute)
	require.NoError(t, err)
}

func TestMemLockerExpiry(t *testing.T) {
	l := NewMemLocker()
	now := time.Unix(1000, 0)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	held, err := l.Held(ctx, "k")
	require.NoError(t, err)
	require.False(t, held, "expired lock reads as free")

	_, err = l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
}
