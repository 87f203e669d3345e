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

// Package lock provides TTL-bounded distributed mutexes. A lock is held by
// a random token; release and extend only succeed while the token still owns
// the key, so an expired lock taken over by another worker is never clobbered.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is already held elsewhere.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lock is a held mutex. Release and Extend are no-ops returning nil when the
// holder already lost the lock to TTL expiry; the caller cannot do anything
// useful about that.
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker acquires named locks.
type Locker interface {
	// Acquire takes the lock or fails fast with ErrNotAcquired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// Held reports whether the lock is currently held by anyone.
	Held(ctx context.Context, key string) (bool, error)
}

// releaseScript deletes the key only while our token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript refreshes the TTL only while our token still owns the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker implements Locker on a shared Redis.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker returns a Locker backed by the given client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	return extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Err()
}
