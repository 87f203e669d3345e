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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemLocker implements Locker in process memory. Single-instance deployments
// without Redis use it; the TTL semantics match the Redis implementation.
type MemLocker struct {
	mtx   sync.Mutex
	held  map[string]memEntry
	clock func() time.Time
}

type memEntry struct {
	token   string
	expires time.Time
}

// NewMemLocker returns an empty in-process locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: make(map[string]memEntry), clock: time.Now}
}

func (l *MemLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && e.expires.After(now) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = memEntry{token: token, expires: now.Add(ttl)}
	return &memLock{locker: l, key: key, token: token}, nil
}

func (l *MemLocker) Held(ctx context.Context, key string) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	e, ok := l.held[key]
	return ok && e.expires.After(l.clock()), nil
}

type memLock struct {
	locker *MemLocker
	key    string
	token  string
}

func (m *memLock) Release(ctx context.Context) error {
	m.locker.mtx.Lock()
	defer m.locker.mtx.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.token == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}

func (m *memLock) Extend(ctx context.Context, ttl time.Duration) error {
	m.locker.mtx.Lock()
	defer m.locker.mtx.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.token == m.token {
		e.expires = m.locker.clock().Add(ttl)
		m.locker.held[m.key] = e
	}
	return nil
}
