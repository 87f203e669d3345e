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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// groupTTL is the sliding expiry of a group record in the KV store. Every
// save refreshes it; an abandoned group disappears on its own.
const groupTTL = 7200 * time.Second

// Store persists group records. Get returns (nil, nil) when the key is
// absent; Save refreshes the sliding TTL.
type Store interface {
	Get(ctx context.Context, key string) (*Group, error)
	Save(ctx context.Context, g *Group) error
	Delete(ctx context.Context, key string) error
	// List returns every stored group, firing and recovery.
	List(ctx context.Context) ([]*Group, error)
}

// storageKey maps a group key to its KV key. The recovery prefix selects the
// bucket instead of being repeated inside the key.
func storageKey(groupKey string) string {
	if rest, ok := strings.CutPrefix(groupKey, recoveryPrefix); ok {
		return "alert:group:recovery:" + rest
	}
	return "alert:group:firing:" + groupKey
}

// RedisStore keeps group records in a shared Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a Store backed by the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Group, error) {
	raw, err := s.client.Get(ctx, storageKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", key, err)
	}
	var g Group
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", key, err)
	}
	return &g, nil
}

func (s *RedisStore) Save(ctx context.Context, g *Group) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode group %s: %w", g.Key, err)
	}
	if err := s.client.SetEx(ctx, storageKey(g.Key), raw, groupTTL).Err(); err != nil {
		return fmt.Errorf("save group %s: %w", g.Key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, storageKey(key)).Err(); err != nil {
		return fmt.Errorf("delete group %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Group, error) {
	var out []*Group
	iter := s.client.Scan(ctx, 0, "alert:group:*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get group key %s: %w", iter.Val(), err)
		}
		var g Group
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode group key %s: %w", iter.Val(), err)
		}
		out = append(out, &g)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan groups: %w", err)
	}
	return out, nil
}

// MemStore keeps group records in process memory with the same semantics as
// the Redis store. Single-node deployments and tests use it; TTL expiry is
// checked lazily on access.
type MemStore struct {
	mtx    sync.Mutex
	groups map[string]memGroup
	clock  func() time.Time
}

type memGroup struct {
	raw     []byte
	expires time.Time
}

// NewMemStore returns an empty in-memory group store.
func NewMemStore() *MemStore {
	return &MemStore{groups: make(map[string]memGroup), clock: time.Now}
}

func (s *MemStore) Get(ctx context.Context, key string) (*Group, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e, ok := s.groups[key]
	if !ok || e.expires.Before(s.clock()) {
		delete(s.groups, key)
		return nil, nil
	}
	var g Group
	if err := json.Unmarshal(e.raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *MemStore) Save(ctx context.Context, g *Group) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.groups[g.Key] = memGroup{raw: raw, expires: s.clock().Add(groupTTL)}
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.groups, key)
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]*Group, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := s.clock()
	var out []*Group
	for key, e := range s.groups {
		if e.expires.Before(now) {
			delete(s.groups, key)
			continue
		}
		var g Group
		if err := json.Unmarshal(e.raw, &g); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, nil
}
