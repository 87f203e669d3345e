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

// Package mem provides map-backed implementations of the store interfaces.
// It backs tests and single-process deployments without a database.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

// Store implements every repository interface over in-process maps. All
// methods are safe for concurrent use.
type Store struct {
	mtx         sync.RWMutex
	rules       map[int64]*types.Rule
	datasources map[int64]*types.DataSource
	events      map[string]*types.AlertEvent
	history     []*types.AlertEventHistory
	silences    map[int64]*types.SilenceRule
	channels    map[int64]*types.NotificationChannel
	records     []*types.NotificationRecord
	nextRecord  int64
	smtp        *types.SMTPConfig
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rules:       make(map[int64]*types.Rule),
		datasources: make(map[int64]*types.DataSource),
		events:      make(map[string]*types.AlertEvent),
		silences:    make(map[int64]*types.SilenceRule),
		channels:    make(map[int64]*types.NotificationChannel),
		nextRecord:  1,
	}
}

// Seeding helpers.

func (s *Store) SetRule(r *types.Rule) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.rules[r.ID] = r
}

func (s *Store) SetDataSource(ds *types.DataSource) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.datasources[ds.ID] = ds
}

func (s *Store) SetSilence(sil *types.SilenceRule) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.silences[sil.ID] = sil
}

func (s *Store) SetChannel(ch *types.NotificationChannel) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.channels[ch.ID] = ch
}

func (s *Store) SetSMTP(cfg *types.SMTPConfig) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.smtp = cfg
}

// RuleRepo.

func (s *Store) ListEnabled(ctx context.Context) ([]*types.Rule, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*types.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*types.Rule, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// DataSourceRepo.

func (s *Store) GetEnabled(ctx context.Context, id int64) (*types.DataSource, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ds, ok := s.datasources[id]
	if !ok || !ds.Enabled {
		return nil, store.ErrNotFound
	}
	return ds, nil
}

// EventRepo. The transaction stages mutations on a copy of the event map
// and swaps it in on success, so a failed tick leaves no partial state.

type eventTx struct {
	events  map[string]*types.AlertEvent
	archive []*types.AlertEventHistory
}

func (tx *eventTx) EventsByRule(ctx context.Context, ruleID int64) ([]*types.AlertEvent, error) {
	out := []*types.AlertEvent{}
	for _, ev := range tx.events {
		if ev.RuleID == ruleID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (tx *eventTx) Upsert(ctx context.Context, ev *types.AlertEvent) error {
	cp := *ev
	tx.events[ev.Fingerprint] = &cp
	return nil
}

func (tx *eventTx) Delete(ctx context.Context, fingerprint string) error {
	delete(tx.events, fingerprint)
	return nil
}

func (tx *eventTx) Archive(ctx context.Context, h *types.AlertEventHistory) error {
	cp := *h
	tx.archive = append(tx.archive, &cp)
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.EventTx) error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx := &eventTx{events: make(map[string]*types.AlertEvent, len(s.events))}
	for fp, ev := range s.events {
		cp := *ev
		tx.events[fp] = &cp
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.events = tx.events
	s.history = append(s.history, tx.archive...)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, fingerprint string) (*types.AlertEvent, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ev, ok := s.events[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Store) TouchLastSent(ctx context.Context, fingerprints []string, at int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, fp := range fingerprints {
		if ev, ok := s.events[fp]; ok {
			ev.LastSentAt = at
		}
	}
	return nil
}

// HistoryRepo.

func (s *Store) ListByRule(ctx context.Context, ruleID int64, limit int) ([]*types.AlertEventHistory, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := []*types.AlertEventHistory{}
	// Newest first.
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].RuleID != ruleID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SilenceRepo.

func (s *Store) ListActive(ctx context.Context, tenantID, now int64) ([]*types.SilenceRule, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := []*types.SilenceRule{}
	for _, sil := range s.silences {
		if sil.TenantID == tenantID && sil.Active(now) {
			out = append(out, sil)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChannelRepo.

func (s *Store) ListByIDs(ctx context.Context, tenantID int64, ids []int64) ([]*types.NotificationChannel, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := []*types.NotificationChannel{}
	for _, id := range ids {
		ch, ok := s.channels[id]
		if ok && ch.TenantID == tenantID && ch.Enabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *Store) ListDefault(ctx context.Context, tenantID int64) ([]*types.NotificationChannel, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := []*types.NotificationChannel{}
	for _, ch := range s.channels {
		if ch.TenantID == tenantID && ch.Enabled && ch.Default {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordRepo.

func (s *Store) Append(ctx context.Context, rec *types.NotificationRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *rec
	cp.ID = s.nextRecord
	s.nextRecord++
	s.records = append(s.records, &cp)
	return nil
}

// Records returns a snapshot of the appended notification records.
func (s *Store) Records() []*types.NotificationRecord {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*types.NotificationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// SettingsRepo.

func (s *Store) SMTP(ctx context.Context) (*types.SMTPConfig, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.smtp == nil {
		return nil, store.ErrNotFound
	}
	return s.smtp, nil
}
