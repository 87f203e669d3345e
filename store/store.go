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

// Package store declares the repository interfaces the engine consumes.
// Rules, data sources, channels and silences are owned by the CRUD
// collaborators and only read here; alert events are owned by the evaluator.
package store

import (
	"context"
	"errors"

	"github.com/alertflow-io/alertflow/types"
)

// ErrNotFound is returned when a repository cannot find the requested row.
var ErrNotFound = errors.New("store: not found")

// RuleRepo reads alerting rules.
type RuleRepo interface {
	// ListEnabled returns all enabled rules across tenants.
	ListEnabled(ctx context.Context) ([]*types.Rule, error)
	Get(ctx context.Context, id int64) (*types.Rule, error)
}

// DataSourceRepo reads data sources.
type DataSourceRepo interface {
	// GetEnabled returns the data source only if it exists and is enabled.
	GetEnabled(ctx context.Context, id int64) (*types.DataSource, error)
}

// EventTx is the transactional view of active alert events for one rule
// tick. All mutations issued through it commit or roll back together.
type EventTx interface {
	// EventsByRule returns every active event of the rule, any status.
	EventsByRule(ctx context.Context, ruleID int64) ([]*types.AlertEvent, error)
	// Upsert inserts the event or updates the row with the same fingerprint.
	Upsert(ctx context.Context, ev *types.AlertEvent) error
	// Delete removes the active event with the fingerprint.
	Delete(ctx context.Context, fingerprint string) error
	// Archive appends a history row for a resolved event.
	Archive(ctx context.Context, h *types.AlertEventHistory) error
}

// EventRepo owns active alert events and their history. The evaluator is
// the only writer; the fingerprint is the primary key, so there is at most
// one writer per fingerprint at any instant.
type EventRepo interface {
	// InTx runs fn inside one transaction on an independent session.
	// fn returning an error rolls the transaction back.
	InTx(ctx context.Context, fn func(tx EventTx) error) error

	GetEvent(ctx context.Context, fingerprint string) (*types.AlertEvent, error)
	// TouchLastSent stamps last_sent_at on the given fingerprints. Used
	// outside rule ticks, after a group dispatch.
	TouchLastSent(ctx context.Context, fingerprints []string, at int64) error
}

// HistoryRepo reads the archived events.
type HistoryRepo interface {
	ListByRule(ctx context.Context, ruleID int64, limit int) ([]*types.AlertEventHistory, error)
}

// SilenceRepo reads silence rules.
type SilenceRepo interface {
	// ListActive returns enabled silences of the tenant whose window
	// contains now (unix seconds).
	ListActive(ctx context.Context, tenantID, now int64) ([]*types.SilenceRule, error)
}

// ChannelRepo reads notification channels.
type ChannelRepo interface {
	// ListByIDs returns the enabled channels of the tenant among ids.
	ListByIDs(ctx context.Context, tenantID int64, ids []int64) ([]*types.NotificationChannel, error)
	// ListDefault returns the tenant's enabled channels marked default.
	ListDefault(ctx context.Context, tenantID int64) ([]*types.NotificationChannel, error)
}

// RecordRepo appends notification delivery outcomes. Records are
// append-only.
type RecordRepo interface {
	Append(ctx context.Context, rec *types.NotificationRecord) error
}

// SettingsRepo reads process-wide system settings.
type SettingsRepo interface {
	// SMTP returns the settings stored under key "smtp_config", or
	// ErrNotFound when mail is not configured.
	SMTP(ctx context.Context) (*types.SMTPConfig, error)
}
