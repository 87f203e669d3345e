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

// Package postgres implements the store interfaces on PostgreSQL via pgx.
// Label sets, annotations, matcher lists and channel configs live in jsonb
// columns and are decoded straight into the domain types.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

//go:embed schema.sql
var schema string

// Store implements every repository interface over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, dsn string, l *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: l.With("component", "store")}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RuleRepo.

const ruleColumns = `id, name, expr, eval_interval, for_duration, severity,
	labels, annotations, route_config, datasource_id, tenant_id, project_id, is_enabled`

func scanRule(row pgx.CollectableRow) (*types.Rule, error) {
	var r types.Rule
	err := row.Scan(&r.ID, &r.Name, &r.Expr, &r.EvalInterval, &r.ForDuration,
		&r.Severity, &r.Labels, &r.Annotations, &r.Route, &r.DataSourceID,
		&r.TenantID, &r.ProjectID, &r.Enabled)
	return &r, err
}

func (s *Store) ListEnabled(ctx context.Context) ([]*types.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE is_enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return pgx.CollectRows(rows, scanRule)
}

func (s *Store) Get(ctx context.Context, id int64) (*types.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, scanRule)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

// DataSourceRepo.

func (s *Store) GetEnabled(ctx context.Context, id int64) (*types.DataSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, kind, url, auth_config, http_config, extra_labels,
			tenant_id, is_enabled
		FROM datasources WHERE id = $1 AND is_enabled`, id)
	if err != nil {
		return nil, fmt.Errorf("get datasource: %w", err)
	}
	ds, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (*types.DataSource, error) {
		var d types.DataSource
		err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.URL, &d.Auth, &d.HTTP,
			&d.ExtraLabels, &d.TenantID, &d.Enabled)
		return &d, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ds, err
}

// EventRepo.

const eventColumns = `fingerprint, rule_id, rule_name, status, severity, value,
	labels, annotations, expr, started_at, last_eval_at, last_sent_at,
	tenant_id, project_id`

func scanEvent(row pgx.CollectableRow) (*types.AlertEvent, error) {
	var ev types.AlertEvent
	err := row.Scan(&ev.Fingerprint, &ev.RuleID, &ev.RuleName, &ev.Status,
		&ev.Severity, &ev.Value, &ev.Labels, &ev.Annotations, &ev.Expr,
		&ev.StartedAt, &ev.LastEvalAt, &ev.LastSentAt, &ev.TenantID, &ev.ProjectID)
	return &ev, err
}

type eventTx struct {
	tx pgx.Tx
}

func (e *eventTx) EventsByRule(ctx context.Context, ruleID int64) ([]*types.AlertEvent, error) {
	// FOR UPDATE serializes concurrent ticks of the same rule.
	rows, err := e.tx.Query(ctx,
		`SELECT `+eventColumns+` FROM alert_events WHERE rule_id = $1 FOR UPDATE`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

func (e *eventTx) Upsert(ctx context.Context, ev *types.AlertEvent) error {
	_, err := e.tx.Exec(ctx,
		`INSERT INTO alert_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (fingerprint) DO UPDATE SET
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			value = EXCLUDED.value,
			labels = EXCLUDED.labels,
			annotations = EXCLUDED.annotations,
			started_at = EXCLUDED.started_at,
			last_eval_at = EXCLUDED.last_eval_at,
			last_sent_at = EXCLUDED.last_sent_at`,
		ev.Fingerprint, ev.RuleID, ev.RuleName, ev.Status, ev.Severity, ev.Value,
		ev.Labels, ev.Annotations, ev.Expr, ev.StartedAt, ev.LastEvalAt,
		ev.LastSentAt, ev.TenantID, ev.ProjectID)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.Fingerprint, err)
	}
	return nil
}

func (e *eventTx) Delete(ctx context.Context, fingerprint string) error {
	if _, err := e.tx.Exec(ctx,
		`DELETE FROM alert_events WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("delete event %s: %w", fingerprint, err)
	}
	return nil
}

func (e *eventTx) Archive(ctx context.Context, h *types.AlertEventHistory) error {
	_, err := e.tx.Exec(ctx,
		`INSERT INTO alert_event_history (fingerprint, rule_id, rule_name, status,
			severity, value, labels, annotations, expr, started_at, resolved_at,
			duration, tenant_id, project_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		h.Fingerprint, h.RuleID, h.RuleName, h.Status, h.Severity, h.Value,
		h.Labels, h.Annotations, h.Expr, h.StartedAt, h.ResolvedAt, h.Duration,
		h.TenantID, h.ProjectID)
	if err != nil {
		return fmt.Errorf("archive event %s: %w", h.Fingerprint, err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.EventTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&eventTx{tx: tx})
	})
}

func (s *Store) GetEvent(ctx context.Context, fingerprint string) (*types.AlertEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM alert_events WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev, err := pgx.CollectOneRow(rows, scanEvent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) TouchLastSent(ctx context.Context, fingerprints []string, at int64) error {
	if len(fingerprints) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE alert_events SET last_sent_at = $2 WHERE fingerprint = ANY($1)`,
		fingerprints, at)
	if err != nil {
		return fmt.Errorf("touch last_sent_at: %w", err)
	}
	return nil
}

// HistoryRepo.

func (s *Store) ListByRule(ctx context.Context, ruleID int64, limit int) ([]*types.AlertEventHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, rule_id, rule_name, status, severity, value, labels,
			annotations, expr, started_at, resolved_at, duration, tenant_id, project_id
		FROM alert_event_history WHERE rule_id = $1
		ORDER BY resolved_at DESC LIMIT $2`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.AlertEventHistory, error) {
		var h types.AlertEventHistory
		err := row.Scan(&h.Fingerprint, &h.RuleID, &h.RuleName, &h.Status,
			&h.Severity, &h.Value, &h.Labels, &h.Annotations, &h.Expr,
			&h.StartedAt, &h.ResolvedAt, &h.Duration, &h.TenantID, &h.ProjectID)
		return &h, err
	})
}

// SilenceRepo.

func (s *Store) ListActive(ctx context.Context, tenantID, now int64) ([]*types.SilenceRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, matchers, starts_at, ends_at, is_enabled, tenant_id, project_id
		FROM silence_rules
		WHERE tenant_id = $1 AND is_enabled AND starts_at <= $2 AND ends_at >= $2
		ORDER BY id`, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("list silences: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.SilenceRule, error) {
		var sr types.SilenceRule
		err := row.Scan(&sr.ID, &sr.Name, &sr.Matchers, &sr.StartsAt, &sr.EndsAt,
			&sr.Enabled, &sr.TenantID, &sr.ProjectID)
		return &sr, err
	})
}

// ChannelRepo.

const channelColumns = `id, name, kind, config, filter_config, is_enabled,
	is_default, tenant_id, project_id`

func scanChannel(row pgx.CollectableRow) (*types.NotificationChannel, error) {
	var ch types.NotificationChannel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.Config, &ch.Filter,
		&ch.Enabled, &ch.Default, &ch.TenantID, &ch.ProjectID)
	return &ch, err
}

func (s *Store) ListByIDs(ctx context.Context, tenantID int64, ids []int64) ([]*types.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM notification_channels
		WHERE tenant_id = $1 AND id = ANY($2) AND is_enabled ORDER BY id`,
		tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return pgx.CollectRows(rows, scanChannel)
}

func (s *Store) ListDefault(ctx context.Context, tenantID int64) ([]*types.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM notification_channels
		WHERE tenant_id = $1 AND is_enabled AND is_default ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list default channels: %w", err)
	}
	return pgx.CollectRows(rows, scanChannel)
}

// RecordRepo.

func (s *Store) Append(ctx context.Context, rec *types.NotificationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_records (channel_id, channel_name, channel_kind,
			alert_fingerprint, rule_name, severity, status, error_message,
			content, sent_at, tenant_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ChannelID, rec.ChannelName, rec.ChannelKind, rec.AlertFingerprint,
		rec.RuleName, rec.Severity, rec.Status, rec.ErrorMessage, rec.Content,
		rec.SentAt, rec.TenantID)
	if err != nil {
		return fmt.Errorf("append notification record: %w", err)
	}
	return nil
}

// SettingsRepo.

func (s *Store) SMTP(ctx context.Context) (*types.SMTPConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM system_settings WHERE key = 'smtp_config'`)
	if err != nil {
		return nil, fmt.Errorf("get smtp settings: %w", err)
	}
	cfg, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (*types.SMTPConfig, error) {
		var c types.SMTPConfig
		err := row.Scan(&c)
		return &c, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return cfg, err
}
