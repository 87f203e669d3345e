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

// Package types defines the domain model shared by the evaluation,
// grouping and notification subsystems. All timestamps are unix seconds;
// the group records derived from these types are serialized to a shared
// KV store and must stay free of pointer graphs.
package types

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// AlertStatus is the lifecycle state of an active alert event.
type AlertStatus string

const (
	StatusPending  AlertStatus = "pending"
	StatusFiring   AlertStatus = "firing"
	StatusResolved AlertStatus = "resolved"
)

// MatchOp is a silence matcher operator.
type MatchOp string

const (
	MatchEqual     MatchOp = "="
	MatchNotEqual  MatchOp = "!="
	MatchRegexp    MatchOp = "=~"
	MatchNotRegexp MatchOp = "!~"
)

// ChannelKind enumerates the supported notification channel kinds. The set
// is sealed; dispatch over it is exhaustive.
type ChannelKind string

const (
	ChannelFeishu   ChannelKind = "feishu"
	ChannelDingtalk ChannelKind = "dingtalk"
	ChannelWechat   ChannelKind = "wechat"
	ChannelEmail    ChannelKind = "email"
	ChannelWebhook  ChannelKind = "webhook"
)

// Valid reports whether k names a known channel kind.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelFeishu, ChannelDingtalk, ChannelWechat, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// RouteConfig is the per-rule routing configuration. The Enable* fields are
// pointers so that absent values default to true.
type RouteConfig struct {
	GroupBy                []string `json:"group_by"`
	NotificationChannels   []int64  `json:"notification_channels"`
	EnableGrouping         *bool    `json:"enable_grouping"`
	EnableRecoveryGrouping *bool    `json:"enable_recovery_grouping"`
}

// GroupingEnabled reports whether firing alerts of this rule are grouped.
func (r RouteConfig) GroupingEnabled() bool {
	return r.EnableGrouping == nil || *r.EnableGrouping
}

// RecoveryGroupingEnabled reports whether recovery notifications are grouped.
func (r RouteConfig) RecoveryGroupingEnabled() bool {
	return r.EnableRecoveryGrouping == nil || *r.EnableRecoveryGrouping
}

// Rule is an alerting rule. The expression is opaque and forwarded to the
// data source verbatim.
type Rule struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Expr         string            `json:"expr"`
	EvalInterval int64             `json:"eval_interval"` // seconds
	ForDuration  int64             `json:"for_duration"`  // seconds
	Severity     string            `json:"severity"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	Route        RouteConfig       `json:"route_config"`
	DataSourceID int64             `json:"datasource_id"`
	TenantID     int64             `json:"tenant_id"`
	ProjectID    int64             `json:"project_id"`
	Enabled      bool              `json:"is_enabled"`
}

// AuthKind selects the authentication scheme of a data source.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
)

// AuthConfig carries data-source credentials.
type AuthConfig struct {
	Kind     AuthKind `json:"kind"`
	Token    string   `json:"token,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// HTTPConfig carries data-source transport settings. VerifySSL is a pointer
// so that an absent value defaults to verification on.
type HTTPConfig struct {
	Timeout   int64 `json:"timeout"` // seconds, 0 means default
	VerifySSL *bool `json:"verify_ssl"`
}

// InsecureSkipVerify reports whether certificate verification is explicitly
// disabled for this data source.
func (h HTTPConfig) InsecureSkipVerify() bool {
	return h.VerifySSL != nil && !*h.VerifySSL
}

// DataSource is a time-series endpoint rules are evaluated against.
type DataSource struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	URL         string            `json:"url"`
	Auth        AuthConfig        `json:"auth_config"`
	HTTP        HTTPConfig        `json:"http_config"`
	ExtraLabels map[string]string `json:"extra_labels"`
	TenantID    int64             `json:"tenant_id"`
	Enabled     bool              `json:"is_enabled"`
}

// AlertEvent is an active alert identified by its fingerprint. There is at
// most one active event per fingerprint; rows transition in place.
type AlertEvent struct {
	Fingerprint string            `json:"fingerprint"`
	RuleID      int64             `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Status      AlertStatus       `json:"status"`
	Severity    string            `json:"severity"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Expr        string            `json:"expr"`
	StartedAt   int64             `json:"started_at"`
	LastEvalAt  int64             `json:"last_eval_at"`
	LastSentAt  int64             `json:"last_sent_at"`
	TenantID    int64             `json:"tenant_id"`
	ProjectID   int64             `json:"project_id"`
}

// AlertEventHistory is the immutable archive of a resolved AlertEvent.
type AlertEventHistory struct {
	Fingerprint string            `json:"fingerprint"`
	RuleID      int64             `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Status      AlertStatus       `json:"status"`
	Severity    string            `json:"severity"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Expr        string            `json:"expr"`
	StartedAt   int64             `json:"started_at"`
	ResolvedAt  int64             `json:"resolved_at"`
	Duration    int64             `json:"duration"`
	TenantID    int64             `json:"tenant_id"`
	ProjectID   int64             `json:"project_id"`
}

// Matcher is a single silence condition over one label.
type Matcher struct {
	Label string  `json:"label"`
	Op    MatchOp `json:"operator"`
	Value string  `json:"value"`
}

func (m Matcher) String() string {
	return fmt.Sprintf("%s %s %q", m.Label, m.Op, m.Value)
}

// SilenceRule suppresses notifications for alerts whose labels match all of
// its matchers while the rule is active.
type SilenceRule struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Matchers  []Matcher `json:"matchers"`
	StartsAt  int64     `json:"starts_at"`
	EndsAt    int64     `json:"ends_at"`
	Enabled   bool      `json:"is_enabled"`
	TenantID  int64     `json:"tenant_id"`
	ProjectID int64     `json:"project_id"`
}

// Active reports whether the silence is in effect at the given unix time.
func (s *SilenceRule) Active(now int64) bool {
	return s.Enabled && s.StartsAt <= now && now <= s.EndsAt
}

// FilterConfig restricts which alerts a channel receives. Keys map label
// names to accepted (include) or rejected (exclude) value sets.
type FilterConfig struct {
	IncludeLabels map[string][]string `json:"include_labels"`
	ExcludeLabels map[string][]string `json:"exclude_labels"`
}

// NotificationChannel is a delivery target. Config is an opaque per-kind
// mapping; the notifier for the kind decodes what it needs.
type NotificationChannel struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Kind      ChannelKind   `json:"kind"`
	Config    ChannelConfig `json:"config"`
	Filter    FilterConfig  `json:"filter_config"`
	Enabled   bool          `json:"is_enabled"`
	Default   bool          `json:"is_default"`
	TenantID  int64         `json:"tenant_id"`
	ProjectID int64         `json:"project_id"`
}

// NotificationRecord is an append-only delivery outcome for one
// (channel, alert) pair.
type NotificationRecord struct {
	ID               int64             `json:"id"`
	ChannelID        int64             `json:"channel_id"`
	ChannelName      string            `json:"channel_name"`
	ChannelKind      ChannelKind       `json:"channel_kind"`
	AlertFingerprint string            `json:"alert_fingerprint"`
	RuleName         string            `json:"rule_name"`
	Severity         string            `json:"severity"`
	Status           string            `json:"status"` // success | failed
	ErrorMessage     string            `json:"error_message,omitempty"`
	Content          map[string]string `json:"content"`
	SentAt           int64             `json:"sent_at"`
	TenantID         int64             `json:"tenant_id"`
}

// SMTPConfig is the process-wide mail settings stored under the
// "smtp_config" system-settings key.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"use_tls"`
	FromAddr string `json:"from_addr"`
}

// Fingerprint returns the stable identity of a (rule, label set) pair:
// hex(md5(ruleID ":" k1=v1,k2=v2,...)) with keys sorted. It is insensitive
// to label insertion order.
func Fingerprint(ruleID int64, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d:", ruleID)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MergeLabels overlays label maps left to right; later maps win on conflict.
// Used to build the effective label set datasource ⊕ series ⊕ rule.
func MergeLabels(ms ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// CommonLabels returns the label pairs shared by every set.
func CommonLabels(sets []map[string]string) map[string]string {
	if len(sets) == 0 {
		return map[string]string{}
	}
	common := make(map[string]string, len(sets[0]))
	for k, v := range sets[0] {
		common[k] = v
	}
	for _, ls := range sets[1:] {
		for k, v := range common {
			if ls[k] != v {
				delete(common, k)
			}
		}
	}
	return common
}
