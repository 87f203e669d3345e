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

// Package config loads the engine configuration from YAML. Sections carry
// their defaults through UnmarshalYAML so a partial file only overrides what
// it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level engine configuration.
type Config struct {
	ListenAddress string          `yaml:"listen_address"`
	Database      DatabaseConfig  `yaml:"database"`
	Redis         RedisConfig     `yaml:"redis"`
	Grouping      GroupingConfig  `yaml:"grouping"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
}

// DefaultConfig holds the defaults applied before parsing.
var DefaultConfig = Config{
	ListenAddress: ":9080",
	Grouping:      DefaultGroupingConfig,
	Scheduler:     DefaultSchedulerConfig,
}

// DatabaseConfig selects the relational store. An empty DSN runs the engine
// on the in-memory repositories.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig selects the shared KV store. An empty address falls back to
// the in-memory group store and lock manager (single-node operation).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GroupingConfig carries the three grouping timers in seconds.
type GroupingConfig struct {
	GroupWait      int `yaml:"group_wait"`
	GroupInterval  int `yaml:"group_interval"`
	RepeatInterval int `yaml:"repeat_interval"`
}

// DefaultGroupingConfig mirrors the grouper defaults.
var DefaultGroupingConfig = GroupingConfig{
	GroupWait:      10,
	GroupInterval:  30,
	RepeatInterval: 3600,
}

// UnmarshalYAML implements yaml.Unmarshaler with defaults.
func (c *GroupingConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultGroupingConfig
	type plain GroupingConfig
	return unmarshal((*plain)(c))
}

// SchedulerConfig carries the evaluation fan-out period in seconds.
type SchedulerConfig struct {
	TickInterval int `yaml:"tick_interval"`
}

// DefaultSchedulerConfig mirrors the scheduler default.
var DefaultSchedulerConfig = SchedulerConfig{TickInterval: 15}

// UnmarshalYAML implements yaml.Unmarshaler with defaults.
func (c *SchedulerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultSchedulerConfig
	type plain SchedulerConfig
	return unmarshal((*plain)(c))
}

// UnmarshalYAML implements yaml.Unmarshaler with defaults.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	return unmarshal((*plain)(c))
}

// GroupWaitDuration returns the timer as a duration.
func (c GroupingConfig) GroupWaitDuration() time.Duration {
	return time.Duration(c.GroupWait) * time.Second
}

func (c GroupingConfig) GroupIntervalDuration() time.Duration {
	return time.Duration(c.GroupInterval) * time.Second
}

func (c GroupingConfig) RepeatIntervalDuration() time.Duration {
	return time.Duration(c.RepeatInterval) * time.Second
}

// TickIntervalDuration returns the fan-out period as a duration.
func (c SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(c.TickInterval) * time.Second
}

// Load parses a configuration from YAML bytes.
func Load(data []byte) (*Config, error) {
	cfg := DefaultConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.Grouping.GroupWait <= 0 || c.Grouping.GroupInterval <= 0 || c.Grouping.RepeatInterval <= 0 {
		return fmt.Errorf("grouping timers must be positive")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick_interval must be positive")
	}
	return nil
}
