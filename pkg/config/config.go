/*
Copyright 2024 The Traffic Warden Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the traffic-warden configuration.
// Settings come from a YAML file with WARDEN_-prefixed environment
// variables taking precedence.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ExceedAction is the destructive action run when a server reaches 100%
// of its traffic limit.
type ExceedAction string

const (
	// ExceedActionNone disables automatic actions on exceed.
	ExceedActionNone ExceedAction = ""
	// ExceedActionRebuild deletes the server and recreates it from its
	// mapped snapshot, keeping the billing window fresh.
	ExceedActionRebuild ExceedAction = "rebuild"
	// ExceedActionDelete deletes the server without recreating it.
	ExceedActionDelete ExceedAction = "delete"
)

// RecordMapping maps a server (by id or name) to a Cloudflare A record.
// ZoneID and APIToken override the global Cloudflare credentials when set.
type RecordMapping struct {
	Record   string `mapstructure:"record"`
	ZoneID   string `mapstructure:"zone_id"`
	APIToken string `mapstructure:"api_token"`
}

// Template describes how replacement servers are created.
type Template struct {
	ServerType string   `mapstructure:"server_type"`
	Location   string   `mapstructure:"location"`
	SSHKeys    []string `mapstructure:"ssh_keys"`
}

// HetznerConfig holds cloud API credentials and fleet scoping.
type HetznerConfig struct {
	APIToken string `mapstructure:"api_token"`
	// Labels restricts the governed fleet to servers carrying all of
	// these labels. Empty means every server in the project.
	Labels map[string]string `mapstructure:"labels"`
}

// TrafficConfig configures the threshold engine and the poll loop.
type TrafficConfig struct {
	LimitGB              float64      `mapstructure:"limit_gb"`
	ExceedAction         ExceedAction `mapstructure:"exceed_action"`
	CheckIntervalMinutes int          `mapstructure:"check_interval_minutes"`
	NotifyLevels         []int        `mapstructure:"notify_levels"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BotToken        string `mapstructure:"bot_token"`
	ChatID          int64  `mapstructure:"chat_id"`
	DailyReportTime string `mapstructure:"daily_report_time"`
}

// CloudflareConfig configures DNS reconciliation.
type CloudflareConfig struct {
	APIToken    string                   `mapstructure:"api_token"`
	ZoneID      string                   `mapstructure:"zone_id"`
	SyncOnStart bool                     `mapstructure:"sync_on_start"`
	RecordMap   map[string]RecordMapping `mapstructure:"record_map"`
}

// RebuildConfig configures how exceeded servers are replaced.
type RebuildConfig struct {
	// InPlace reimages the server with its mapped snapshot instead of
	// deleting and recreating it. The server keeps its id and IP, so no
	// DNS update is needed, but the provider's traffic counter keeps
	// running where delete+create would start a fresh billing window.
	InPlace bool `mapstructure:"in_place"`
	// SnapshotIDMap maps a server id or name to the snapshot used when
	// recreating it. Servers without an entry use the newest snapshot.
	SnapshotIDMap map[string]int64 `mapstructure:"snapshot_id_map"`
	// FallbackTemplate is used when creating servers from snapshots
	// without a live server to copy type and location from.
	FallbackTemplate Template `mapstructure:"fallback_template"`
	// UseOriginalName keeps the old server name on rebuild so DNS
	// mappings keyed by name stay valid.
	UseOriginalName bool `mapstructure:"use_original_name"`
}

// WhitelistConfig protects servers from scheduled delete-all runs.
type WhitelistConfig struct {
	ServerIDs   []int64  `mapstructure:"server_ids"`
	ServerNames []string `mapstructure:"server_names"`
}

// SchedulerConfig provides the initial schedule. Runtime changes made via
// chat commands are persisted in the state store, not written back here.
type SchedulerConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	DeleteTimes []string `mapstructure:"delete_times"`
	CreateTimes []string `mapstructure:"create_times"`
}

// APIConfig configures the dashboard-boundary HTTP API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the root configuration document.
type Config struct {
	Hetzner    HetznerConfig    `mapstructure:"hetzner"`
	Traffic    TrafficConfig    `mapstructure:"traffic"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Cloudflare CloudflareConfig `mapstructure:"cloudflare"`
	Rebuild    RebuildConfig    `mapstructure:"rebuild"`
	Whitelist  WhitelistConfig  `mapstructure:"whitelist"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	API        APIConfig        `mapstructure:"api"`
	StatePath  string           `mapstructure:"state_path"`
}

// LimitBytes returns the traffic limit in bytes, or 0 when unset.
func (c *Config) LimitBytes() uint64 {
	if c.Traffic.LimitGB <= 0 {
		return 0
	}
	return uint64(c.Traffic.LimitGB * 1024 * 1024 * 1024)
}

// IsWhitelisted reports whether a server must never be deleted by the
// scheduler.
func (c *Config) IsWhitelisted(id int64, name string) bool {
	for _, wid := range c.Whitelist.ServerIDs {
		if wid == id {
			return true
		}
	}
	for _, wname := range c.Whitelist.ServerNames {
		if wname == name {
			return true
		}
	}
	return false
}

// Load reads the configuration from path (or ./config.yaml when empty)
// and applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("traffic.check_interval_minutes", 5)
	v.SetDefault("traffic.notify_levels", []int{80, 90, 95, 100})
	v.SetDefault("state_path", "warden_state.json")
	v.SetDefault("api.addr", ":8080")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/traffic-warden")
	}

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	normalizeLevels(&cfg)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Hetzner.APIToken == "" {
		return fmt.Errorf("hetzner.api_token must be set")
	}
	switch c.Traffic.ExceedAction {
	case ExceedActionNone, ExceedActionRebuild, ExceedActionDelete:
	default:
		return fmt.Errorf("traffic.exceed_action must be %q or %q, got %q",
			ExceedActionRebuild, ExceedActionDelete, c.Traffic.ExceedAction)
	}
	if c.Traffic.CheckIntervalMinutes < 1 {
		return fmt.Errorf("traffic.check_interval_minutes must be >= 1")
	}
	return nil
}

// normalizeLevels sorts warning levels ascending and drops non-positive
// duplicates so the threshold engine can rely on ordering.
func normalizeLevels(c *Config) {
	seen := make(map[int]struct{})
	levels := make([]int, 0, len(c.Traffic.NotifyLevels))
	for _, l := range c.Traffic.NotifyLevels {
		if l <= 0 {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		levels = append(levels, l)
	}
	sort.Ints(levels)
	c.Traffic.NotifyLevels = levels
}
