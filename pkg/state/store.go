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

// Package state persists everything the monitor must remember across
// restarts: per-server traffic windows, the schedule and its fired-today
// markers, runtime id mappings, the audit tail and report snapshots.
// The whole document is replaced atomically on every mutation.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/schedule"
	"github.com/syself/traffic-warden/pkg/traffic"
)

// maxActionTail bounds the persisted audit log; older entries are
// pruned, never mutated.
const maxActionTail = 200

// maxHourlyKeys bounds the hourly snapshot series (45 days).
const maxHourlyKeys = 45 * 24

// ServerSnapshot is one server's cumulative counters at a point in time,
// used by the report window and the hourly series.
type ServerSnapshot struct {
	Name          string `json:"name"`
	OutboundBytes uint64 `json:"outbound_bytes"`
	InboundBytes  uint64 `json:"inbound_bytes"`
}

// ReportState holds the manual-report window and the hourly snapshot
// series keyed by "2006-01-02 15:00".
type ReportState struct {
	LastTime string                               `json:"last_time,omitempty"`
	Servers  map[string]ServerSnapshot            `json:"servers,omitempty"`
	Hourly   map[string]map[string]ServerSnapshot `json:"hourly,omitempty"`
}

// document is the persisted state file layout.
type document struct {
	Windows       map[string]*traffic.WindowState `json:"windows"`
	Schedule      schedule.Config                 `json:"schedule"`
	FiredToday    map[string]string               `json:"fired_today,omitempty"`
	SnapshotIDMap map[string]int64                `json:"snapshot_id_map,omitempty"`
	RecordMap     map[string]config.RecordMapping `json:"record_map,omitempty"`
	Actions       []action.Record                 `json:"actions,omitempty"`
	Report        ReportState                     `json:"report"`
}

func emptyDocument() document {
	return document{
		Windows:       make(map[string]*traffic.WindowState),
		FiredToday:    make(map[string]string),
		SnapshotIDMap: make(map[string]int64),
		RecordMap:     make(map[string]config.RecordMapping),
		Report: ReportState{
			Servers: make(map[string]ServerSnapshot),
			Hourly:  make(map[string]map[string]ServerSnapshot),
		},
	}
}

// Store is the durable state store. All access goes through its mutex;
// every mutating method persists before returning.
type Store struct {
	path string
	log  *zap.Logger

	mu  sync.Mutex
	doc document
}

// NewStore creates a store backed by the file at path. Call Load before
// first use.
func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log, doc: emptyDocument()}
}

func (s *Store) lock()   { s.mu.Lock() }
func (s *Store) unlock() { s.mu.Unlock() }

// Key converts a server id to its state-file map key.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Load reads the state file. A missing file is an empty state; a corrupt
// file is logged loudly and replaced by empty state instead of failing
// startup.
func (s *Store) Load() error {
	s.lock()
	defer s.unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = emptyDocument()
			return nil
		}
		return fmt.Errorf("reading state file %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Error("state file is corrupt, starting from empty state",
			zap.String("path", s.path), zap.Error(err))
		s.doc = emptyDocument()
		return nil
	}
	normalize(&doc)
	s.doc = doc
	return nil
}

func normalize(doc *document) {
	if doc.Windows == nil {
		doc.Windows = make(map[string]*traffic.WindowState)
	}
	if doc.FiredToday == nil {
		doc.FiredToday = make(map[string]string)
	}
	if doc.SnapshotIDMap == nil {
		doc.SnapshotIDMap = make(map[string]int64)
	}
	if doc.RecordMap == nil {
		doc.RecordMap = make(map[string]config.RecordMapping)
	}
	if doc.Report.Servers == nil {
		doc.Report.Servers = make(map[string]ServerSnapshot)
	}
	if doc.Report.Hourly == nil {
		doc.Report.Hourly = make(map[string]map[string]ServerSnapshot)
	}
}

// save writes the document atomically: temp file in the same directory,
// fsync, rename. Must be called with the lock held.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".warden-state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// SeedFromConfig copies the configured schedule and id maps into the
// state document on first start. Already-persisted values win so chat
// commands survive restarts.
func (s *Store) SeedFromConfig(cfg *config.Config) error {
	s.lock()
	defer s.unlock()

	changed := false
	if len(s.doc.SnapshotIDMap) == 0 && len(cfg.Rebuild.SnapshotIDMap) > 0 {
		for k, v := range cfg.Rebuild.SnapshotIDMap {
			s.doc.SnapshotIDMap[k] = v
		}
		changed = true
	}
	if len(s.doc.RecordMap) == 0 && len(cfg.Cloudflare.RecordMap) > 0 {
		for k, v := range cfg.Cloudflare.RecordMap {
			s.doc.RecordMap[k] = v
		}
		changed = true
	}
	unset := !s.doc.Schedule.Enabled && len(s.doc.Schedule.DeleteTimes) == 0 && len(s.doc.Schedule.CreateTimes) == 0
	if unset && (cfg.Scheduler.Enabled || len(cfg.Scheduler.DeleteTimes) > 0 || len(cfg.Scheduler.CreateTimes) > 0) {
		s.doc.Schedule = schedule.Config{
			Enabled:     cfg.Scheduler.Enabled,
			DeleteTimes: cfg.Scheduler.DeleteTimes,
			CreateTimes: cfg.Scheduler.CreateTimes,
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return s.save()
}

// Window returns a copy of the server's window state and whether it
// exists.
func (s *Store) Window(id int64) (traffic.WindowState, bool) {
	s.lock()
	defer s.unlock()
	w, ok := s.doc.Windows[Key(id)]
	if !ok {
		return traffic.WindowState{}, false
	}
	return *w, true
}

// SetWindow persists a window state.
func (s *Store) SetWindow(w traffic.WindowState) error {
	s.lock()
	defer s.unlock()
	copied := w
	s.doc.Windows[Key(w.ServerID)] = &copied
	return s.save()
}

// DeleteWindow drops the window of a server that no longer exists.
func (s *Store) DeleteWindow(id int64) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.doc.Windows[Key(id)]; !ok {
		return nil
	}
	delete(s.doc.Windows, Key(id))
	return s.save()
}

// Windows returns a copy of all window states keyed by server id.
func (s *Store) Windows() map[int64]traffic.WindowState {
	s.lock()
	defer s.unlock()
	out := make(map[int64]traffic.WindowState, len(s.doc.Windows))
	for k, w := range s.doc.Windows {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = *w
	}
	return out
}

// Schedule returns the current schedule config.
func (s *Store) Schedule() schedule.Config {
	s.lock()
	defer s.unlock()
	return s.doc.Schedule
}

// SetSchedule replaces the schedule config.
func (s *Store) SetSchedule(cfg schedule.Config) error {
	s.lock()
	defer s.unlock()
	s.doc.Schedule = cfg
	return s.save()
}

// SetScheduleEnabled toggles the schedule without touching its times.
func (s *Store) SetScheduleEnabled(enabled bool) error {
	s.lock()
	defer s.unlock()
	s.doc.Schedule.Enabled = enabled
	return s.save()
}

// FiredToday returns a copy of the fired-today markers.
func (s *Store) FiredToday() map[string]string {
	s.lock()
	defer s.unlock()
	out := make(map[string]string, len(s.doc.FiredToday))
	for k, v := range s.doc.FiredToday {
		out[k] = v
	}
	return out
}

// MarkFired records that a schedule task ran on the given date and
// prunes markers from other days (the midnight rollover).
func (s *Store) MarkFired(taskKey, date string) error {
	s.lock()
	defer s.unlock()
	for k, v := range s.doc.FiredToday {
		if v != date {
			delete(s.doc.FiredToday, k)
		}
	}
	s.doc.FiredToday[taskKey] = date
	return s.save()
}

// SnapshotID resolves the snapshot mapped to any of the given keys
// (server id string or name), preferring earlier keys.
func (s *Store) SnapshotID(keys ...string) (int64, bool) {
	s.lock()
	defer s.unlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if id, ok := s.doc.SnapshotIDMap[k]; ok {
			return id, true
		}
	}
	return 0, false
}

// SnapshotIDMap returns a copy of the runtime snapshot map.
func (s *Store) SnapshotIDMap() map[string]int64 {
	s.lock()
	defer s.unlock()
	out := make(map[string]int64, len(s.doc.SnapshotIDMap))
	for k, v := range s.doc.SnapshotIDMap {
		out[k] = v
	}
	return out
}

// RecordMapping resolves the DNS record mapped to any of the given keys.
func (s *Store) RecordMapping(keys ...string) (config.RecordMapping, bool) {
	s.lock()
	defer s.unlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if m, ok := s.doc.RecordMap[k]; ok {
			return m, true
		}
	}
	return config.RecordMapping{}, false
}

// RecordMap returns a copy of the runtime DNS record map.
func (s *Store) RecordMap() map[string]config.RecordMapping {
	s.lock()
	defer s.unlock()
	out := make(map[string]config.RecordMapping, len(s.doc.RecordMap))
	for k, v := range s.doc.RecordMap {
		out[k] = v
	}
	return out
}

// RemapServer moves snapshot and record map entries from the old id key
// to the new server id after a delete+create, so follow-up actions find
// the replacement.
func (s *Store) RemapServer(oldKey string, newID int64) error {
	s.lock()
	defer s.unlock()
	newKey := Key(newID)
	if oldKey == newKey {
		return nil
	}
	changed := false
	if snap, ok := s.doc.SnapshotIDMap[oldKey]; ok {
		s.doc.SnapshotIDMap[newKey] = snap
		delete(s.doc.SnapshotIDMap, oldKey)
		changed = true
	}
	if rec, ok := s.doc.RecordMap[oldKey]; ok {
		s.doc.RecordMap[newKey] = rec
		delete(s.doc.RecordMap, oldKey)
		changed = true
	}
	if !changed {
		return nil
	}
	return s.save()
}

// AppendAction appends an audit record, pruning the tail.
func (s *Store) AppendAction(rec action.Record) error {
	s.lock()
	defer s.unlock()
	s.doc.Actions = append(s.doc.Actions, rec)
	if len(s.doc.Actions) > maxActionTail {
		s.doc.Actions = s.doc.Actions[len(s.doc.Actions)-maxActionTail:]
	}
	return s.save()
}

// Actions returns a copy of the audit tail, oldest first.
func (s *Store) Actions() []action.Record {
	s.lock()
	defer s.unlock()
	out := make([]action.Record, len(s.doc.Actions))
	copy(out, s.doc.Actions)
	return out
}

// Report returns a copy of the report state.
func (s *Store) Report() ReportState {
	s.lock()
	defer s.unlock()
	return copyReport(s.doc.Report)
}

func copyReport(r ReportState) ReportState {
	out := ReportState{
		LastTime: r.LastTime,
		Servers:  make(map[string]ServerSnapshot, len(r.Servers)),
		Hourly:   make(map[string]map[string]ServerSnapshot, len(r.Hourly)),
	}
	for k, v := range r.Servers {
		out.Servers[k] = v
	}
	for hour, snap := range r.Hourly {
		inner := make(map[string]ServerSnapshot, len(snap))
		for k, v := range snap {
			inner[k] = v
		}
		out.Hourly[hour] = inner
	}
	return out
}

// SetReportWindow stores the last manual-report time and snapshot.
func (s *Store) SetReportWindow(lastTime string, servers map[string]ServerSnapshot) error {
	s.lock()
	defer s.unlock()
	s.doc.Report.LastTime = lastTime
	s.doc.Report.Servers = servers
	return s.save()
}

// ResetReport clears the manual-report window and the hourly series.
func (s *Store) ResetReport() error {
	s.lock()
	defer s.unlock()
	s.doc.Report = ReportState{
		Servers: make(map[string]ServerSnapshot),
		Hourly:  make(map[string]map[string]ServerSnapshot),
	}
	return s.save()
}

// RecordHourly stores one hourly snapshot if the hour key is not yet
// present. Returns true when a snapshot was added.
func (s *Store) RecordHourly(hourKey string, snapshot map[string]ServerSnapshot) (bool, error) {
	s.lock()
	defer s.unlock()
	if _, ok := s.doc.Report.Hourly[hourKey]; ok {
		return false, nil
	}
	s.doc.Report.Hourly[hourKey] = snapshot
	s.pruneHourly()
	return true, s.save()
}

func (s *Store) pruneHourly() {
	if len(s.doc.Report.Hourly) <= maxHourlyKeys {
		return
	}
	keys := make([]string, 0, len(s.doc.Report.Hourly))
	for k := range s.doc.Report.Hourly {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-maxHourlyKeys] {
		delete(s.doc.Report.Hourly, k)
	}
}
