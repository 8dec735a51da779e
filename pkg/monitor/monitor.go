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

// Package monitor runs the poll loop: it samples the fleet, feeds the
// threshold engine, fires scheduled tasks and triggers the daily
// report.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	"github.com/syself/traffic-warden/pkg/report"
	"github.com/syself/traffic-warden/pkg/schedule"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/traffic"
	"github.com/syself/traffic-warden/pkg/utils"
)

// Notifier delivers operator notifications without blocking.
type Notifier interface {
	Notify(text string)
}

// Submitter executes one intent to a terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, intent action.Intent) action.Record
}

// Monitor owns the periodic loop. It never talks to chat directly;
// everything goes through the notifier.
type Monitor struct {
	store    *state.Store
	exec     Submitter
	notifier Notifier
	reports  *report.Builder
	syncer   *dns.Syncer
	cfg      *config.Config
	log      *zap.Logger

	// wg tracks intent executions running off the poll goroutine.
	wg sync.WaitGroup
}

// New wires a monitor. syncer may be nil when DNS is not configured.
func New(store *state.Store, exec Submitter, notifier Notifier, reports *report.Builder, syncer *dns.Syncer, cfg *config.Config, log *zap.Logger) *Monitor {
	return &Monitor{
		store:    store,
		exec:     exec,
		notifier: notifier,
		reports:  reports,
		syncer:   syncer,
		cfg:      cfg,
		log:      log,
	}
}

func (m *Monitor) interval() time.Duration {
	minutes := m.cfg.Traffic.CheckIntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// Run polls until ctx is done. The first tick happens immediately.
// In-flight executions are waited for on shutdown.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.Cloudflare.SyncOnStart && m.syncer != nil {
		m.startupDNSSync(ctx)
	}

	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	m.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case now := <-ticker.C:
			m.tick(ctx, now)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, now time.Time) {
	m.poll(ctx, now)
	m.scheduleTick(ctx, now)
	m.dailyReportTick(ctx, now)
	if err := m.reports.RecordHourly(ctx, now); err != nil {
		m.log.Warn("recording hourly snapshot failed", zap.Error(err))
	}
}

// poll samples every monitored server and applies the threshold engine.
// A listing failure skips the whole tick; per-server window writes are
// isolated.
func (m *Monitor) poll(ctx context.Context, now time.Time) {
	servers, err := m.reports.Servers(ctx)
	if err != nil {
		m.log.Error("listing servers failed, skipping tick", zap.Error(err))
		return
	}
	m.log.Debug("poll tick", zap.Int("servers", len(servers)))

	limit := m.cfg.LimitBytes()
	seen := make(map[int64]struct{}, len(servers))

	for _, srv := range servers {
		seen[srv.ID] = struct{}{}
		sample := traffic.Sample{
			ServerID:      srv.ID,
			ServerName:    srv.Name,
			OutboundBytes: srv.OutgoingTraffic,
			InboundBytes:  srv.IngoingTraffic,
			SampledAt:     now,
		}
		window, ok := m.store.Window(srv.ID)
		if !ok {
			window = traffic.NewWindowState(srv.ID, now)
		}
		window, intents := traffic.Evaluate(sample, window, limit, m.cfg.Traffic.NotifyLevels, m.cfg.Traffic.ExceedAction)
		if err := m.store.SetWindow(window); err != nil {
			m.log.Error("persisting window failed",
				zap.String("server", srv.Name), zap.Error(err))
			continue
		}
		for _, intent := range intents {
			m.handleIntent(ctx, intent, limit, sample.OutboundBytes)
		}
	}

	m.pruneWindows(seen)
}

// pruneWindows drops window state of servers that left the fleet
// outside this process.
func (m *Monitor) pruneWindows(seen map[int64]struct{}) {
	for id := range m.store.Windows() {
		if _, ok := seen[id]; ok {
			continue
		}
		m.log.Info("dropping window of vanished server", zap.Int64("server_id", id))
		if err := m.store.DeleteWindow(id); err != nil {
			m.log.Error("dropping window failed", zap.Int64("server_id", id), zap.Error(err))
		}
	}
}

func (m *Monitor) handleIntent(ctx context.Context, intent action.Intent, limit, outbound uint64) {
	if intent.Kind == action.KindNotify {
		pct := traffic.UsedPercent(outbound, limit)
		m.notifier.Notify(fmt.Sprintf("⚠️ `%s` passed %d%% of its traffic limit\n%s %s of %s (%.1f%%)",
			intent.ServerName, intent.Level,
			utils.ProgressBar(pct, 10), utils.FormatBytes(outbound), utils.FormatBytes(limit), pct))
		return
	}

	m.notifier.Notify(fmt.Sprintf("🚨 `%s` exceeded its traffic limit, running %s", intent.ServerName, intent.Kind))
	m.submitAsync(ctx, intent)
}

// submitAsync runs one intent off the poll goroutine so a slow rebuild
// does not stall sampling, and reports the outcome to chat.
func (m *Monitor) submitAsync(ctx context.Context, intent action.Intent) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rec := m.exec.Submit(ctx, intent)
		m.notifier.Notify(describeRecord(rec))
	}()
}

func describeRecord(rec action.Record) string {
	name := rec.ServerName
	if name == "" {
		name = rec.Detail
	}
	switch rec.Outcome {
	case action.OutcomeSucceeded:
		msg := fmt.Sprintf("✅ %s on `%s` done", rec.Kind, rec.ServerName)
		if rec.NewServerID != 0 {
			msg += fmt.Sprintf(", new id %d", rec.NewServerID)
		}
		if rec.NewIP != "" {
			msg += fmt.Sprintf(", ip %s", rec.NewIP)
		}
		return msg
	case action.OutcomeCoalesced:
		return fmt.Sprintf("⏳ %s on `%s` already in flight", rec.Kind, rec.ServerName)
	default:
		return fmt.Sprintf("❌ %s on `%s` failed: %s", rec.Kind, name, rec.Detail)
	}
}

// scheduleTick fires due schedule tasks at most once per day each. The
// fired marker is persisted before execution so a crash cannot replay a
// destructive task.
func (m *Monitor) scheduleTick(ctx context.Context, now time.Time) {
	cfg := m.store.Schedule()
	due := schedule.Tick(now, cfg, m.store.FiredToday(), m.interval()+time.Minute)
	for _, task := range due {
		if err := m.store.MarkFired(task.Key(), schedule.DateKey(now)); err != nil {
			m.log.Error("marking schedule task fired failed",
				zap.String("task", task.Key()), zap.Error(err))
			continue
		}
		m.log.Info("schedule task due", zap.String("task", task.Key()))
		switch task.Action {
		case schedule.ActionDeleteAll:
			m.runDeleteAll(ctx)
		case schedule.ActionCreateFromSnapshots:
			m.runCreateFromSnapshots(ctx)
		}
	}
}

func (m *Monitor) runDeleteAll(ctx context.Context) {
	servers, err := m.reports.Servers(ctx)
	if err != nil {
		m.log.Error("listing servers for scheduled delete failed", zap.Error(err))
		m.notifier.Notify("❌ scheduled delete: listing servers failed")
		return
	}
	count := 0
	for _, srv := range servers {
		if m.cfg.IsWhitelisted(srv.ID, srv.Name) {
			m.log.Info("scheduled delete skips whitelisted server", zap.String("server", srv.Name))
			continue
		}
		count++
		m.submitAsync(ctx, action.Intent{
			Kind:       action.KindDelete,
			ServerID:   srv.ID,
			ServerName: srv.Name,
			Reason:     "scheduled delete",
		})
	}
	m.notifier.Notify(fmt.Sprintf("⏰ scheduled delete started for %d servers", count))
}

func (m *Monitor) runCreateFromSnapshots(ctx context.Context) {
	idMap := m.store.SnapshotIDMap()
	if len(idMap) == 0 {
		m.notifier.Notify("⏰ scheduled create: snapshot map is empty, nothing to do")
		return
	}
	for key := range idMap {
		m.submitAsync(ctx, action.Intent{
			Kind:   action.KindCreateFromSnapshot,
			MapKey: key,
			Reason: "scheduled create",
		})
	}
	m.notifier.Notify(fmt.Sprintf("⏰ scheduled create started for %d snapshots", len(idMap)))
}

// dailyReportTick sends the daily report at the configured time, at
// most once per day, reusing the schedule's fired markers.
func (m *Monitor) dailyReportTick(ctx context.Context, now time.Time) {
	at := m.cfg.Telegram.DailyReportTime
	if at == "" {
		return
	}
	hour, minute, err := schedule.ParseTimeOfDay(at)
	if err != nil {
		m.log.Warn("invalid daily_report_time", zap.String("value", at), zap.Error(err))
		return
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.Before(target) || now.Sub(target) >= m.interval()+time.Minute {
		return
	}
	key := "daily_report:" + at
	if m.store.FiredToday()[key] == schedule.DateKey(now) {
		return
	}
	if err := m.store.MarkFired(key, schedule.DateKey(now)); err != nil {
		m.log.Error("marking daily report fired failed", zap.Error(err))
		return
	}
	text, err := m.reports.Daily(ctx, now)
	if err != nil {
		m.log.Error("building daily report failed", zap.Error(err))
		m.notifier.Notify("❌ daily report failed: " + err.Error())
		return
	}
	m.notifier.Notify(text)
}

// startupDNSSync reconciles all records once at boot so a rebuild that
// happened while the process was down still converges.
func (m *Monitor) startupDNSSync(ctx context.Context) {
	servers, err := m.reports.Servers(ctx)
	if err != nil {
		m.log.Error("startup dns sync: listing servers failed", zap.Error(err))
		return
	}
	mappings := dns.MappingsFrom(m.store.RecordMap())
	if len(mappings) == 0 {
		return
	}
	outcomes := m.syncer.Sync(ctx, mappings, dns.TargetsFrom(servers))
	updated := 0
	for _, o := range outcomes {
		if o.Updated {
			updated++
		}
	}
	m.log.Info("startup dns sync done",
		zap.Int("mappings", len(outcomes)), zap.Int("updated", updated))
}
