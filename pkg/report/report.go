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

// Package report renders traffic usage summaries for chat and keeps the
// hourly snapshot series that the daily report is computed from.
package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/config"
	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/utils"
)

const (
	// HourKeyLayout keys the hourly snapshot series.
	HourKeyLayout = "2006-01-02 15:00"
	// TimeLayout is used for report timestamps in chat output.
	TimeLayout = "2006-01-02 15:04"
)

// Builder renders reports from live provider data and the persisted
// snapshot series.
type Builder struct {
	hc    hcloudclient.Client
	store *state.Store
	cfg   *config.Config
	log   *zap.Logger
}

// NewBuilder wires a report builder.
func NewBuilder(hc hcloudclient.Client, store *state.Store, cfg *config.Config, log *zap.Logger) *Builder {
	return &Builder{hc: hc, store: store, cfg: cfg, log: log}
}

// Servers lists the monitored fleet, scoped by the configured labels and
// sorted by name for stable output.
func (b *Builder) Servers(ctx context.Context) ([]*hcloud.Server, error) {
	opts := hcloud.ServerListOpts{}
	if len(b.cfg.Hetzner.Labels) > 0 {
		opts.LabelSelector = utils.LabelsToLabelSelector(b.cfg.Hetzner.Labels)
	}
	servers, err := b.hc.ListServers(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// Snapshot converts a server list into the persisted snapshot form,
// keyed by server id.
func Snapshot(servers []*hcloud.Server) map[string]state.ServerSnapshot {
	out := make(map[string]state.ServerSnapshot, len(servers))
	for _, srv := range servers {
		out[state.Key(srv.ID)] = state.ServerSnapshot{
			Name:          srv.Name,
			OutboundBytes: srv.OutgoingTraffic,
			InboundBytes:  srv.IngoingTraffic,
		}
	}
	return out
}

// Overview renders current window usage per server against the limit.
func (b *Builder) Overview(ctx context.Context) (string, error) {
	servers, err := b.Servers(ctx)
	if err != nil {
		return "", err
	}
	limit := b.cfg.LimitBytes()

	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, "📊 *Traffic usage* (limit %s)\n", utils.FormatBytes(limit))
	} else {
		sb.WriteString("📊 *Traffic usage* (no limit configured)\n")
	}
	if len(servers) == 0 {
		sb.WriteString("no servers found")
		return sb.String(), nil
	}
	for _, srv := range servers {
		if limit > 0 {
			pct := float64(srv.OutgoingTraffic) / float64(limit) * 100
			fmt.Fprintf(&sb, "`%s` %s %s out (%.1f%%)\n",
				srv.Name, utils.ProgressBar(pct, 10), utils.FormatBytes(srv.OutgoingTraffic), pct)
		} else {
			fmt.Fprintf(&sb, "`%s` %s out, %s in\n",
				srv.Name, utils.FormatBytes(srv.OutgoingTraffic), utils.FormatBytes(srv.IngoingTraffic))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ServerList renders the fleet with id, status and public IP.
func (b *Builder) ServerList(ctx context.Context) (string, error) {
	servers, err := b.Servers(ctx)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "no servers found", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🖥 *Servers* (%d)\n", len(servers))
	for _, srv := range servers {
		ip := "-"
		if srv.PublicNet.IPv4.IP != nil {
			ip = srv.PublicNet.IPv4.IP.String()
		}
		fmt.Fprintf(&sb, "`%s` id %d, %s, %s\n", srv.Name, srv.ID, srv.Status, ip)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Delta renders traffic consumed since the last manual report and moves
// the report window forward. A counter below the previous baseline means
// the server was recreated; its full current counter is reported.
func (b *Builder) Delta(ctx context.Context, now time.Time) (string, error) {
	servers, err := b.Servers(ctx)
	if err != nil {
		return "", err
	}
	prev := b.store.Report()
	snapshot := Snapshot(servers)

	var sb strings.Builder
	if prev.LastTime == "" {
		sb.WriteString("📈 *Traffic report* (first run, baseline recorded)\n")
	} else {
		fmt.Fprintf(&sb, "📈 *Traffic report* since %s\n", prev.LastTime)
	}
	for _, srv := range servers {
		cur := snapshot[state.Key(srv.ID)]
		base, ok := prev.Servers[state.Key(srv.ID)]
		outDelta, inDelta := cur.OutboundBytes, cur.InboundBytes
		if ok && prev.LastTime != "" {
			if cur.OutboundBytes >= base.OutboundBytes {
				outDelta = cur.OutboundBytes - base.OutboundBytes
			}
			if cur.InboundBytes >= base.InboundBytes {
				inDelta = cur.InboundBytes - base.InboundBytes
			}
		}
		fmt.Fprintf(&sb, "`%s` +%s out, +%s in\n",
			srv.Name, utils.FormatBytes(outDelta), utils.FormatBytes(inDelta))
	}
	if err := b.store.SetReportWindow(now.Format(TimeLayout), snapshot); err != nil {
		return "", fmt.Errorf("persisting report window: %w", err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Status renders the report window position and the hourly series size.
func (b *Builder) Status() string {
	rep := b.store.Report()
	last := rep.LastTime
	if last == "" {
		last = "never"
	}
	return fmt.Sprintf("report window since: %s\nhourly snapshots kept: %d", last, len(rep.Hourly))
}

// Reset clears the report window and the hourly series.
func (b *Builder) Reset() error {
	return b.store.ResetReport()
}

// RecordHourly stores one snapshot per wall-clock hour. It is called on
// every poll tick and deduplicates on the hour key.
func (b *Builder) RecordHourly(ctx context.Context, now time.Time) error {
	key := now.Format(HourKeyLayout)
	if _, ok := b.store.Report().Hourly[key]; ok {
		return nil
	}
	servers, err := b.Servers(ctx)
	if err != nil {
		return err
	}
	added, err := b.store.RecordHourly(key, Snapshot(servers))
	if err != nil {
		return err
	}
	if added {
		b.log.Debug("hourly traffic snapshot recorded", zap.String("hour", key))
	}
	return nil
}

// Daily renders traffic consumed over roughly the last 24 hours, using
// the hourly series as the baseline.
func (b *Builder) Daily(ctx context.Context, now time.Time) (string, error) {
	servers, err := b.Servers(ctx)
	if err != nil {
		return "", err
	}
	baseKey, base := b.baseline(now.Add(-24 * time.Hour))
	var sb strings.Builder
	if baseKey == "" {
		sb.WriteString("🗓 *Daily report* (no baseline yet, showing window counters)\n")
	} else {
		fmt.Fprintf(&sb, "🗓 *Daily report* since %s\n", baseKey)
	}
	for _, srv := range servers {
		out, in := srv.OutgoingTraffic, srv.IngoingTraffic
		if prev, ok := base[state.Key(srv.ID)]; ok {
			if out >= prev.OutboundBytes {
				out -= prev.OutboundBytes
			}
			if in >= prev.InboundBytes {
				in -= prev.InboundBytes
			}
		}
		fmt.Fprintf(&sb, "`%s` +%s out, +%s in\n",
			srv.Name, utils.FormatBytes(out), utils.FormatBytes(in))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// baseline picks the newest hourly snapshot at or before the cutoff, or
// the oldest one available when the series is younger than the cutoff.
func (b *Builder) baseline(cutoff time.Time) (string, map[string]state.ServerSnapshot) {
	hourly := b.store.Report().Hourly
	if len(hourly) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(hourly))
	for k := range hourly {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cutoffKey := cutoff.Format(HourKeyLayout)
	chosen := keys[0]
	for _, k := range keys {
		if k > cutoffKey {
			break
		}
		chosen = k
	}
	return chosen, hourly[chosen]
}

// Today integrates the provider's network time series from local
// midnight to now. This survives window resets since it does not depend
// on the cumulative counters.
func (b *Builder) Today(ctx context.Context, now time.Time) (string, error) {
	servers, err := b.Servers(ctx)
	if err != nil {
		return "", err
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var sb strings.Builder
	fmt.Fprintf(&sb, "📅 *Usage today* (since %s)\n", midnight.Format(TimeLayout))
	for _, srv := range servers {
		out, in, err := b.integrateNetwork(ctx, srv, midnight, now)
		if err != nil {
			b.log.Warn("fetching server metrics failed",
				zap.String("server", srv.Name), zap.Error(err))
			fmt.Fprintf(&sb, "`%s` metrics unavailable\n", srv.Name)
			continue
		}
		fmt.Fprintf(&sb, "`%s` %s out, %s in\n",
			srv.Name, utils.FormatBytes(out), utils.FormatBytes(in))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// integrateNetwork sums bytes-per-second samples over their step width
// for all public interfaces of one server.
func (b *Builder) integrateNetwork(ctx context.Context, srv *hcloud.Server, start, end time.Time) (out, in uint64, err error) {
	metrics, err := b.hc.GetServerMetrics(ctx, srv, hcloud.ServerGetMetricsOpts{
		Types: []hcloud.ServerMetricType{hcloud.ServerMetricNetwork},
		Start: start,
		End:   end,
		Step:  3600,
	})
	if err != nil {
		return 0, 0, err
	}
	if metrics == nil {
		return 0, 0, nil
	}
	step := metrics.Step
	if step <= 0 {
		step = 3600
	}
	for name, series := range metrics.TimeSeries {
		isOut := strings.Contains(name, "bandwidth.out")
		isIn := strings.Contains(name, "bandwidth.in")
		if !isOut && !isIn {
			continue
		}
		var sum float64
		for _, v := range series {
			val, err := strconv.ParseFloat(v.Value, 64)
			if err != nil {
				continue
			}
			sum += val * step
		}
		if isOut {
			out += uint64(sum)
		} else {
			in += uint64(sum)
		}
	}
	return out, in, nil
}
