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

package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	"github.com/syself/traffic-warden/pkg/report"
	"github.com/syself/traffic-warden/pkg/schedule"
	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/traffic"
	"github.com/syself/traffic-warden/pkg/utils"
)

// Submitter executes one intent to a terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, intent action.Intent) action.Record
}

// Router parses operator commands and dispatches them. One Router
// serves one chat.
type Router struct {
	store   *state.Store
	exec    Submitter
	reports *report.Builder
	syncer  *dns.Syncer
	hc      hcloudclient.Client
	cfg     *config.Config
	log     *zap.Logger
}

// NewRouter wires a command router. syncer may be nil when DNS is not
// configured.
func NewRouter(store *state.Store, exec Submitter, reports *report.Builder, syncer *dns.Syncer, hc hcloudclient.Client, cfg *config.Config, log *zap.Logger) *Router {
	return &Router{
		store:   store,
		exec:    exec,
		reports: reports,
		syncer:  syncer,
		hc:      hc,
		cfg:     cfg,
		log:     log,
	}
}

// Handle parses one message and returns the reply. Unknown commands get
// a pointer to help; an empty reply means "say nothing".
func (r *Router) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// group chats append @botname to commands
	cmd, _, _ = strings.Cut(cmd, "@")
	args := fields[1:]

	r.log.Info("command received", zap.String("command", cmd), zap.Int("args", len(args)))

	switch cmd {
	case "help", "start":
		return helpText
	case "list":
		return r.render(r.reports.ServerList(ctx))
	case "status":
		return r.statusText()
	case "traffic":
		return r.render(r.reports.Overview(ctx))
	case "today":
		return r.render(r.reports.Today(ctx, time.Now()))
	case "daily":
		return r.render(r.reports.Daily(ctx, time.Now()))
	case "report":
		return r.render(r.reports.Delta(ctx, time.Now()))
	case "reportstatus":
		return r.reports.Status()
	case "reportreset":
		if err := r.reports.Reset(); err != nil {
			return errorText(err)
		}
		return "report window and hourly series cleared"
	case "startserver":
		return r.powerCommand(ctx, action.KindPowerOn, args)
	case "stopserver":
		return r.powerCommand(ctx, action.KindPowerOff, args)
	case "reboot":
		return r.powerCommand(ctx, action.KindReboot, args)
	case "delete":
		return r.deleteCommand(ctx, args)
	case "rebuild":
		return r.rebuildCommand(ctx, args)
	case "snapshots":
		return r.snapshotsCommand(ctx)
	case "createsnapshot":
		return r.createSnapshotCommand(ctx, args)
	case "createfromsnapshot":
		return r.createFromSnapshotCommand(ctx, args)
	case "createfromsnapshots":
		return r.createFromSnapshotsCommand(ctx)
	case "scheduleon":
		return r.setScheduleEnabled(true)
	case "scheduleoff":
		return r.setScheduleEnabled(false)
	case "schedulestatus":
		return r.scheduleStatus()
	case "scheduleset":
		return r.scheduleSet(args)
	case "resetwindow":
		return r.resetWindowCommand(ctx, args)
	case "dnssync", "dnsync":
		return r.dnsSyncCommand(ctx)
	case "dnscheck":
		return r.dnsCheckCommand(ctx)
	case "dnstest":
		return r.dnsTestCommand(ctx, args)
	default:
		return fmt.Sprintf("unknown command `%s`, try /help", cmd)
	}
}

func (r *Router) render(text string, err error) string {
	if err != nil {
		return errorText(err)
	}
	return text
}

func errorText(err error) string {
	return "❌ " + err.Error()
}

// resolveServer accepts a numeric id or a server name.
func (r *Router) resolveServer(ctx context.Context, target string) (*hcloud.Server, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		srv, err := r.hc.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}
		if srv != nil {
			return srv, nil
		}
	}
	srv, err := r.hc.GetServerByName(ctx, target)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, fmt.Errorf("server %q not found", target)
	}
	return srv, nil
}

func (r *Router) powerCommand(ctx context.Context, kind action.Kind, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("usage: /%s <id|name>", commandName(kind))
	}
	srv, err := r.resolveServer(ctx, args[0])
	if err != nil {
		return errorText(err)
	}
	rec := r.exec.Submit(ctx, action.Intent{
		Kind:       kind,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		Reason:     "operator command",
	})
	return renderRecord(rec)
}

func commandName(kind action.Kind) string {
	switch kind {
	case action.KindPowerOn:
		return "startserver"
	case action.KindPowerOff:
		return "stopserver"
	default:
		return "reboot"
	}
}

// confirmPrompt is returned for a destructive command missing its
// confirmation token. The token alone gates execution; no pending state
// is kept, so `delete <id> confirm` in one message executes directly.
func confirmPrompt(cmd string) string {
	return fmt.Sprintf("⚠️ Destructive. Run `%s confirm` to proceed", cmd)
}

func (r *Router) deleteCommand(ctx context.Context, args []string) string {
	confirmed := len(args) == 2 && strings.EqualFold(args[1], "confirm")
	if len(args) != 1 && !confirmed {
		return "usage: /delete <id|name> [confirm]"
	}
	srv, err := r.resolveServer(ctx, args[0])
	if err != nil {
		return errorText(err)
	}
	if !confirmed {
		return confirmPrompt("/delete " + args[0])
	}
	rec := r.exec.Submit(ctx, action.Intent{
		Kind:       action.KindDelete,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		Reason:     "operator command",
	})
	return renderRecord(rec)
}

func (r *Router) rebuildCommand(ctx context.Context, args []string) string {
	confirmed := len(args) == 2 && strings.EqualFold(args[1], "confirm")
	if len(args) != 1 && !confirmed {
		return "usage: /rebuild <id|name> [confirm]"
	}
	srv, err := r.resolveServer(ctx, args[0])
	if err != nil {
		return errorText(err)
	}
	if !confirmed {
		return confirmPrompt("/rebuild " + args[0])
	}
	rec := r.exec.Submit(ctx, action.Intent{
		Kind:       action.KindRebuild,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		Reason:     "operator command",
	})
	return renderRecord(rec)
}

func (r *Router) snapshotsCommand(ctx context.Context) string {
	snapshots, err := r.hc.ListSnapshots(ctx)
	if err != nil {
		return errorText(err)
	}
	if len(snapshots) == 0 {
		return "no snapshots found"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📸 *Snapshots* (%d)\n", len(snapshots))
	for _, img := range snapshots {
		desc := img.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(&sb, "id %d, %s, %s\n", img.ID, desc, img.Created.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) createSnapshotCommand(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "usage: /createsnapshot <id|name> [description]"
	}
	srv, err := r.resolveServer(ctx, args[0])
	if err != nil {
		return errorText(err)
	}
	rec := r.exec.Submit(ctx, action.Intent{
		Kind:        action.KindCreateSnapshot,
		ServerID:    srv.ID,
		ServerName:  srv.Name,
		Reason:      "operator command",
		Description: strings.Join(args[1:], " "),
	})
	return renderRecord(rec)
}

func (r *Router) createFromSnapshotCommand(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: /createfromsnapshot <map-key>"
	}
	key := args[0]
	if _, ok := r.store.SnapshotID(key); !ok {
		return fmt.Sprintf("no snapshot mapped for `%s`", key)
	}
	rec := r.exec.Submit(ctx, action.Intent{
		Kind:   action.KindCreateFromSnapshot,
		MapKey: key,
		Reason: "operator command",
	})
	return renderRecord(rec)
}

func (r *Router) createFromSnapshotsCommand(ctx context.Context) string {
	idMap := r.store.SnapshotIDMap()
	if len(idMap) == 0 {
		return "snapshot map is empty"
	}
	keys := make([]string, 0, len(idMap))
	for k := range idMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		rec := r.exec.Submit(ctx, action.Intent{
			Kind:   action.KindCreateFromSnapshot,
			MapKey: key,
			Reason: "operator command",
		})
		fmt.Fprintf(&sb, "%s\n", renderRecord(rec))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// resetWindowCommand starts a fresh traffic window, clearing fired
// thresholds and the exceed marker.
func (r *Router) resetWindowCommand(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: /resetwindow <id|name>"
	}
	srv, err := r.resolveServer(ctx, args[0])
	if err != nil {
		return errorText(err)
	}
	if err := r.store.SetWindow(traffic.NewWindowState(srv.ID, time.Now())); err != nil {
		return errorText(err)
	}
	return fmt.Sprintf("traffic window of `%s` reset", srv.Name)
}

func (r *Router) setScheduleEnabled(enabled bool) string {
	if err := r.store.SetScheduleEnabled(enabled); err != nil {
		return errorText(err)
	}
	if enabled {
		return "schedule enabled"
	}
	return "schedule disabled"
}

func (r *Router) scheduleStatus() string {
	cfg := r.store.Schedule()
	fired := r.store.FiredToday()

	var sb strings.Builder
	mode := "off"
	if cfg.Enabled {
		mode = "on"
	}
	fmt.Fprintf(&sb, "⏰ *Schedule* (%s)\n", mode)
	fmt.Fprintf(&sb, "delete: %s\n", timesOrDash(cfg.DeleteTimes))
	fmt.Fprintf(&sb, "create: %s\n", timesOrDash(cfg.CreateTimes))
	if len(fired) > 0 {
		keys := make([]string, 0, len(fired))
		for k := range fired {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&sb, "fired today: %s", strings.Join(keys, ", "))
	} else {
		sb.WriteString("fired today: none")
	}
	return sb.String()
}

func timesOrDash(times []string) string {
	if len(times) == 0 {
		return "-"
	}
	return strings.Join(times, ", ")
}

const scheduleSetUsage = "usage: /scheduleset delete=HH:MM[,HH:MM...] create=HH:MM[,HH:MM...] (either key, times `-` to clear)"

// scheduleSet accepts `delete=…` and `create=…` pairs, in one message
// or separately, plus the two-word form `scheduleset delete 23:50`. All
// pairs are validated before anything is persisted, so an invalid
// command leaves the stored schedule untouched.
func (r *Router) scheduleSet(args []string) string {
	if len(args) == 0 {
		return scheduleSetUsage
	}
	// two-word form
	if !strings.Contains(args[0], "=") {
		if len(args) != 2 {
			return scheduleSetUsage
		}
		args = []string{args[0] + "=" + args[1]}
	}

	cfg := r.store.Schedule()
	var applied []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.ToLower(key)
		if !ok || (key != "delete" && key != "create") {
			return scheduleSetUsage
		}
		var times []string
		if value != "-" && value != "" {
			var err error
			times, err = schedule.ValidateTimes(strings.Split(value, ","))
			if err != nil {
				return errorText(err)
			}
		}
		if key == "delete" {
			cfg.DeleteTimes = times
		} else {
			cfg.CreateTimes = times
		}
		applied = append(applied, fmt.Sprintf("%s %s", key, timesOrDash(times)))
	}
	if err := r.store.SetSchedule(cfg); err != nil {
		return errorText(err)
	}
	return "schedule times set: " + strings.Join(applied, ", ")
}

func (r *Router) dnsSyncCommand(ctx context.Context) string {
	if r.syncer == nil {
		return "dns is not configured"
	}
	servers, err := r.reports.Servers(ctx)
	if err != nil {
		return errorText(err)
	}
	mappings := dns.MappingsFrom(r.store.RecordMap())
	if len(mappings) == 0 {
		return "record map is empty"
	}
	outcomes := r.syncer.Sync(ctx, mappings, dns.TargetsFrom(servers))
	return renderOutcomes(outcomes)
}

func renderOutcomes(outcomes []dns.Outcome) string {
	var sb strings.Builder
	sb.WriteString("🌐 *DNS sync*\n")
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(&sb, "`%s` %s: error: %v\n", o.Key, o.Record, o.Err)
		case o.Skipped:
			fmt.Fprintf(&sb, "`%s` %s: skipped, no matching server\n", o.Key, o.Record)
		case o.Updated:
			fmt.Fprintf(&sb, "`%s` %s -> %s (updated)\n", o.Key, o.Record, o.IP)
		default:
			fmt.Fprintf(&sb, "`%s` %s -> %s (in sync)\n", o.Key, o.Record, o.IP)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// dnsCheckCommand resolves each record through live DNS and compares it
// with the server's current address.
func (r *Router) dnsCheckCommand(ctx context.Context) string {
	if r.syncer == nil {
		return "dns is not configured"
	}
	servers, err := r.reports.Servers(ctx)
	if err != nil {
		return errorText(err)
	}
	targets := make(map[string]string, 2*len(servers))
	for _, t := range dns.TargetsFrom(servers) {
		targets[state.Key(t.ID)] = t.IP
		targets[t.Name] = t.IP
	}

	mappings := dns.MappingsFrom(r.store.RecordMap())
	if len(mappings) == 0 {
		return "record map is empty"
	}
	var sb strings.Builder
	sb.WriteString("🔍 *DNS check*\n")
	for _, m := range mappings {
		ip, ok := targets[m.Key]
		if !ok || ip == "" {
			fmt.Fprintf(&sb, "`%s` %s: no matching server\n", m.Key, m.Record)
			continue
		}
		resolved, match, err := r.syncer.Check(ctx, m.Record, ip)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "`%s` %s: lookup failed: %v\n", m.Key, m.Record, err)
		case match:
			fmt.Fprintf(&sb, "`%s` %s -> %s ✅\n", m.Key, m.Record, resolved)
		default:
			fmt.Fprintf(&sb, "`%s` %s -> %s, want %s ❗\n", m.Key, m.Record, resolved, ip)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// dnsTestCommand forces one record to the matching server's current IP,
// bypassing the content comparison.
func (r *Router) dnsTestCommand(ctx context.Context, args []string) string {
	if r.syncer == nil {
		return "dns is not configured"
	}
	if len(args) != 1 {
		return "usage: /dnstest <map-key>"
	}
	key := args[0]
	mapping, ok := r.store.RecordMapping(key)
	if !ok {
		return fmt.Sprintf("no record mapped for `%s`", key)
	}
	srv, err := r.resolveServer(ctx, key)
	if err != nil {
		return errorText(err)
	}
	if srv.PublicNet.IPv4.IP == nil {
		return fmt.Sprintf("server `%s` has no public IPv4", srv.Name)
	}
	ip := srv.PublicNet.IPv4.IP.String()
	err = r.syncer.Update(ctx, dns.Mapping{
		Key:      key,
		Record:   mapping.Record,
		ZoneID:   mapping.ZoneID,
		APIToken: mapping.APIToken,
	}, ip)
	if err != nil {
		return errorText(err)
	}
	return fmt.Sprintf("`%s` -> %s updated", mapping.Record, ip)
}

func (r *Router) statusText() string {
	var sb strings.Builder
	sb.WriteString("ℹ️ *Status*\n")
	limit := r.cfg.LimitBytes()
	if limit > 0 {
		fmt.Fprintf(&sb, "limit: %s, action on exceed: %s\n", utils.FormatBytes(limit), actionOrNone(r.cfg.Traffic.ExceedAction))
	} else {
		sb.WriteString("limit: not configured\n")
	}
	fmt.Fprintf(&sb, "poll interval: %dm\n", r.cfg.Traffic.CheckIntervalMinutes)
	fmt.Fprintf(&sb, "windows tracked: %d\n", len(r.store.Windows()))
	schedCfg := r.store.Schedule()
	if schedCfg.Enabled {
		fmt.Fprintf(&sb, "schedule: on (delete %s, create %s)\n",
			timesOrDash(schedCfg.DeleteTimes), timesOrDash(schedCfg.CreateTimes))
	} else {
		sb.WriteString("schedule: off\n")
	}
	if actions := r.store.Actions(); len(actions) > 0 {
		last := actions[len(actions)-1]
		fmt.Fprintf(&sb, "last action: %s on `%s` (%s)", last.Kind, last.ServerName, last.Outcome)
	} else {
		sb.WriteString("last action: none")
	}
	return sb.String()
}

func actionOrNone(a config.ExceedAction) string {
	if a == config.ExceedActionNone {
		return "none"
	}
	return string(a)
}

func renderRecord(rec action.Record) string {
	name := rec.ServerName
	if name == "" {
		name = state.Key(rec.ServerID)
	}
	switch rec.Outcome {
	case action.OutcomeSucceeded:
		msg := fmt.Sprintf("✅ %s on `%s` succeeded", rec.Kind, name)
		if rec.NewServerID != 0 {
			msg += fmt.Sprintf(", new id %d", rec.NewServerID)
		}
		if rec.NewIP != "" {
			msg += fmt.Sprintf(", ip %s", rec.NewIP)
		}
		if rec.Detail != "" {
			msg += " (" + rec.Detail + ")"
		}
		return msg
	case action.OutcomeCoalesced:
		return fmt.Sprintf("⏳ %s on `%s` is already in flight", rec.Kind, name)
	default:
		return fmt.Sprintf("❌ %s on `%s` failed: %s", rec.Kind, name, rec.Detail)
	}
}

const helpText = "*Commands*\n" +
	"/list - servers with id, status, ip\n" +
	"/status - monitor status\n" +
	"/traffic - usage against the limit\n" +
	"/today - usage since midnight (metrics)\n" +
	"/daily - usage over the last 24h\n" +
	"/report - usage since the last report\n" +
	"/reportstatus /reportreset\n" +
	"/startserver /stopserver /reboot <id|name>\n" +
	"/delete <id|name> [confirm]\n" +
	"/rebuild <id|name> [confirm]\n" +
	"/resetwindow <id|name>\n" +
	"/snapshots\n" +
	"/createsnapshot <id|name> [description]\n" +
	"/createfromsnapshot <map-key>\n" +
	"/createfromsnapshots\n" +
	"/scheduleon /scheduleoff /schedulestatus\n" +
	"/scheduleset delete=HH:MM,... create=HH:MM,... (- clears)\n" +
	"/dnssync /dnscheck /dnstest <map-key>"
