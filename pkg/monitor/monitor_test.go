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

package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/report"
	"github.com/syself/traffic-warden/pkg/schedule"
	"github.com/syself/traffic-warden/pkg/services/hcloud/client/fake"
	"github.com/syself/traffic-warden/pkg/state"
)

const gb = uint64(1) << 30

type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureNotifier) Notify(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
}

func (c *captureNotifier) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.messages, "\n")
}

type captureSubmitter struct {
	mu      sync.Mutex
	intents []action.Intent
}

func (c *captureSubmitter) Submit(_ context.Context, intent action.Intent) action.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intent)
	return action.Record{
		ServerID:   intent.ServerID,
		ServerName: intent.ServerName,
		Kind:       intent.Kind,
		Outcome:    action.OutcomeSucceeded,
	}
}

func (c *captureSubmitter) kinds() []action.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]action.Kind, 0, len(c.intents))
	for _, i := range c.intents {
		out = append(out, i.Kind)
	}
	return out
}

type monitorFixture struct {
	hc       *fake.Client
	store    *state.Store
	sub      *captureSubmitter
	notifier *captureNotifier
	cfg      *config.Config
	mon      *Monitor
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	hc := fake.NewClient()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	require.NoError(t, store.Load())
	cfg := &config.Config{}
	cfg.Traffic.LimitGB = 100
	cfg.Traffic.CheckIntervalMinutes = 5
	cfg.Traffic.NotifyLevels = []int{50, 90}
	cfg.Traffic.ExceedAction = config.ExceedActionRebuild
	sub := &captureSubmitter{}
	notifier := &captureNotifier{}
	reports := report.NewBuilder(hc, store, cfg, zap.NewNop())
	return &monitorFixture{
		hc:       hc,
		store:    store,
		sub:      sub,
		notifier: notifier,
		cfg:      cfg,
		mon:      New(store, sub, notifier, reports, nil, cfg, zap.NewNop()),
	}
}

func TestPollFiresWarning(t *testing.T) {
	f := newMonitorFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.SetTraffic(srv.ID, 60*gb, 0)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.mon.poll(context.Background(), now)
	f.mon.wg.Wait()

	assert.Contains(t, f.notifier.joined(), "passed 50%")
	assert.Empty(t, f.sub.intents)

	window, ok := f.store.Window(srv.ID)
	require.True(t, ok)
	assert.Equal(t, []int{50}, window.FiredLevels)

	// a second poll at the same usage stays quiet
	f.notifier.messages = nil
	f.mon.poll(context.Background(), now.Add(5*time.Minute))
	f.mon.wg.Wait()
	assert.Empty(t, f.notifier.joined())
}

func TestPollSubmitsExceedAction(t *testing.T) {
	f := newMonitorFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.SetTraffic(srv.ID, 120*gb, 0)

	f.mon.poll(context.Background(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f.mon.wg.Wait()

	kinds := f.sub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, action.KindRebuild, kinds[0])
	assert.Contains(t, f.notifier.joined(), "exceeded its traffic limit")
}

func TestPollExceedActionIgnoresWhitelist(t *testing.T) {
	f := newMonitorFixture(t)
	f.cfg.Whitelist.ServerNames = []string{"web-1"}
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.SetTraffic(srv.ID, 120*gb, 0)

	f.mon.poll(context.Background(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f.mon.wg.Wait()

	// the whitelist covers scheduled delete-all only; the configured
	// exceed action still runs
	kinds := f.sub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, action.KindRebuild, kinds[0])
}

func TestPollPrunesVanishedWindows(t *testing.T) {
	f := newMonitorFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	f.mon.poll(context.Background(), now)
	_, ok := f.store.Window(srv.ID)
	require.True(t, ok)

	require.NoError(t, f.hc.DeleteServer(context.Background(), srv))
	f.mon.poll(context.Background(), now.Add(5*time.Minute))
	_, ok = f.store.Window(srv.ID)
	assert.False(t, ok)
}

func TestScheduleTickDeleteAllSkipsWhitelist(t *testing.T) {
	f := newMonitorFixture(t)
	f.cfg.Whitelist.ServerNames = []string{"bastion"}
	f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.AddServer(&hcloud.Server{Name: "bastion"})
	require.NoError(t, f.store.SetSchedule(schedule.Config{
		Enabled:     true,
		DeleteTimes: []string{"04:00"},
	}))

	now := time.Date(2024, 5, 1, 4, 1, 0, 0, time.UTC)
	f.mon.scheduleTick(context.Background(), now)
	f.mon.wg.Wait()

	kinds := f.sub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, action.KindDelete, kinds[0])
	assert.Equal(t, "web-1", f.sub.intents[0].ServerName)

	// fired marker blocks a second run the same day
	f.mon.scheduleTick(context.Background(), now.Add(time.Minute))
	f.mon.wg.Wait()
	assert.Len(t, f.sub.kinds(), 1)
}

func TestScheduleTickCreateFromSnapshots(t *testing.T) {
	f := newMonitorFixture(t)
	seed := &config.Config{}
	seed.Rebuild.SnapshotIDMap = map[string]int64{"web-1": 5}
	require.NoError(t, f.store.SeedFromConfig(seed))
	require.NoError(t, f.store.SetSchedule(schedule.Config{
		Enabled:     true,
		CreateTimes: []string{"05:00"},
	}))

	f.mon.scheduleTick(context.Background(), time.Date(2024, 5, 1, 5, 0, 30, 0, time.UTC))
	f.mon.wg.Wait()

	kinds := f.sub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, action.KindCreateFromSnapshot, kinds[0])
	assert.Equal(t, "web-1", f.sub.intents[0].MapKey)
}

func TestDailyReportFiresOnce(t *testing.T) {
	f := newMonitorFixture(t)
	f.cfg.Telegram.DailyReportTime = "09:00"
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.SetTraffic(srv.ID, 10*gb, 0)

	now := time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC)
	f.mon.dailyReportTick(context.Background(), now)
	assert.Contains(t, f.notifier.joined(), "Daily report")

	f.notifier.messages = nil
	f.mon.dailyReportTick(context.Background(), now.Add(time.Minute))
	assert.Empty(t, f.notifier.joined())
}
