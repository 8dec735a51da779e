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

package executor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	"github.com/syself/traffic-warden/pkg/executor"
	"github.com/syself/traffic-warden/pkg/services/hcloud/client/fake"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/traffic"
)

type recordingDNS struct {
	calls []string
}

func (r *recordingDNS) Update(_ context.Context, m dns.Mapping, ip string) error {
	r.calls = append(r.calls, m.Record+"->"+ip)
	return nil
}

type fixture struct {
	hc    *fake.Client
	store *state.Store
	dns   *recordingDNS
	cfg   *config.Config
	exec  *executor.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hc := fake.NewClient()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	require.NoError(t, store.Load())
	dnsRec := &recordingDNS{}
	cfg := &config.Config{}
	cfg.Rebuild.UseOriginalName = true
	return &fixture{
		hc:    hc,
		store: store,
		dns:   dnsRec,
		cfg:   cfg,
		exec:  executor.New(hc, store, dnsRec, cfg, zap.NewNop()),
	}
}

func callCount(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestSubmitDelete(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	require.NoError(t, f.store.SetWindow(trafficWindow(srv.ID)))

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:       action.KindDelete,
		ServerID:   srv.ID,
		ServerName: "web-1",
		Reason:     "test",
	})

	assert.Equal(t, action.OutcomeSucceeded, rec.Outcome)
	servers, err := f.hc.ListServers(context.Background(), hcloud.ServerListOpts{})
	require.NoError(t, err)
	assert.Empty(t, servers)

	// window state of the deleted server is gone
	_, ok := f.store.Window(srv.ID)
	assert.False(t, ok)

	// outcome is in the audit log
	actions := f.store.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, action.KindDelete, actions[0].Kind)
	assert.Equal(t, action.OutcomeSucceeded, actions[0].Outcome)
}

func TestSubmitDeleteUnknownServerFails(t *testing.T) {
	f := newFixture(t)
	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:     action.KindDelete,
		ServerID: 999,
	})
	assert.Equal(t, action.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Detail, "not found")
}

func TestSubmitTerminalErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.FailWith("DeleteServer", hcloud.Error{Code: hcloud.ErrorCodeUnauthorized, Message: "nope"})

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:     action.KindDelete,
		ServerID: srv.ID,
	})
	assert.Equal(t, action.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, callCount(f.hc.Calls, "DeleteServer"))
}

func TestSubmitPowerOn(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1", Status: hcloud.ServerStatusOff})

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:       action.KindPowerOn,
		ServerID:   srv.ID,
		ServerName: "web-1",
	})
	assert.Equal(t, action.OutcomeSucceeded, rec.Outcome)

	got, err := f.hc.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.Equal(t, hcloud.ServerStatusRunning, got.Status)
}

func TestSubmitRebuildKeepsNameAndResyncsDNS(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{
		Name:       "web-1",
		ServerType: &hcloud.ServerType{Name: "cx22"},
	})
	snap := f.hc.AddSnapshot(&hcloud.Image{Description: "base"})

	seed := &config.Config{}
	seed.Rebuild.SnapshotIDMap = map[string]int64{state.Key(srv.ID): snap.ID}
	seed.Cloudflare.RecordMap = map[string]config.RecordMapping{
		state.Key(srv.ID): {Record: "web.example.com"},
	}
	require.NoError(t, f.store.SeedFromConfig(seed))
	require.NoError(t, f.store.SetWindow(trafficWindow(srv.ID)))

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:       action.KindRebuild,
		ServerID:   srv.ID,
		ServerName: "web-1",
		Reason:     "traffic limit exceeded",
	})

	require.Equal(t, action.OutcomeSucceeded, rec.Outcome, rec.Detail)
	require.NotZero(t, rec.NewServerID)
	assert.NotEqual(t, srv.ID, rec.NewServerID)
	assert.NotEmpty(t, rec.NewIP)

	// replacement kept the original name
	created, err := f.hc.GetServer(context.Background(), rec.NewServerID)
	require.NoError(t, err)
	assert.Equal(t, "web-1", created.Name)

	// old window is gone, the replacement starts fresh
	_, ok := f.store.Window(srv.ID)
	assert.False(t, ok)
	window, ok := f.store.Window(rec.NewServerID)
	require.True(t, ok)
	assert.Empty(t, window.FiredLevels)

	// id maps moved to the new server id
	_, ok = f.store.SnapshotID(state.Key(srv.ID))
	assert.False(t, ok)
	id, ok := f.store.SnapshotID(state.Key(rec.NewServerID))
	require.True(t, ok)
	assert.Equal(t, snap.ID, id)

	// DNS was pointed at the new address
	require.Len(t, f.dns.calls, 1)
	assert.Equal(t, "web.example.com->"+rec.NewIP, f.dns.calls[0])
}

func TestSubmitRebuildFallsBackToNewestSnapshot(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	snap := f.hc.AddSnapshot(&hcloud.Image{Description: "latest"})

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:     action.KindRebuild,
		ServerID: srv.ID,
	})
	require.Equal(t, action.OutcomeSucceeded, rec.Outcome, rec.Detail)
	_ = snap
}

func TestSubmitRebuildWithoutAnySnapshotFails(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:     action.KindRebuild,
		ServerID: srv.ID,
	})
	assert.Equal(t, action.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Detail, "no snapshot")

	// the server must not have been deleted
	got, err := f.hc.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSubmitCreateFromSnapshot(t *testing.T) {
	f := newFixture(t)
	snap := f.hc.AddSnapshot(&hcloud.Image{Description: "base"})

	f.cfg.Rebuild.FallbackTemplate = config.Template{ServerType: "cx22", Location: "fsn1"}
	seed := &config.Config{}
	seed.Rebuild.SnapshotIDMap = map[string]int64{"web-2": snap.ID}
	seed.Cloudflare.RecordMap = map[string]config.RecordMapping{
		"web-2": {Record: "web2.example.com"},
	}
	require.NoError(t, f.store.SeedFromConfig(seed))

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:   action.KindCreateFromSnapshot,
		MapKey: "web-2",
		Reason: "scheduled create",
	})
	require.Equal(t, action.OutcomeSucceeded, rec.Outcome, rec.Detail)
	require.NotZero(t, rec.NewServerID)

	created, err := f.hc.GetServer(context.Background(), rec.NewServerID)
	require.NoError(t, err)
	// name derived from the DNS record's first label
	assert.Equal(t, "web2", created.Name)
}

func TestSubmitCreateFromSnapshotWithoutTemplateFails(t *testing.T) {
	f := newFixture(t)
	snap := f.hc.AddSnapshot(&hcloud.Image{})
	seed := &config.Config{}
	seed.Rebuild.SnapshotIDMap = map[string]int64{"web-2": snap.ID}
	require.NoError(t, f.store.SeedFromConfig(seed))

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:   action.KindCreateFromSnapshot,
		MapKey: "web-2",
	})
	assert.Equal(t, action.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Detail, "fallback_template")
}

func TestSubmitRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	f.hc.FailNTimes("DeleteServer", 1, hcloud.Error{Code: hcloud.ErrorCodeRateLimitExceeded, Message: "slow down"})

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:     action.KindDelete,
		ServerID: srv.ID,
	})
	assert.Equal(t, action.OutcomeSucceeded, rec.Outcome, rec.Detail)
	assert.Equal(t, 2, callCount(f.hc.Calls, "DeleteServer"))
}

func TestConcurrentDuplicateDeleteIsCoalesced(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.hc.SetHook("DeleteServer", func() {
		close(entered)
		<-release
	})

	intent := action.Intent{Kind: action.KindDelete, ServerID: srv.ID, ServerName: "web-1"}

	var first action.Record
	done := make(chan struct{})
	go func() {
		first = f.exec.Submit(context.Background(), intent)
		close(done)
	}()

	<-entered
	second := f.exec.Submit(context.Background(), intent)
	assert.Equal(t, action.OutcomeCoalesced, second.Outcome)

	close(release)
	<-done
	assert.Equal(t, action.OutcomeSucceeded, first.Outcome)
	assert.Equal(t, 1, callCount(f.hc.Calls, "DeleteServer"))

	// only the executed intent reaches the audit log
	actions := f.store.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, action.OutcomeSucceeded, actions[0].Outcome)
}

func TestSameServerIntentsAreSerialized(t *testing.T) {
	f := newFixture(t)
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1", Status: hcloud.ServerStatusOff})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.hc.SetHook("PowerOnServer", func() {
		close(entered)
		<-release
	})

	done1 := make(chan struct{})
	go func() {
		f.exec.Submit(context.Background(), action.Intent{Kind: action.KindPowerOn, ServerID: srv.ID})
		close(done1)
	}()
	<-entered

	done2 := make(chan struct{})
	go func() {
		f.exec.Submit(context.Background(), action.Intent{Kind: action.KindPowerOff, ServerID: srv.ID})
		close(done2)
	}()

	// the second intent must wait on the per-server lock
	select {
	case <-done2:
		t.Fatal("second intent completed while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-done1
	<-done2

	assert.Equal(t, []string{"GetServer", "PowerOnServer", "GetServer", "PowerOffServer"}, f.hc.Calls)
}

func TestSubmitRebuildInPlace(t *testing.T) {
	f := newFixture(t)
	f.cfg.Rebuild.InPlace = true
	srv := f.hc.AddServer(&hcloud.Server{Name: "web-1"})
	snap := f.hc.AddSnapshot(&hcloud.Image{Description: "base"})
	seed := &config.Config{}
	seed.Rebuild.SnapshotIDMap = map[string]int64{state.Key(srv.ID): snap.ID}
	require.NoError(t, f.store.SeedFromConfig(seed))
	require.NoError(t, f.store.SetWindow(trafficWindow(srv.ID)))

	rec := f.exec.Submit(context.Background(), action.Intent{
		Kind:       action.KindRebuild,
		ServerID:   srv.ID,
		ServerName: "web-1",
	})
	require.Equal(t, action.OutcomeSucceeded, rec.Outcome, rec.Detail)
	assert.Zero(t, rec.NewServerID)

	// the server is reimaged under its own id, never replaced
	assert.Equal(t, 1, callCount(f.hc.Calls, "RebuildServer"))
	assert.Zero(t, callCount(f.hc.Calls, "DeleteServer"))
	assert.Zero(t, callCount(f.hc.Calls, "CreateServer"))

	// fresh window, same server id
	window, ok := f.store.Window(srv.ID)
	require.True(t, ok)
	assert.Empty(t, window.FiredLevels)

	// id and IP survive, so no DNS update happens
	assert.Empty(t, f.dns.calls)
}

func TestSubmitNotifyIsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.exec.Submit(context.Background(), action.Intent{Kind: action.KindNotify})
	assert.Equal(t, action.OutcomeFailed, rec.Outcome)
	// rejected notifies never reach the audit log
	assert.Empty(t, f.store.Actions())
}

func trafficWindow(id int64) traffic.WindowState {
	w := traffic.NewWindowState(id, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	w.FiredLevels = []int{50, 90}
	return w
}
