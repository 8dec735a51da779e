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

// Package executor serializes decided intents and executes them against
// the cloud provider, with bounded retries and per-server locking.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/traffic"
)

const (
	// callTimeout bounds every single cloud API call.
	callTimeout = 2 * time.Minute
	// maxAttempts bounds retries of transient failures per call.
	maxAttempts = 4
)

// ErrServerNotFound is returned when an intent targets a server the
// provider no longer knows. It is terminal.
var ErrServerNotFound = errors.New("server not found")

// DNSUpdater is the slice of DNSSync the executor needs after a rebuild
// or create.
type DNSUpdater interface {
	Update(ctx context.Context, m dns.Mapping, ip string) error
}

// Executor serializes and executes intents against the cloud provider.
// Intents for the same server are strictly serialized by a per-server
// lock held from acceptance until the outcome is recorded and dependent
// state resets are applied. Identical intents already in flight are
// coalesced.
type Executor struct {
	hc    hcloudclient.Client
	store *state.Store
	dns   DNSUpdater
	cfg   *config.Config
	log   *zap.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]struct{}
}

// New wires an executor. dnsUpdater may be nil when DNS reconciliation
// is not configured.
func New(hc hcloudclient.Client, store *state.Store, dnsUpdater DNSUpdater, cfg *config.Config, log *zap.Logger) *Executor {
	return &Executor{
		hc:       hc,
		store:    store,
		dns:      dnsUpdater,
		cfg:      cfg,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		inflight: make(map[string]struct{}),
	}
}

func (e *Executor) serverLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// lockKey serializes intents per server; creations without a live
// server serialize on their map key instead.
func lockKey(intent action.Intent) string {
	if intent.ServerID != 0 {
		return state.Key(intent.ServerID)
	}
	return "create:" + intent.MapKey
}

// Submit executes one intent and blocks until it reaches a terminal
// outcome or its bounded timeout. The outcome is appended to the audit
// log before Submit returns.
func (e *Executor) Submit(ctx context.Context, intent action.Intent) action.Record {
	rec := action.Record{
		ServerID:    intent.ServerID,
		ServerName:  intent.ServerName,
		Kind:        intent.Kind,
		Reason:      intent.Reason,
		RequestedAt: time.Now(),
	}

	if intent.Kind == action.KindNotify {
		rec.Outcome = action.OutcomeFailed
		rec.Detail = "notify intents are handled by the notification dispatcher"
		rec.CompletedAt = time.Now()
		return rec
	}

	if intent.Kind.Destructive() {
		e.mu.Lock()
		if _, busy := e.inflight[intent.CoalesceKey()]; busy {
			e.mu.Unlock()
			rec.Outcome = action.OutcomeCoalesced
			rec.Detail = "identical intent already in flight"
			rec.CompletedAt = time.Now()
			return rec
		}
		e.inflight[intent.CoalesceKey()] = struct{}{}
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, intent.CoalesceKey())
			e.mu.Unlock()
		}()
	}

	lock := e.serverLock(lockKey(intent))
	lock.Lock()
	defer lock.Unlock()

	err := e.execute(ctx, intent, &rec)
	rec.CompletedAt = time.Now()
	if err != nil {
		rec.Outcome = action.OutcomeFailed
		rec.Detail = err.Error()
	} else {
		rec.Outcome = action.OutcomeSucceeded
	}

	if appendErr := e.store.AppendAction(rec); appendErr != nil {
		e.log.Error("appending action record failed", zap.Error(appendErr))
	}
	e.log.Info("intent executed",
		zap.String("kind", string(intent.Kind)),
		zap.Int64("server_id", intent.ServerID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("detail", rec.Detail))
	return rec
}

func (e *Executor) execute(ctx context.Context, intent action.Intent, rec *action.Record) error {
	switch intent.Kind {
	case action.KindPowerOn, action.KindPowerOff, action.KindReboot:
		return e.execPower(ctx, intent)
	case action.KindCreateSnapshot:
		return e.execCreateSnapshot(ctx, intent)
	case action.KindDelete:
		return e.execDelete(ctx, intent)
	case action.KindRebuild:
		return e.execRebuild(ctx, intent, rec)
	case action.KindCreateFromSnapshot:
		return e.execCreateFromSnapshot(ctx, intent, rec)
	default:
		return fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
}

// retryable treats uniqueness errors as transient on top of the client
// classification: right after a delete the old name can still be held
// for a short time.
func retryable(err error) bool {
	return hcloudclient.IsTransient(err) || hcloud.IsError(err, hcloud.ErrorCodeUniquenessError)
}

// retry runs op with bounded exponential backoff. Terminal errors abort
// immediately.
func (e *Executor) retry(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}

func (e *Executor) getServer(ctx context.Context, id int64) (*hcloud.Server, error) {
	var server *hcloud.Server
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		server, err = e.hc.GetServer(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, fmt.Errorf("%w: id %d", ErrServerNotFound, id)
	}
	return server, nil
}

func (e *Executor) execPower(ctx context.Context, intent action.Intent) error {
	server, err := e.getServer(ctx, intent.ServerID)
	if err != nil {
		return err
	}
	return e.retry(ctx, func(ctx context.Context) error {
		var err error
		switch intent.Kind {
		case action.KindPowerOn:
			_, err = e.hc.PowerOnServer(ctx, server)
		case action.KindPowerOff:
			_, err = e.hc.PowerOffServer(ctx, server)
		default:
			_, err = e.hc.RebootServer(ctx, server)
		}
		return err
	})
}

func (e *Executor) execCreateSnapshot(ctx context.Context, intent action.Intent) error {
	server, err := e.getServer(ctx, intent.ServerID)
	if err != nil {
		return err
	}
	opts := &hcloud.ServerCreateImageOpts{Type: hcloud.ImageTypeSnapshot}
	if intent.Description != "" {
		opts.Description = hcloud.Ptr(intent.Description)
	}
	return e.retry(ctx, func(ctx context.Context) error {
		_, err := e.hc.CreateSnapshot(ctx, server, opts)
		return err
	})
}

// execDelete removes the server and destroys its window state: the
// server is gone and not recreated under the same id.
func (e *Executor) execDelete(ctx context.Context, intent action.Intent) error {
	server, err := e.getServer(ctx, intent.ServerID)
	if err != nil {
		return err
	}
	if err := e.retry(ctx, func(ctx context.Context) error {
		return e.hc.DeleteServer(ctx, server)
	}); err != nil {
		return err
	}
	if err := e.store.DeleteWindow(intent.ServerID); err != nil {
		e.log.Error("dropping window state after delete failed",
			zap.Int64("server_id", intent.ServerID), zap.Error(err))
	}
	return nil
}

// execRebuild implements delete+recreate-from-snapshot, or an in-place
// reimage when rebuild.in_place is set. On success the replacement gets
// a fresh traffic window; for delete+create the id maps are remapped
// and the DNS record is pointed at the new IP.
func (e *Executor) execRebuild(ctx context.Context, intent action.Intent, rec *action.Record) error {
	old, err := e.getServer(ctx, intent.ServerID)
	if err != nil {
		return err
	}
	oldKey := state.Key(old.ID)

	snapshotID, err := e.resolveSnapshot(ctx, oldKey, old.Name)
	if err != nil {
		return err
	}

	if e.cfg.Rebuild.InPlace {
		return e.execRebuildInPlace(ctx, old, snapshotID, rec)
	}

	name := e.replacementName(oldKey, old.Name)

	if err := e.retry(ctx, func(ctx context.Context) error {
		return e.hc.DeleteServer(ctx, old)
	}); err != nil {
		return fmt.Errorf("deleting server %d: %w", old.ID, err)
	}

	opts := hcloud.ServerCreateOpts{
		Name:             name,
		ServerType:       old.ServerType,
		Image:            &hcloud.Image{ID: snapshotID},
		StartAfterCreate: hcloud.Ptr(true),
	}
	if old.Datacenter != nil {
		opts.Location = old.Datacenter.Location
	}

	created, err := e.createServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("recreating server %q from snapshot %d: %w", name, snapshotID, err)
	}

	e.finishReplacement(ctx, oldKey, old.Name, created, rec)
	return nil
}

// execRebuildInPlace reimages the server with the resolved snapshot.
// Id, name and IP survive, so the maps and DNS stay valid; only the
// traffic window is reset.
func (e *Executor) execRebuildInPlace(ctx context.Context, server *hcloud.Server, snapshotID int64, rec *action.Record) error {
	if err := e.retry(ctx, func(ctx context.Context) error {
		_, err := e.hc.RebuildServer(ctx, server, hcloud.ServerRebuildOpts{
			Image: &hcloud.Image{ID: snapshotID},
		})
		return err
	}); err != nil {
		return fmt.Errorf("rebuilding server %d from snapshot %d: %w", server.ID, snapshotID, err)
	}
	if err := e.store.SetWindow(traffic.NewWindowState(server.ID, time.Now())); err != nil {
		e.log.Error("resetting window state after in-place rebuild failed",
			zap.Int64("server_id", server.ID), zap.Error(err))
	}
	rec.Detail = appendDetail(rec.Detail, fmt.Sprintf("rebuilt in place from snapshot %d", snapshotID))
	return nil
}

// execCreateFromSnapshot creates a server for one snapshot-map entry
// using the fallback template. It is used by the schedule's create step
// and the createfromsnapshot commands.
func (e *Executor) execCreateFromSnapshot(ctx context.Context, intent action.Intent, rec *action.Record) error {
	key := intent.MapKey
	snapshotID := intent.SnapshotID
	if snapshotID == 0 {
		var ok bool
		snapshotID, ok = e.store.SnapshotID(key)
		if !ok {
			return fmt.Errorf("no snapshot mapped for %q", key)
		}
	}

	template := e.cfg.Rebuild.FallbackTemplate
	if template.ServerType == "" || template.Location == "" {
		return fmt.Errorf("rebuild.fallback_template needs server_type and location")
	}

	name := e.replacementName(key, "")

	opts := hcloud.ServerCreateOpts{
		Name:             name,
		ServerType:       &hcloud.ServerType{Name: template.ServerType},
		Image:            &hcloud.Image{ID: snapshotID},
		Location:         &hcloud.Location{Name: template.Location},
		StartAfterCreate: hcloud.Ptr(true),
	}
	for _, keyName := range template.SSHKeys {
		opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{Name: keyName})
	}

	created, err := e.createServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("creating server %q from snapshot %d: %w", name, snapshotID, err)
	}

	e.finishReplacement(ctx, key, "", created, rec)
	return nil
}

func (e *Executor) createServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error) {
	var created *hcloud.Server
	err := e.retry(ctx, func(ctx context.Context) error {
		res, err := e.hc.CreateServer(ctx, opts)
		if err != nil {
			return err
		}
		created = res.Server
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("provider returned no server for %q", opts.Name)
	}
	return created, nil
}

// finishReplacement applies the dependent effects of a successful
// rebuild or create: fresh window, id-map remap, DNS resync. DNS
// failure is reported in the record detail but does not fail the
// action; there is no transaction across providers.
func (e *Executor) finishReplacement(ctx context.Context, oldKey, oldName string, created *hcloud.Server, rec *action.Record) {
	now := time.Now()

	if err := e.store.DeleteWindow(rec.ServerID); err != nil {
		e.log.Error("dropping old window state failed", zap.String("key", oldKey), zap.Error(err))
	}
	if err := e.store.SetWindow(traffic.NewWindowState(created.ID, now)); err != nil {
		e.log.Error("creating fresh window state failed", zap.Int64("server_id", created.ID), zap.Error(err))
	}
	if err := e.store.RemapServer(oldKey, created.ID); err != nil {
		e.log.Error("remapping server ids failed", zap.String("old", oldKey), zap.Error(err))
	}

	rec.NewServerID = created.ID
	if created.PublicNet.IPv4.IP != nil {
		rec.NewIP = created.PublicNet.IPv4.IP.String()
	}

	if e.dns == nil || rec.NewIP == "" {
		return
	}
	mapping, ok := e.store.RecordMapping(state.Key(created.ID), oldKey, oldName, created.Name)
	if !ok {
		return
	}
	err := e.dns.Update(ctx, dns.Mapping{
		Key:      oldKey,
		Record:   mapping.Record,
		ZoneID:   mapping.ZoneID,
		APIToken: mapping.APIToken,
	}, rec.NewIP)
	if err != nil {
		rec.Detail = appendDetail(rec.Detail, fmt.Sprintf("dns update failed: %v", err))
		return
	}
	rec.Detail = appendDetail(rec.Detail, fmt.Sprintf("dns record %s -> %s", mapping.Record, rec.NewIP))
}

// resolveSnapshot picks the mapped snapshot for a server, falling back
// to the newest snapshot in the project.
func (e *Executor) resolveSnapshot(ctx context.Context, keys ...string) (int64, error) {
	if id, ok := e.store.SnapshotID(keys...); ok {
		return id, nil
	}
	var snapshots []*hcloud.Image
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		snapshots, err = e.hc.ListSnapshots(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return 0, fmt.Errorf("no snapshot available, refusing to rebuild")
	}
	return snapshots[0].ID, nil
}

// replacementName decides what a recreated server is called. With
// use_original_name the old name survives; otherwise the DNS record's
// first label is used, then an auto-generated fallback.
func (e *Executor) replacementName(key, oldName string) string {
	if e.cfg.Rebuild.UseOriginalName && oldName != "" {
		return oldName
	}
	if mapping, ok := e.store.RecordMapping(key, oldName); ok && mapping.Record != "" {
		if label, _, found := strings.Cut(mapping.Record, "."); found && label != "" {
			return label
		}
		return mapping.Record
	}
	if oldName != "" {
		return oldName
	}
	return "auto-" + key
}

func appendDetail(detail, more string) string {
	if detail == "" {
		return more
	}
	return detail + "; " + more
}
