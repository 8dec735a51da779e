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

// Package dns reconciles server-to-record mappings against Cloudflare.
// Records are only written on mismatch, one mapping's failure never
// aborts the rest, and every mapping yields an explicit outcome.
package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"go.uber.org/zap"
)

// callTimeout bounds each Cloudflare call and DNS lookup.
const callTimeout = 15 * time.Second

// API is the subset of the Cloudflare API the syncer uses.
type API interface {
	ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error)
	UpdateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error)
}

// APIFactory builds an API client for a token. Per-mapping token
// overrides need a client per token.
type APIFactory func(apiToken string) (API, error)

// NewAPIFactory returns the factory backed by the real Cloudflare API.
func NewAPIFactory() APIFactory {
	return func(apiToken string) (API, error) {
		return cloudflare.NewWithAPIToken(apiToken)
	}
}

// Mapping binds a server (by id string or name) to an A record. ZoneID
// and APIToken override the syncer's defaults when set.
type Mapping struct {
	Key      string
	Record   string
	ZoneID   string
	APIToken string
}

// Target is a server's current address, taken from the latest fleet
// snapshot.
type Target struct {
	ID   int64
	Name string
	IP   string
}

// Outcome reports what happened to one mapping during a sync.
type Outcome struct {
	Key     string
	Record  string
	IP      string
	Updated bool
	Skipped bool
	Err     error
}

// Syncer reconciles mappings against Cloudflare.
type Syncer struct {
	defaultZoneID string
	defaultToken  string
	factory       APIFactory
	resolver      *net.Resolver
	log           *zap.Logger
}

// NewSyncer creates a syncer with global zone/token defaults.
func NewSyncer(zoneID, apiToken string, factory APIFactory, log *zap.Logger) *Syncer {
	return &Syncer{
		defaultZoneID: zoneID,
		defaultToken:  apiToken,
		factory:       factory,
		resolver:      net.DefaultResolver,
		log:           log,
	}
}

func (s *Syncer) resolveMapping(m Mapping) (zoneID, token string, err error) {
	zoneID = m.ZoneID
	if zoneID == "" {
		zoneID = s.defaultZoneID
	}
	token = m.APIToken
	if token == "" {
		token = s.defaultToken
	}
	if m.Record == "" || zoneID == "" || token == "" {
		return "", "", fmt.Errorf("mapping %q is missing record, zone or token", m.Key)
	}
	return zoneID, token, nil
}

// Sync reconciles all mappings against the given fleet targets. A
// mapping whose record already points at the server's IP performs no
// write. Failures are isolated per mapping.
func (s *Syncer) Sync(ctx context.Context, mappings []Mapping, targets []Target) []Outcome {
	byKey := make(map[string]Target, 2*len(targets))
	for _, t := range targets {
		byKey[fmt.Sprintf("%d", t.ID)] = t
		if t.Name != "" {
			byKey[t.Name] = t
		}
	}

	outcomes := make([]Outcome, 0, len(mappings))
	for _, m := range mappings {
		outcome := Outcome{Key: m.Key, Record: m.Record}
		target, ok := byKey[m.Key]
		if !ok || target.IP == "" {
			outcome.Skipped = true
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.IP = target.IP

		updated, err := s.ensureRecord(ctx, m, target.IP)
		if err != nil {
			outcome.Err = err
			s.log.Warn("dns sync failed for mapping",
				zap.String("key", m.Key), zap.String("record", m.Record), zap.Error(err))
		}
		outcome.Updated = updated
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// ensureRecord updates the A record if and only if its current content
// differs from ip.
func (s *Syncer) ensureRecord(ctx context.Context, m Mapping, ip string) (updated bool, err error) {
	zoneID, token, err := s.resolveMapping(m)
	if err != nil {
		return false, err
	}
	api, err := s.factory(token)
	if err != nil {
		return false, fmt.Errorf("creating cloudflare client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	rc := cloudflare.ZoneIdentifier(zoneID)
	records, _, err := api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type: "A",
		Name: m.Record,
	})
	if err != nil {
		return false, fmt.Errorf("listing dns records for %s: %w", m.Record, err)
	}
	if len(records) == 0 {
		return false, fmt.Errorf("dns record %s does not exist in zone %s", m.Record, zoneID)
	}
	record := records[0]
	if record.Content == ip {
		return false, nil
	}

	_, err = api.UpdateDNSRecord(ctx, rc, cloudflare.UpdateDNSRecordParams{
		ID:      record.ID,
		Type:    "A",
		Name:    m.Record,
		Content: ip,
		TTL:     record.TTL,
		Proxied: record.Proxied,
	})
	if err != nil {
		return false, fmt.Errorf("updating dns record %s: %w", m.Record, err)
	}
	return true, nil
}

// Update points one record at the given IP, writing only when the
// current content differs. Used by the dnstest command and the
// post-rebuild resync.
func (s *Syncer) Update(ctx context.Context, m Mapping, ip string) error {
	_, err := s.ensureRecord(ctx, m, ip)
	return err
}

// Check resolves the record via the system resolver and compares it to
// the expected IP.
func (s *Syncer) Check(ctx context.Context, record, expectedIP string) (resolved string, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	addrs, err := s.resolver.LookupHost(ctx, record)
	if err != nil {
		return "", false, fmt.Errorf("resolving %s: %w", record, err)
	}
	for _, addr := range addrs {
		if addr == expectedIP {
			return addr, true, nil
		}
	}
	if len(addrs) > 0 {
		resolved = addrs[0]
	}
	return resolved, false, nil
}
