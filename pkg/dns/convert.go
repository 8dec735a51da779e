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

package dns

import (
	"sort"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/syself/traffic-warden/pkg/config"
)

// MappingsFrom converts the persisted record map into sync mappings,
// sorted by key for stable output.
func MappingsFrom(records map[string]config.RecordMapping) []Mapping {
	out := make([]Mapping, 0, len(records))
	for key, rec := range records {
		out = append(out, Mapping{
			Key:      key,
			Record:   rec.Record,
			ZoneID:   rec.ZoneID,
			APIToken: rec.APIToken,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TargetsFrom converts a server list into sync targets. Servers without
// a public IPv4 address get an empty IP and are skipped by Sync.
func TargetsFrom(servers []*hcloud.Server) []Target {
	out := make([]Target, 0, len(servers))
	for _, srv := range servers {
		t := Target{ID: srv.ID, Name: srv.Name}
		if srv.PublicNet.IPv4.IP != nil {
			t.IP = srv.PublicNet.IPv4.IP.String()
		}
		out = append(out, t)
	}
	return out
}
