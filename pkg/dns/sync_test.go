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
	"context"
	"errors"
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	records   []cloudflare.DNSRecord
	listErr   error
	updateErr error
	updates   []cloudflare.UpdateDNSRecordParams
}

func (f *fakeAPI) ListDNSRecords(_ context.Context, _ *cloudflare.ResourceContainer, _ cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error) {
	if f.listErr != nil {
		return nil, nil, f.listErr
	}
	return f.records, &cloudflare.ResultInfo{}, nil
}

func (f *fakeAPI) UpdateDNSRecord(_ context.Context, _ *cloudflare.ResourceContainer, params cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error) {
	if f.updateErr != nil {
		return cloudflare.DNSRecord{}, f.updateErr
	}
	f.updates = append(f.updates, params)
	return cloudflare.DNSRecord{ID: params.ID, Content: params.Content}, nil
}

func newTestSyncer(api API) (*Syncer, *[]string) {
	tokens := &[]string{}
	factory := func(token string) (API, error) {
		*tokens = append(*tokens, token)
		return api, nil
	}
	return NewSyncer("zone-1", "token-1", factory, zap.NewNop()), tokens
}

func TestSyncNoWriteWhenInSync(t *testing.T) {
	api := &fakeAPI{records: []cloudflare.DNSRecord{{ID: "r1", Content: "192.0.2.1"}}}
	syncer, _ := newTestSyncer(api)

	outcomes := syncer.Sync(context.Background(),
		[]Mapping{{Key: "42", Record: "web.example.com"}},
		[]Target{{ID: 42, Name: "web-1", IP: "192.0.2.1"}})

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.False(t, outcomes[0].Updated)
	assert.Empty(t, api.updates)
}

func TestSyncUpdatesOnMismatch(t *testing.T) {
	api := &fakeAPI{records: []cloudflare.DNSRecord{{ID: "r1", Content: "192.0.2.99"}}}
	syncer, _ := newTestSyncer(api)

	outcomes := syncer.Sync(context.Background(),
		[]Mapping{{Key: "web-1", Record: "web.example.com"}},
		[]Target{{ID: 42, Name: "web-1", IP: "192.0.2.1"}})

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Updated)
	require.Len(t, api.updates, 1)
	assert.Equal(t, "192.0.2.1", api.updates[0].Content)
	assert.Equal(t, "r1", api.updates[0].ID)
}

func TestSyncSkipsMappingWithoutTarget(t *testing.T) {
	api := &fakeAPI{}
	syncer, _ := newTestSyncer(api)

	outcomes := syncer.Sync(context.Background(),
		[]Mapping{{Key: "ghost", Record: "ghost.example.com"}},
		[]Target{{ID: 42, Name: "web-1", IP: "192.0.2.1"}})

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Skipped)
	assert.Empty(t, api.updates)
}

func TestSyncMissingRecordIsError(t *testing.T) {
	api := &fakeAPI{}
	syncer, _ := newTestSyncer(api)

	outcomes := syncer.Sync(context.Background(),
		[]Mapping{{Key: "42", Record: "web.example.com"}},
		[]Target{{ID: 42, IP: "192.0.2.1"}})

	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Err.Error(), "does not exist")
}

func TestSyncIsolatesFailures(t *testing.T) {
	api := &fakeAPI{
		records: []cloudflare.DNSRecord{{ID: "r1", Content: "192.0.2.99"}},
		listErr: nil,
	}
	syncer, _ := newTestSyncer(api)

	// first mapping has no token resolution problem, second is missing
	// its record name and fails validation; both get an outcome
	outcomes := syncer.Sync(context.Background(),
		[]Mapping{
			{Key: "42", Record: "web.example.com"},
			{Key: "43", Record: ""},
		},
		[]Target{{ID: 42, IP: "192.0.2.1"}, {ID: 43, IP: "192.0.2.2"}})

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.True(t, outcomes[0].Updated)
	assert.Error(t, outcomes[1].Err)
}

func TestPerMappingTokenOverride(t *testing.T) {
	api := &fakeAPI{records: []cloudflare.DNSRecord{{ID: "r1", Content: "192.0.2.1"}}}
	syncer, tokens := newTestSyncer(api)

	err := syncer.Update(context.Background(), Mapping{
		Key:      "42",
		Record:   "web.example.com",
		APIToken: "token-override",
		ZoneID:   "zone-override",
	}, "192.0.2.1")
	require.NoError(t, err)
	require.Len(t, *tokens, 1)
	assert.Equal(t, "token-override", (*tokens)[0])
}

func TestResolveMappingRequiresRecordZoneToken(t *testing.T) {
	syncer := NewSyncer("", "", nil, zap.NewNop())
	_, _, err := syncer.resolveMapping(Mapping{Key: "42", Record: "web.example.com"})
	assert.Error(t, err)

	syncer = NewSyncer("zone-1", "token-1", nil, zap.NewNop())
	zone, token, err := syncer.resolveMapping(Mapping{Key: "42", Record: "web.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "zone-1", zone)
	assert.Equal(t, "token-1", token)
}

func TestUpdateFailurePropagates(t *testing.T) {
	api := &fakeAPI{
		records:   []cloudflare.DNSRecord{{ID: "r1", Content: "192.0.2.99"}},
		updateErr: errors.New("boom"),
	}
	syncer, _ := newTestSyncer(api)
	err := syncer.Update(context.Background(), Mapping{Key: "42", Record: "web.example.com"}, "192.0.2.1")
	assert.Error(t, err)
}
