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

// Package fake implements an in-memory fake of the HCloud API client for tests.
package fake

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
)

// Client is an in-memory hcloudclient.Client. Servers and snapshots live
// in maps guarded by a mutex; ids are assigned from a counter. Tests can
// inject errors per method name via FailWith.
type Client struct {
	mu              sync.Mutex
	servers         map[int64]*hcloud.Server
	snapshots       map[int64]*hcloud.Image
	serverIDCounter int64
	imageIDCounter  int64
	failures        map[string]error
	failCounts      map[string]*countedFailure
	hooks           map[string]func()

	// Calls records method invocations in order, for assertions on
	// call counts and sequencing.
	Calls []string
}

type countedFailure struct {
	remaining int
	err       error
}

var _ hcloudclient.Client = &Client{}

// NewClient creates an empty fake client.
func NewClient() *Client {
	return &Client{
		servers:    make(map[int64]*hcloud.Server),
		snapshots:  make(map[int64]*hcloud.Image),
		failures:   make(map[string]error),
		failCounts: make(map[string]*countedFailure),
		hooks:      make(map[string]func()),
	}
}

// Factory returns a hcloudclient.Factory handing out this fake.
func (c *Client) Factory() hcloudclient.Factory {
	return &fakeFactory{client: c}
}

type fakeFactory struct {
	client *Client
}

func (f *fakeFactory) NewClient(string) hcloudclient.Client {
	return f.client
}

// FailWith makes the named method return err on every call until reset
// with a nil err.
func (c *Client) FailWith(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = err
}

// FailNTimes makes the named method return err for its next n calls and
// succeed afterwards. Used to exercise retry paths.
func (c *Client) FailNTimes(method string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCounts[method] = &countedFailure{remaining: n, err: err}
}

// SetHook installs fn to run inside every call of the named method,
// after it is recorded. The fake's lock is held while fn runs, so a
// blocking hook holds exactly that call open.
func (c *Client) SetHook(method string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[method] = fn
}

// AddServer seeds a server and returns it. A zero id is replaced by the
// next free id.
func (c *Client) AddServer(server *hcloud.Server) *hcloud.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server.ID == 0 {
		c.serverIDCounter++
		server.ID = c.serverIDCounter
	} else if server.ID > c.serverIDCounter {
		c.serverIDCounter = server.ID
	}
	if server.Status == "" {
		server.Status = hcloud.ServerStatusRunning
	}
	c.servers[server.ID] = server
	return server
}

// AddSnapshot seeds a snapshot image.
func (c *Client) AddSnapshot(image *hcloud.Image) *hcloud.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if image.ID == 0 {
		c.imageIDCounter++
		image.ID = c.imageIDCounter
	}
	image.Type = hcloud.ImageTypeSnapshot
	c.snapshots[image.ID] = image
	return image
}

// SetTraffic updates the cumulative traffic counters of a seeded server.
func (c *Client) SetTraffic(id int64, outgoing, ingoing uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server, ok := c.servers[id]; ok {
		server.OutgoingTraffic = outgoing
		server.IngoingTraffic = ingoing
	}
}

// Close implements the Close method of the Client interface.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = make(map[int64]*hcloud.Server)
	c.snapshots = make(map[int64]*hcloud.Image)
	c.failures = make(map[string]error)
	c.failCounts = make(map[string]*countedFailure)
	c.hooks = make(map[string]func())
	c.serverIDCounter = 0
	c.imageIDCounter = 0
	c.Calls = nil
}

func (c *Client) record(method string) error {
	c.Calls = append(c.Calls, method)
	if fn := c.hooks[method]; fn != nil {
		fn()
	}
	if f := c.failCounts[method]; f != nil && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return c.failures[method]
}

func (c *Client) ListServers(_ context.Context, _ hcloud.ServerListOpts) ([]*hcloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("ListServers"); err != nil {
		return nil, err
	}
	out := make([]*hcloud.Server, 0, len(c.servers))
	for _, server := range c.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) GetServer(_ context.Context, id int64) (*hcloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetServer"); err != nil {
		return nil, err
	}
	return c.servers[id], nil
}

func (c *Client) GetServerByName(_ context.Context, name string) (*hcloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetServerByName"); err != nil {
		return nil, err
	}
	for _, server := range c.servers {
		if server.Name == name {
			return server, nil
		}
	}
	return nil, nil
}

func (c *Client) GetServerMetrics(_ context.Context, _ *hcloud.Server, _ hcloud.ServerGetMetricsOpts) (*hcloud.ServerMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetServerMetrics"); err != nil {
		return nil, err
	}
	return &hcloud.ServerMetrics{TimeSeries: map[string][]hcloud.ServerMetricsValue{}}, nil
}

func (c *Client) CreateServer(_ context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateServer"); err != nil {
		return hcloud.ServerCreateResult{}, err
	}
	for _, server := range c.servers {
		if server.Name == opts.Name {
			return hcloud.ServerCreateResult{}, hcloud.Error{
				Code:    hcloud.ErrorCodeUniquenessError,
				Message: "server name already used",
			}
		}
	}
	c.serverIDCounter++
	server := &hcloud.Server{
		ID:         c.serverIDCounter,
		Name:       opts.Name,
		Status:     hcloud.ServerStatusRunning,
		ServerType: opts.ServerType,
		PublicNet: hcloud.ServerPublicNet{
			IPv4: hcloud.ServerPublicNetIPv4{
				IP: net.IPv4(192, 0, 2, byte(c.serverIDCounter)),
			},
		},
	}
	if opts.Location != nil {
		server.Datacenter = &hcloud.Datacenter{Location: opts.Location}
	}
	c.servers[server.ID] = server
	return hcloud.ServerCreateResult{Server: server}, nil
}

func (c *Client) DeleteServer(_ context.Context, server *hcloud.Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeleteServer"); err != nil {
		return err
	}
	if _, ok := c.servers[server.ID]; !ok {
		return hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	delete(c.servers, server.ID)
	return nil
}

func (c *Client) PowerOnServer(_ context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	return c.powerAction("PowerOnServer", server, hcloud.ServerStatusRunning)
}

func (c *Client) PowerOffServer(_ context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	return c.powerAction("PowerOffServer", server, hcloud.ServerStatusOff)
}

func (c *Client) RebootServer(_ context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	return c.powerAction("RebootServer", server, hcloud.ServerStatusRunning)
}

func (c *Client) powerAction(method string, server *hcloud.Server, status hcloud.ServerStatus) (*hcloud.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(method); err != nil {
		return nil, err
	}
	existing, ok := c.servers[server.ID]
	if !ok {
		return nil, hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	existing.Status = status
	return &hcloud.Action{Status: hcloud.ActionStatusSuccess}, nil
}

func (c *Client) RebuildServer(_ context.Context, server *hcloud.Server, _ hcloud.ServerRebuildOpts) (hcloud.ServerRebuildResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("RebuildServer"); err != nil {
		return hcloud.ServerRebuildResult{}, err
	}
	existing, ok := c.servers[server.ID]
	if !ok {
		return hcloud.ServerRebuildResult{}, hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	existing.OutgoingTraffic = 0
	existing.IngoingTraffic = 0
	return hcloud.ServerRebuildResult{Action: &hcloud.Action{Status: hcloud.ActionStatusSuccess}}, nil
}

func (c *Client) ListSnapshots(_ context.Context) ([]*hcloud.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("ListSnapshots"); err != nil {
		return nil, err
	}
	out := make([]*hcloud.Image, 0, len(c.snapshots))
	for _, image := range c.snapshots {
		out = append(out, image)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (c *Client) CreateSnapshot(_ context.Context, server *hcloud.Server, opts *hcloud.ServerCreateImageOpts) (hcloud.ServerCreateImageResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateSnapshot"); err != nil {
		return hcloud.ServerCreateImageResult{}, err
	}
	if _, ok := c.servers[server.ID]; !ok {
		return hcloud.ServerCreateImageResult{}, hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	c.imageIDCounter++
	image := &hcloud.Image{ID: c.imageIDCounter, Type: hcloud.ImageTypeSnapshot}
	if opts != nil && opts.Description != nil {
		image.Description = *opts.Description
	}
	c.snapshots[image.ID] = image
	return hcloud.ServerCreateImageResult{
		Image:  image,
		Action: &hcloud.Action{Status: hcloud.ActionStatusSuccess},
	}, nil
}
