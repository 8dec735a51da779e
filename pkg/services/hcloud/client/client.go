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

// Package hcloudclient defines and implements the interface for talking to the Hetzner HCloud API.
package hcloudclient

import (
	"context"
	"errors"
	"net"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// Client collects all methods used by the monitor in the hcloud cloud API.
type Client interface {
	Close()

	ListServers(ctx context.Context, opts hcloud.ServerListOpts) ([]*hcloud.Server, error)
	GetServer(ctx context.Context, id int64) (*hcloud.Server, error)
	GetServerByName(ctx context.Context, name string) (*hcloud.Server, error)
	GetServerMetrics(ctx context.Context, server *hcloud.Server, opts hcloud.ServerGetMetricsOpts) (*hcloud.ServerMetrics, error)
	CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, error)
	DeleteServer(ctx context.Context, server *hcloud.Server) error
	PowerOnServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error)
	PowerOffServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error)
	RebootServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error)
	RebuildServer(ctx context.Context, server *hcloud.Server, opts hcloud.ServerRebuildOpts) (hcloud.ServerRebuildResult, error)
	ListSnapshots(ctx context.Context) ([]*hcloud.Image, error)
	CreateSnapshot(ctx context.Context, server *hcloud.Server, opts *hcloud.ServerCreateImageOpts) (hcloud.ServerCreateImageResult, error)
}

// Factory is the interface for creating new Client objects.
type Factory interface {
	NewClient(hcloudToken string) Client
}

// NewClient creates new HCloud clients.
func (f *factory) NewClient(hcloudToken string) Client {
	return &realClient{client: hcloud.NewClient(
		hcloud.WithToken(hcloudToken),
		hcloud.WithApplication("traffic-warden", ""),
	)}
}

type factory struct{}

var _ = Factory(&factory{})

// NewFactory creates a new factory for HCloud clients.
func NewFactory() Factory {
	return &factory{}
}

var _ Client = &realClient{}

type realClient struct {
	client *hcloud.Client
}

// Close implements the Close method of the Client interface.
func (c *realClient) Close() {}

func (c *realClient) ListServers(ctx context.Context, opts hcloud.ServerListOpts) ([]*hcloud.Server, error) {
	return c.client.Server.AllWithOpts(ctx, opts)
}

func (c *realClient) GetServer(ctx context.Context, id int64) (*hcloud.Server, error) {
	server, _, err := c.client.Server.GetByID(ctx, id)
	return server, err
}

func (c *realClient) GetServerByName(ctx context.Context, name string) (*hcloud.Server, error) {
	server, _, err := c.client.Server.GetByName(ctx, name)
	return server, err
}

func (c *realClient) GetServerMetrics(ctx context.Context, server *hcloud.Server, opts hcloud.ServerGetMetricsOpts) (*hcloud.ServerMetrics, error) {
	metrics, _, err := c.client.Server.GetMetrics(ctx, server, opts)
	return metrics, err
}

func (c *realClient) CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, error) {
	res, _, err := c.client.Server.Create(ctx, opts)
	return res, err
}

func (c *realClient) DeleteServer(ctx context.Context, server *hcloud.Server) error {
	_, _, err := c.client.Server.DeleteWithResult(ctx, server)
	return err
}

func (c *realClient) PowerOnServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	res, _, err := c.client.Server.Poweron(ctx, server)
	return res, err
}

func (c *realClient) PowerOffServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	res, _, err := c.client.Server.Poweroff(ctx, server)
	return res, err
}

func (c *realClient) RebootServer(ctx context.Context, server *hcloud.Server) (*hcloud.Action, error) {
	res, _, err := c.client.Server.Reboot(ctx, server)
	return res, err
}

func (c *realClient) RebuildServer(ctx context.Context, server *hcloud.Server, opts hcloud.ServerRebuildOpts) (hcloud.ServerRebuildResult, error) {
	res, _, err := c.client.Server.RebuildWithResult(ctx, server, opts)
	return res, err
}

func (c *realClient) ListSnapshots(ctx context.Context) ([]*hcloud.Image, error) {
	return c.client.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		Type: []hcloud.ImageType{hcloud.ImageTypeSnapshot},
		Sort: []string{"created:desc"},
	})
}

func (c *realClient) CreateSnapshot(ctx context.Context, server *hcloud.Server, opts *hcloud.ServerCreateImageOpts) (hcloud.ServerCreateImageResult, error) {
	res, _, err := c.client.Server.CreateImage(ctx, server, opts)
	return res, err
}

// IsTransient reports whether an API error is worth retrying: rate
// limits, conflicts, resource locks, service errors and network
// timeouts. Everything else (auth, not found, invalid input) is
// terminal for the operation that hit it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range []hcloud.ErrorCode{
		hcloud.ErrorCodeRateLimitExceeded,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeServiceError,
	} {
		if hcloud.IsError(err, code) {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
