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

// Package api exposes the read-mostly dashboard HTTP API. It serves
// fleet and audit data and accepts the same destructive operations as
// chat, gated by an explicit confirm flag.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	"github.com/syself/traffic-warden/pkg/report"
	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/traffic"
)

const shutdownTimeout = 10 * time.Second

// Submitter executes one intent to a terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, intent action.Intent) action.Record
}

// Server is the dashboard API server.
type Server struct {
	store   *state.Store
	exec    Submitter
	reports *report.Builder
	syncer  *dns.Syncer
	hc      hcloudclient.Client
	cfg     *config.Config
	log     *zap.Logger

	http *http.Server
}

// New builds the server and its routes. syncer may be nil.
func New(store *state.Store, exec Submitter, reports *report.Builder, syncer *dns.Syncer, hc hcloudclient.Client, cfg *config.Config, log *zap.Logger) *Server {
	s := &Server{
		store:   store,
		exec:    exec,
		reports: reports,
		syncer:  syncer,
		hc:      hc,
		cfg:     cfg,
		log:     log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/servers", s.handleServers)
		apiGroup.GET("/actions", s.handleActions)
		apiGroup.POST("/rebuild", s.handleRebuild)
		apiGroup.POST("/dns_check", s.handleDNSCheck)
	}

	addr := cfg.API.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("dashboard api listening", zap.String("addr", s.http.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type serverView struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	IP            string  `json:"ip,omitempty"`
	OutboundBytes uint64  `json:"outbound_bytes"`
	InboundBytes  uint64  `json:"inbound_bytes"`
	UsedPercent   float64 `json:"used_percent"`
	FiredLevels   []int   `json:"fired_levels,omitempty"`
	Whitelisted   bool    `json:"whitelisted"`
}

func (s *Server) handleServers(c *gin.Context) {
	servers, err := s.reports.Servers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	limit := s.cfg.LimitBytes()
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		view := serverView{
			ID:            srv.ID,
			Name:          srv.Name,
			Status:        string(srv.Status),
			OutboundBytes: srv.OutgoingTraffic,
			InboundBytes:  srv.IngoingTraffic,
			UsedPercent:   traffic.UsedPercent(srv.OutgoingTraffic, limit),
			Whitelisted:   s.cfg.IsWhitelisted(srv.ID, srv.Name),
		}
		if srv.PublicNet.IPv4.IP != nil {
			view.IP = srv.PublicNet.IPv4.IP.String()
		}
		if window, ok := s.store.Window(srv.ID); ok {
			view.FiredLevels = window.FiredLevels
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"servers": views, "limit_bytes": limit})
}

func (s *Server) handleActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": s.store.Actions()})
}

type rebuildRequest struct {
	Server  string `json:"server" binding:"required"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleRebuild(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Confirm {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rebuild requires confirm=true"})
		return
	}
	srv, err := s.resolveServer(c.Request.Context(), req.Server)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	rec := s.exec.Submit(c.Request.Context(), action.Intent{
		Kind:       action.KindRebuild,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		Reason:     "dashboard api",
	})
	status := http.StatusOK
	if rec.Failed() {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"record": rec})
}

type dnsCheckResult struct {
	Key      string `json:"key"`
	Record   string `json:"record"`
	Resolved string `json:"resolved,omitempty"`
	Expected string `json:"expected,omitempty"`
	Match    bool   `json:"match"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleDNSCheck(c *gin.Context) {
	if s.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dns is not configured"})
		return
	}
	ctx := c.Request.Context()
	servers, err := s.reports.Servers(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ips := make(map[string]string, 2*len(servers))
	for _, t := range dns.TargetsFrom(servers) {
		ips[state.Key(t.ID)] = t.IP
		ips[t.Name] = t.IP
	}

	results := make([]dnsCheckResult, 0)
	for _, m := range dns.MappingsFrom(s.store.RecordMap()) {
		res := dnsCheckResult{Key: m.Key, Record: m.Record}
		expected, ok := ips[m.Key]
		if !ok || expected == "" {
			res.Error = "no matching server"
			results = append(results, res)
			continue
		}
		res.Expected = expected
		resolved, match, err := s.syncer.Check(ctx, m.Record, expected)
		if err != nil {
			res.Error = err.Error()
		}
		res.Resolved = resolved
		res.Match = match
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) resolveServer(ctx context.Context, target string) (*hcloud.Server, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		srv, err := s.hc.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}
		if srv != nil {
			return srv, nil
		}
	}
	srv, err := s.hc.GetServerByName(ctx, target)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, fmt.Errorf("server %q not found", target)
	}
	return srv, nil
}
