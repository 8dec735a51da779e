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

// traffic-warden watches a Hetzner Cloud fleet's outbound traffic,
// warns at configured thresholds, rebuilds or deletes servers that
// exceed their limit, runs delete/create schedules and keeps DNS
// records pointing at the right machines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/syself/traffic-warden/pkg/api"
	"github.com/syself/traffic-warden/pkg/bot"
	"github.com/syself/traffic-warden/pkg/config"
	"github.com/syself/traffic-warden/pkg/dns"
	"github.com/syself/traffic-warden/pkg/executor"
	"github.com/syself/traffic-warden/pkg/monitor"
	"github.com/syself/traffic-warden/pkg/report"
	hcloudclient "github.com/syself/traffic-warden/pkg/services/hcloud/client"
	"github.com/syself/traffic-warden/pkg/state"
	"github.com/syself/traffic-warden/pkg/version"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "traffic-warden",
		Short:         "Traffic governance for a Hetzner Cloud fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file. Defaults to ./config.yaml or /etc/traffic-warden/config.yaml.")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Specifies log level. Options are 'debug', 'info' and 'error'")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Get().String())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "info":
		lvl = zap.InfoLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level %q, options are 'debug', 'info' and 'error'", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context) error {
	log, err := buildLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info("starting traffic-warden",
		zap.String("version", version.Get().String()),
		zap.Float64("limit_gb", cfg.Traffic.LimitGB),
		zap.String("exceed_action", string(cfg.Traffic.ExceedAction)))

	store := state.NewStore(cfg.StatePath, log)
	if err := store.Load(); err != nil {
		return err
	}
	if err := store.SeedFromConfig(cfg); err != nil {
		return err
	}

	hc := hcloudclient.NewFactory().NewClient(cfg.Hetzner.APIToken)
	defer hc.Close()

	var syncer *dns.Syncer
	if cfg.Cloudflare.APIToken != "" || len(cfg.Cloudflare.RecordMap) > 0 {
		syncer = dns.NewSyncer(cfg.Cloudflare.ZoneID, cfg.Cloudflare.APIToken, dns.NewAPIFactory(), log)
	}

	reports := report.NewBuilder(hc, store, cfg, log)

	var updater executor.DNSUpdater
	if syncer != nil {
		updater = syncer
	}
	exec := executor.New(hc, store, updater, cfg, log)

	var sender bot.Sender
	var telegram *bot.Telegram
	if cfg.Telegram.Enabled {
		telegram, err = bot.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
		if err != nil {
			return err
		}
		sender = telegram
	}
	dispatcher := bot.NewDispatcher(sender, log)
	router := bot.NewRouter(store, exec, reports, syncer, hc, cfg, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	if telegram != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			telegram.Run(ctx, router.Handle)
		}()
	}

	if cfg.API.Enabled {
		srv := api.New(store, exec, reports, syncer, hc, cfg, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Error("dashboard api stopped", zap.Error(err))
			}
		}()
	}

	monitor.New(store, exec, dispatcher, reports, syncer, cfg, log).Run(ctx)

	wg.Wait()
	log.Info("shutdown complete")
	return nil
}
