// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - HTTP relay server command.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
	"github.com/jeranaias/rigrun-relay/internal/server"
	"github.com/jeranaias/rigrun-relay/internal/sink"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

type serveFlags struct {
	listen  string
	noWatch bool
}

func (a *App) serveCommand() *Command {
	var f serveFlags

	return &Command{
		Name:    "serve",
		Summary: "Run the HTTP relay server",
		Examples: []Example{
			{Description: "Serve on the configured address", Command: "rigrun-relay serve"},
			{Description: "Serve on all interfaces with debug logs", Command: "rigrun-relay serve --listen :8787 --log-level debug"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.StringVarP(&f.listen, "listen", "l", "", "listen address, overrides server.listen")
			fs.BoolVar(&f.noWatch, "no-watch", false, "do not reload the config file when it changes")
			return fs
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return Usage("serve takes no arguments")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx, f)
		},
	}
}

func (a *App) runServe(ctx context.Context, f serveFlags) error {
	cfg, path, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.logger(cfg)
	if err != nil {
		return err
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var sinks relay.MultiSink
	if cfg.NATS.URL != "" {
		conn, err := sink.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return &ExitError{Code: ExitNetworkError, Err: err}
		}
		defer conn.Drain()
		sinks = append(sinks, sink.NewNATS(conn, cfg.NATS.SubjectPrefix))
		logger.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("publishing events to nats")
	}

	var store *storage.Store
	if !cfg.Storage.Disabled {
		dbPath, err := cfg.HistoryPath()
		if err != nil {
			return err
		}
		if store, err = storage.Open(dbPath); err != nil {
			return err
		}
		defer store.Close()
		logger.Info().Str("path", dbPath).Msg("chat history enabled")
	}

	var out relay.Sink = relay.Discard
	if len(sinks) > 0 {
		out = sinks
	}
	r := relay.New(relay.NewRegistry(), out,
		relay.WithLogger(logger),
		relay.WithMetrics(relay.NewMetrics(reg)),
		relay.WithDefaultURL(cfg.Upstream.URL),
	)

	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: cfg.Upstream.URL})
	srv := server.New(server.Options{
		Relay:          r,
		Ollama:         client,
		Store:          store,
		Logger:         logger,
		Gatherer:       reg,
		Registerer:     reg,
		DefaultModel:   cfg.Upstream.DefaultModel,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		URLPolicy:      cfg.URLPolicy(),
	})

	probeUpstream(ctx, client, logger)

	if !f.noWatch {
		go a.watchConfig(ctx, path, srv, cfg.URLPolicy(), logger)
	}

	logger.Info().
		Str("listen", cfg.Server.Listen).
		Str("upstream", cfg.Upstream.URL).
		Bool("auth", cfg.Server.AuthToken != "").
		Bool("local_only", cfg.Upstream.LocalOnly).
		Msg("relay server starting")

	if err := srv.Run(ctx, cfg.Server.Listen); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("relay server stopped")
	return nil
}

// probeUpstream logs whether the upstream answers. The server starts either
// way; relays fail individually until the upstream comes up.
func probeUpstream(ctx context.Context, client *ollama.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := client.Health(ctx)
	if !status.Connected {
		logger.Warn().Str("url", status.URL).Str("error", status.Error).Msg("upstream not reachable")
		return
	}
	logger.Info().Str("url", status.URL).Msg("upstream reachable")
}

// watchConfig applies upstream changes from the config file to the running
// server. Listener, auth, storage and policy settings need a restart, so a
// reloaded upstream is still held to the startup policy.
func (a *App) watchConfig(ctx context.Context, path string, srv *server.Server, policy offline.Policy, logger zerolog.Logger) {
	onChange := func(cfg *config.Config) {
		if err := policy.CheckURL(cfg.Upstream.URL); err != nil {
			logger.Warn().Err(err).Str("upstream", cfg.Upstream.URL).Msg("reloaded upstream rejected, keeping previous config")
			return
		}
		if a.url == "" {
			srv.SetUpstream(cfg.Upstream.URL)
		}
		srv.SetDefaultModel(cfg.Upstream.DefaultModel)
		logger.Info().
			Str("upstream", cfg.Upstream.URL).
			Str("default_model", cfg.Upstream.DefaultModel).
			Msg("config reloaded")
	}
	onError := func(err error) {
		logger.Warn().Err(err).Msg("config reload failed, keeping previous config")
	}

	if err := config.Watch(ctx, path, config.DefaultDebounce, onChange, onError); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Str("path", path).Msg("config watch disabled")
	}
}
