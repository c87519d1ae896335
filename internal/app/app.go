// Package app wires the workspace, configuration and collaborators shared by the CLI
// commands and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/config"
	"milestonepay/internal/db"
	"milestonepay/internal/engine"
	"milestonepay/internal/logging"
	"milestonepay/internal/metrics"
	"milestonepay/internal/migrate"
	"milestonepay/internal/notify"
	"milestonepay/internal/provider"
	"milestonepay/internal/scheduler"
)

const metricsNamespace = "mpay"

type Options struct {
	Workspace string
	// ConfigPath defaults to mpay.yml inside the workspace.
	ConfigPath string
	// RequireConfig fails when the config file is missing instead of using defaults.
	RequireConfig bool
	LogOutput     io.Writer
}

// App is a migrated workspace with an engine built for its config.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
	Engine    engine.Engine
	Notify    *notify.Dispatcher
	Scheduler *scheduler.Scheduler
	// Sandbox is set when no provider base URL is configured.
	Sandbox *provider.Sandbox
}

func Open(ctx context.Context, opts Options) (*App, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.Path(opts.Workspace)
	}
	load := config.LoadOptional
	if opts.RequireConfig {
		load = config.Load
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	return Build(ctx, opts.Workspace, cfg, opts.LogOutput)
}

// Build opens the workspace database, applies migrations and wires the engine for cfg.
func Build(ctx context.Context, workspace string, cfg *config.Config, logOut io.Writer) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if _, err := migrate.Apply(ctx, conn, logging.Component(logger, "migrate")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	collector := metrics.NewCollector(metricsNamespace)

	a := &App{DB: conn, Config: cfg, Logger: logger, Metrics: collector}
	deps := engine.Deps{
		Metrics: collector,
		Log:     logging.Component(logger, "engine"),
	}
	if cfg.Provider.BaseURL == "" {
		a.Sandbox = provider.NewSandbox()
		deps.Direct, deps.Escrow = a.Sandbox, a.Sandbox
		logger.WithField("mode", cfg.Mode).Warn("no provider base_url configured, using sandbox provider")
	} else {
		client := provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.ProviderTimeout())
		deps.Direct, deps.Escrow = client, client
	}
	a.Engine, err = engine.New(conn, cfg, deps)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.Notify = notify.New(cfg.Subscribers, logging.Component(logger, "notify"))
	a.Notify.Register(a.Engine.Relay)
	a.Scheduler = scheduler.New(a.Engine, cfg.Scheduler, logging.Component(logger, "scheduler"))
	return a, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
