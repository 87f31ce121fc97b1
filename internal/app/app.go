// Package app wires a workspace into a ready engine: database, migrations,
// configuration and seeded reporting lines.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"appraisal/internal/config"
	"appraisal/internal/db"
	"appraisal/internal/engine"
	"appraisal/internal/metrics"
	"appraisal/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/appraisal.yml.
	ConfigPath string
	Logger     *slog.Logger
	// Registerer receives the engine metrics. Nil disables them.
	Registerer prometheus.Registerer
}

type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Open prepares the workspace. The caller closes the returned App.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.InfoContext(ctx, "migration applied", "name", name)
	}

	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}
	eng := engine.New(conn, cfg, engine.WithLogger(logger), engine.WithMetrics(m))
	if err := eng.Repo.SeedReportingLines(ctx, cfg.Team); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed reporting lines: %w", err)
	}
	if len(cfg.Team) > 0 {
		logger.DebugContext(ctx, "reporting lines seeded", "count", len(cfg.Team))
	}
	return &App{DB: conn, Config: cfg, Engine: eng, Metrics: m, Logger: logger}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
