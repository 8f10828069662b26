// Package app wires the workspace: config, database, rails, engine, RBAC and the
// background workers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/notify"
	"bountyline/internal/rail"
	"bountyline/internal/watchdog"
)

// App holds everything a command needs for one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *zap.Logger
	Metrics   *metrics.Registry
	Ledger    rail.Ledger
	Rails     *rail.Registry
	Engine    engine.Engine
	RBAC      auth.Service
}

type Options struct {
	// ConfigPath overrides <workspace>/bountyline.yml.
	ConfigPath string
	// Logger replaces the configured logger.
	Logger *zap.Logger
}

// Open loads config, opens and migrates the database, and builds the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging, workspace)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("schema migrated", zap.Strings("applied", applied))
	}

	m := metrics.Default()
	ledger := rail.Ledger{DB: conn}
	rails, err := rail.FromConfig(cfg.Rails, ledger, logger, m)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rails: %w", err)
	}
	e := engine.New(conn, cfg, rails, rail.StakesFromConfig(cfg.Rails, ledger, logger, m), logger)
	e.Metrics = m

	a := &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
		Metrics:   m,
		Ledger:    ledger,
		Rails:     rails,
		Engine:    e,
		RBAC:      auth.New(conn),
	}
	if len(cfg.RBAC.Roles) > 0 {
		if err := a.RBAC.SeedRoles(ctx, cfg); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed roles: %w", err)
		}
	}
	return a, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Init writes the default config when none exists and grants the admin role to
// adminActor. It is safe to run repeatedly.
func Init(ctx context.Context, workspace, adminActor string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	a, err := Open(ctx, workspace, Options{})
	if err != nil {
		return nil, err
	}
	if adminActor != "" {
		if err := a.RBAC.Grant(ctx, adminActor, "admin"); err != nil {
			a.Close()
			return nil, fmt.Errorf("grant admin: %w", err)
		}
	}
	return a, nil
}

// Watchdog returns the sweeper configured for this workspace.
func (a *App) Watchdog() watchdog.Watchdog {
	return watchdog.Watchdog{
		Engine:  a.Engine,
		Config:  a.Config.Watchdog,
		Logger:  a.Logger.Named("watchdog"),
		Metrics: a.Metrics,
	}
}

// Notifier returns the webhook dispatcher for the configured webhooks.
func (a *App) Notifier() *notify.Dispatcher {
	return notify.New(a.Engine.Repo, a.Config.Webhooks, a.Logger.Named("notify"))
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
