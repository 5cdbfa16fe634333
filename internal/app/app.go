// Package app wires the process-scoped collaborators shared by the CLI
// commands and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"taskgen/internal/config"
	"taskgen/internal/db"
	"taskgen/internal/engine"
	"taskgen/internal/logger"
	"taskgen/internal/repo"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *db.Pool
	Engine engine.Engine
}

// Build creates the app without touching the database; the pool opens lazily.
func Build(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return BuildWithLogger(cfg, logger.New(cfg.Log))
}

func BuildWithLogger(cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	pool := db.NewPool(db.Config{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	eng, err := engine.New(cfg, pool, log)
	if err != nil {
		return nil, err
	}
	return &App{Config: cfg, Logger: log, Pool: pool, Engine: eng}, nil
}

// Repo returns a store bound to the live pooled connection.
func (a *App) Repo(ctx context.Context) (repo.Repo, error) {
	conn, err := a.Pool.Conn(ctx)
	if err != nil {
		return repo.Repo{}, err
	}
	return repo.Repo{DB: conn}, nil
}

func (a *App) Scheduler() engine.Scheduler {
	return engine.Scheduler{
		Runner:     a.Engine,
		Interval:   a.Config.Scan.Interval,
		RunOnStart: a.Config.Scan.RunOnStart,
	}
}

func (a *App) Close() error {
	a.Engine.Close()
	return a.Pool.Close()
}
