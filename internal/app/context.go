package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/engine"
	"deliverline/internal/events"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/migrate"
	"deliverline/internal/repo"
)

// Workspace is one opened deliverline directory: its config, database and engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
}

type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

// ResolveConfig loads deliverline.yml from dir, falling back to the built-in
// defaults when the file does not exist.
func ResolveConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the database and wires the engine.
func Open(ctx context.Context, dir string, opts Options) (*Workspace, error) {
	cfg, err := ResolveConfig(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: conn, Events: events.Writer{Now: now}}
	eng := engine.New(r, cfg)
	eng.Now = now
	if opts.Logger != nil {
		eng.Logger = opts.Logger
	} else {
		eng.Logger = logger.Discard()
	}
	if opts.Metrics != nil {
		eng.Metrics = opts.Metrics
	}
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Repo: r, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
