// Package app wires a workspace directory into a ready engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/config"
	"habitline/internal/db"
	"habitline/internal/engine"
	"habitline/internal/logging"
	"habitline/internal/migrate"
)

type Options struct {
	Workspace string
	Verbose   bool
	// Today pins the engine clock to a calendar date. Zero uses the wall clock.
	Today calendar.Date
	// Console receives log output. Nil means stderr.
	Console io.Writer
}

// Workspace holds the open resources behind one engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger zerolog.Logger

	logCloser io.Closer
}

// Open loads habitline.yml (defaults when absent), opens and migrates the
// database and builds the engine.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, opts, cfg)
}

func OpenWithConfig(ctx context.Context, opts Options, cfg *config.Config) (*Workspace, error) {
	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		Dir:        opts.Workspace,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Verbose:    opts.Verbose,
	}, opts.Console)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		closer.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if !opts.Today.IsZero() {
		e.Now = pinnedClock(opts.Today)
	}
	logger.Debug().Str("workspace", opts.Workspace).Str("db", db.Path(opts.Workspace)).Msg("workspace opened")
	return &Workspace{
		Dir:       opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Logger:    logger,
		logCloser: closer,
	}, nil
}

// pinnedClock keeps the time of day of the wall clock on a fixed date.
func pinnedClock(d calendar.Date) func() time.Time {
	return func() time.Time {
		now := time.Now()
		return time.Date(d.Year, d.Month, d.Day, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.Local)
	}
}

func (w *Workspace) Close() error {
	return errors.Join(w.DB.Close(), w.logCloser.Close())
}

// Init writes a default habitline.yml unless one exists and creates the
// database. It reports whether the config file was created.
func Init(ctx context.Context, workspace string) (bool, error) {
	path := config.Path(workspace)
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(workspaceDir(workspace), 0o755); err != nil {
			return false, err
		}
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return false, fmt.Errorf("write config: %w", err)
		}
		created = true
	} else if err != nil {
		return false, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return created, err
	}
	defer conn.Close()
	return created, migrate.Migrate(ctx, conn)
}

func workspaceDir(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
