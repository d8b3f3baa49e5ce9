package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lucasnoah/phasefactory/internal/config"
	"github.com/lucasnoah/phasefactory/internal/db"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/journal"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// DataDir is engine.data_dir, or ~/.factory when unset.
func DataDir(cfg *config.Config) (string, error) {
	if cfg.Engine.DataDir != "" {
		return cfg.Engine.DataDir, nil
	}
	return pipeline.DefaultDataDir()
}

// OpenStorage opens and migrates the configured event log backend.
// Relative and empty paths resolve under dataDir.
func OpenStorage(ctx context.Context, cfg config.Storage, dataDir string, logger *slog.Logger) (events.Storage, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		path := resolve(cfg.Path, dataDir, "factory.db")
		d, err := db.Open(path)
		if err != nil {
			return nil, err
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
		return d, nil
	case config.BackendPostgres:
		p, err := db.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return p, nil
	case config.BackendBadger:
		return journal.Open(journal.Config{
			Path:       resolve(cfg.Path, dataDir, "journal"),
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	case config.BackendMemory:
		return events.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func resolve(path, dataDir, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) || dataDir == "" {
		return path
	}
	return filepath.Join(dataDir, path)
}

// ResetStorage empties the configured event log and removes the node's
// checkpoints, which would otherwise describe events that no longer exist.
func ResetStorage(ctx context.Context, cfg *config.Config, dataDir string, logger *slog.Logger) error {
	store, err := OpenStorage(ctx, cfg.Storage, dataDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch s := store.(type) {
	case *db.DB:
		err = s.Reset()
	case *db.Postgres:
		err = s.Reset(ctx)
	case *journal.Journal:
		err = s.Reset()
	}
	if err != nil {
		return fmt.Errorf("reset %s storage: %w", cfg.Storage.Backend, err)
	}
	if err := pipeline.NewCheckpointStore(checkpointDir(dataDir, cfg.Engine.NodeID), 1).Reset(); err != nil {
		return fmt.Errorf("remove checkpoints: %w", err)
	}
	return nil
}

func checkpointDir(dataDir, node string) string {
	return filepath.Join(dataDir, "checkpoints", node)
}
