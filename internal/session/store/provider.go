package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/db"
)

// Provide builds the configured store backend: memory, sqlite, or
// external (PostgreSQL). The returned cleanup closes backend handles.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.Store.Backend {
	case "memory":
		s := NewMemoryStore()
		return s, s.Close, nil

	case "sqlite":
		pool, err := db.OpenSQLitePool(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s, err := NewSQLStore(ctx, pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		log.Info("Session store ready", zap.String("backend", "sqlite"), zap.String("path", cfg.Store.Path))
		return s, s.Close, nil

	case "external":
		pool, err := db.OpenPostgresPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		s, err := NewSQLStore(ctx, pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		log.Info("Session store ready", zap.String("backend", "external"))
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
