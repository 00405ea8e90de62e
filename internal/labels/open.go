package labels

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"loadiq/internal/config"
	"loadiq/internal/db"
	"loadiq/internal/types"
)

// Open returns the PostgreSQL store when a database URL is configured and
// the file store otherwise. The pool is nil for the file store; the caller
// closes it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (types.LabelStore, *pgxpool.Pool, error) {
	if cfg.Database.URL.IsZero() {
		return NewFileStore(cfg.Labels.Path), nil, nil
	}
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeStoreFailure, "open label database", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, types.NewAppError(types.ErrCodeStoreFailure, "migrate label database", err)
	}
	return db.NewLabelRepository(pool, cfg.Monitor.SessionID, logger), pool, nil
}
