package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/your-org/facetag/internal/config"
)

// Open returns the index backend selected in cfg. The Postgres table is
// created if missing.
func Open(ctx context.Context, cfg *config.Config) (Index, error) {
	switch cfg.Index.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory face index; vectors are lost on restart")
		return NewMemoryIndex(cfg.Index.Dimension), nil
	case config.BackendPostgres, "":
		pg, err := NewPostgresIndex(ctx, cfg.Database, cfg.Index.Name, cfg.Index.Dimension)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure index schema: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}
