package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/adapter/document"
	"github.com/chroniclekit/chronicle/internal/adapter/mysql"
	"github.com/chroniclekit/chronicle/internal/adapter/postgres"
)

// OpenAdapter connects the configured backend.
func OpenAdapter(ctx context.Context, cfg Config, log zerolog.Logger) (adapter.Adapter, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.New(ctx, cfg.Postgres, log)
	case "mysql":
		return mysql.New(ctx, cfg.MySQL, log)
	case "document":
		return document.New(ctx, cfg.Document, log)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
