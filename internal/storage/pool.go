// Package storage is the persistence component (C9): Postgres-backed
// stores, schema application, and a transactional "mutate + append
// event" pattern covering both dispatch and ride events.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps a pgxpool.Pool so the rest of this package (and config)
// depend on a narrow named type rather than pgx directly.
type Pool struct {
	pg *pgxpool.Pool
}

// Connect opens a pgx connection pool against url.
func Connect(ctx context.Context, url string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	pg, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Pool{pg: pg}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	return p.pg.Ping(ctx)
}

func (p *Pool) Close() {
	p.pg.Close()
}
