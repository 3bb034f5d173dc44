package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
)

// ApplySchema applies schema.sql once, recording its hash in a migrations
// table so re-running against an already-migrated database is a no-op.
func ApplySchema(ctx context.Context, pool *Pool) error {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}
	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(schema))
	applied, err := isHashApplied(ctx, pool, hash)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := pool.pg.Exec(ctx, string(schema)); err != nil {
		return err
	}
	_, err = pool.pg.Exec(ctx, `INSERT INTO migrations (name, hash) VALUES ($1,$2)`, "schema.sql", hash)
	return err
}

func ensureMigrationTable(ctx context.Context, pool *Pool) error {
	_, err := pool.pg.Exec(ctx, `
CREATE TABLE IF NOT EXISTS migrations (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS migrations_name_hash_idx ON migrations(name, hash);
`)
	return err
}

func isHashApplied(ctx context.Context, pool *Pool, hash string) (bool, error) {
	var exists bool
	err := pool.pg.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM migrations WHERE name=$1 AND hash=$2)`, "schema.sql", hash).Scan(&exists)
	return exists, err
}
