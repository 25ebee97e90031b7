package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// migrateLockID serializes concurrent Migrate calls across processes.
const migrateLockID = 0x6c6b6172

type DB struct {
	Pool  *pgxpool.Pool
	retry RetryPolicy
}

func NewDB(ctx context.Context, databaseURL string, retry RetryPolicy) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &DB{Pool: pool, retry: retry.withDefaults()}, nil
}

// Ping checks that the database answers, retrying transient failures.
func (db *DB) Ping(ctx context.Context) error {
	return db.retry.Do(ctx, "ping", func(ctx context.Context) error {
		return db.Pool.Ping(ctx)
	})
}

// Migrate creates the tables this service owns. It is safe to run repeatedly,
// including from several instances starting at once.
func (db *DB) Migrate(ctx context.Context) error {
	err := db.retry.Do(ctx, "migrate", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, schema)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
