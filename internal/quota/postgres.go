package quota

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = &PostgresStore{}

// PostgresStore locks the user's row for the duration of fn. New users get a
// placeholder row with an empty tier first so there is always a row to lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(rec *Record) error) (Record, error) {
	rec := Record{UserID: userID}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO quota_records (user_id, tier, remaining)
            VALUES ($1, '', 0)
            ON CONFLICT (user_id) DO NOTHING
        `, userID)
		if err != nil {
			return fmt.Errorf("ensure quota row: %w", err)
		}

		var tier string
		err = tx.QueryRow(ctx, `
            SELECT tier, remaining
            FROM quota_records
            WHERE user_id = $1
            FOR UPDATE
        `, userID).Scan(&tier, &rec.Remaining)
		if err != nil {
			return fmt.Errorf("lock quota row: %w", err)
		}
		rec.Tier = Tier(tier)

		if err := fn(&rec); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
            UPDATE quota_records
            SET tier = $2, remaining = $3, updated_at = NOW()
            WHERE user_id = $1
        `, userID, string(rec.Tier), rec.Remaining)
		return err
	})

	return rec, err
}
