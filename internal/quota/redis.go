package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var _ Store = &RedisStore{}

const maxTxRetries = 25

// RedisStore keeps each record in a hash and serialises updates with
// WATCH/MULTI, retrying when another writer got there first.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Update(ctx context.Context, userID string, fn func(rec *Record) error) (Record, error) {
	key := fmt.Sprintf("quota:user:%s", userID)

	var rec Record
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		rec, err = decodeRecord(userID, vals)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "tier", string(rec.Tier), "remaining", rec.Remaining)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return rec, err
	}

	return rec, fmt.Errorf("quota update for %s: too much contention", userID)
}

func decodeRecord(userID string, vals map[string]string) (Record, error) {
	rec := Record{UserID: userID}
	if len(vals) == 0 {
		return rec, nil
	}

	rec.Tier = Tier(vals["tier"])
	remaining, err := strconv.Atoi(vals["remaining"])
	if err != nil {
		return rec, fmt.Errorf("decode remaining for %s: %w", userID, err)
	}
	rec.Remaining = remaining
	return rec, nil
}
