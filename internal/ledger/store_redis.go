package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKey = "joblens:usage_ledger:" + LedgerKey

	fieldTokensUsed = "total_tokens_used"
	fieldResetDate  = "last_reset_date"

	// maxTxRetries bounds optimistic-transaction replays under contention.
	maxTxRetries = 5
)

// RedisStore persists the ledger row as a Redis hash. Mutations use WATCH so
// a conflicting concurrent write aborts the transaction, which is then
// replayed; only the read-check-write of the counter is inside the retry
// boundary, never the external call.
type RedisStore struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed ledger store from a redis:// URL.
func NewRedisStore(redisURL string, limit int) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{
		client: redis.NewClient(opt),
		limit:  limit,
		now:    time.Now,
	}, nil
}

// Get reads the current record without any transaction.
func (s *RedisStore) Get(ctx context.Context) (Record, error) {
	vals, err := s.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return Record{}, err
	}
	return s.decode(vals)
}

// Reserve applies rollover, admission, and the estimated charge under WATCH.
func (s *RedisStore) Reserve(ctx context.Context, estimate int) (Record, error) {
	return s.mutate(ctx, func(rec Record) (Record, error) {
		if rec.TotalTokensUsed >= s.limit {
			return Record{}, &QuotaExhaustedError{Used: rec.TotalTokensUsed, Limit: s.limit}
		}
		if rec.TotalTokensUsed+estimate > s.limit {
			return Record{}, &QuotaWouldExceedError{
				EstimatedTokens: estimate,
				RemainingTokens: remaining(rec.TotalTokensUsed, s.limit),
			}
		}
		rec.TotalTokensUsed += estimate
		return rec, nil
	})
}

// Settle applies the actual-minus-reserved difference under WATCH.
func (s *RedisStore) Settle(ctx context.Context, delta int) (Record, error) {
	return s.mutate(ctx, func(rec Record) (Record, error) {
		rec.TotalTokensUsed += delta
		if rec.TotalTokensUsed < 0 {
			rec.TotalTokensUsed = 0
		}
		return rec, nil
	})
}

// Reset unconditionally overwrites the hash with the zero record.
func (s *RedisStore) Reset(ctx context.Context) (Record, error) {
	rec := Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}
	if err := s.client.HSet(ctx, redisKey,
		fieldTokensUsed, rec.TotalTokensUsed,
		fieldResetDate, rec.LastResetDate.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) mutate(ctx context.Context, fn func(Record) (Record, error)) (Record, error) {
	var out Record
	txFn := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return err
		}
		rec, err := s.decode(vals)
		if err != nil {
			return err
		}
		rec, err = fn(rollover(rec, s.now()))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKey,
				fieldTokensUsed, rec.TotalTokensUsed,
				fieldResetDate, rec.LastResetDate.Format(time.RFC3339Nano),
			)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txFn, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return out, nil
	}
	return Record{}, fmt.Errorf("ledger redis transaction: retries exhausted: %w", err)
}

func (s *RedisStore) decode(vals map[string]string) (Record, error) {
	if len(vals) == 0 {
		return Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}, nil
	}
	used, err := strconv.Atoi(vals[fieldTokensUsed])
	if err != nil {
		return Record{}, fmt.Errorf("ledger redis decode %s: %w", fieldTokensUsed, err)
	}
	resetAt, err := time.Parse(time.RFC3339Nano, vals[fieldResetDate])
	if err != nil {
		return Record{}, fmt.Errorf("ledger redis decode %s: %w", fieldResetDate, err)
	}
	return Record{TotalTokensUsed: used, LastResetDate: resetAt}, nil
}

var _ Store = (*RedisStore)(nil)
