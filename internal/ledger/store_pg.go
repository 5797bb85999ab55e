package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PGStore persists the ledger row in Postgres. All mutations run inside a
// transaction holding a row lock, so concurrent billed calls serialize on
// the single ledger row.
type PGStore struct {
	DB    *sql.DB
	limit int
	now   func() time.Time
}

// NewPGStore constructs a Postgres-backed ledger store.
func NewPGStore(db *sql.DB, limit int) *PGStore {
	return &PGStore{DB: db, limit: limit, now: time.Now}
}

// Get reads the current record without locking or creating the row.
func (s *PGStore) Get(ctx context.Context) (Record, error) {
	var rec Record
	row := s.DB.QueryRowContext(ctx, `
SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = $1`, LedgerKey)
	err := row.Scan(&rec.TotalTokensUsed, &rec.LastResetDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}, nil
		}
		return Record{}, err
	}
	return rec, nil
}

// Reserve locks the row, applies rollover, checks admission, and adds the
// estimated cost, all in one transaction.
func (s *PGStore) Reserve(ctx context.Context, estimate int) (Record, error) {
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

// Settle locks the row and applies the actual-minus-reserved difference.
func (s *PGStore) Settle(ctx context.Context, delta int) (Record, error) {
	return s.mutate(ctx, func(rec Record) (Record, error) {
		rec.TotalTokensUsed += delta
		if rec.TotalTokensUsed < 0 {
			rec.TotalTokensUsed = 0
		}
		return rec, nil
	})
}

// Reset unconditionally overwrites the row with the zero record.
func (s *PGStore) Reset(ctx context.Context) (Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rec := Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO usage_ledger (id, total_tokens_used, last_reset_date)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET total_tokens_used = EXCLUDED.total_tokens_used, last_reset_date = EXCLUDED.last_reset_date`,
		LedgerKey, rec.TotalTokensUsed, rec.LastResetDate); err != nil {
		return Record{}, err
	}
	if err = tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// mutate runs fn against the locked, rolled-over record and persists the result.
func (s *PGStore) mutate(ctx context.Context, fn func(Record) (Record, error)) (Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var rec Record
	rec, err = s.lockAndEnsure(ctx, tx)
	if err != nil {
		return Record{}, err
	}

	rec, err = fn(rollover(rec, s.now()))
	if err != nil {
		return Record{}, err
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE usage_ledger SET total_tokens_used = $1, last_reset_date = $2 WHERE id = $3`,
		rec.TotalTokensUsed, rec.LastResetDate, LedgerKey); err != nil {
		return Record{}, err
	}
	if err = tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// lockAndEnsure reads the row FOR UPDATE, inserting the zero record when absent.
func (s *PGStore) lockAndEnsure(ctx context.Context, tx *sql.Tx) (Record, error) {
	var rec Record
	row := tx.QueryRowContext(ctx, `
SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = $1 FOR UPDATE`, LedgerKey)
	err := row.Scan(&rec.TotalTokensUsed, &rec.LastResetDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			rec = Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}
			if _, err = tx.ExecContext(ctx, `
INSERT INTO usage_ledger (id, total_tokens_used, last_reset_date) VALUES ($1, $2, $3)`,
				LedgerKey, rec.TotalTokensUsed, rec.LastResetDate); err != nil {
				return Record{}, err
			}
			return rec, nil
		}
		return Record{}, err
	}
	return rec, nil
}

var _ Store = (*PGStore)(nil)
