package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newPGFixture(t *testing.T, limit int, nowStr string) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := NewPGStore(db, limit)
	st.now = fixedTime(nowStr)
	return st, mock
}

func TestPGStoreReserveLocksAndUpdates(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")
	resetAt := fixedTime("2025-06-02T08:00:00Z")()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = \\$1 FOR UPDATE").
		WithArgs(LedgerKey).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens_used", "last_reset_date"}).AddRow(100, resetAt))
	mock.ExpectExec("UPDATE usage_ledger SET total_tokens_used = \\$1, last_reset_date = \\$2 WHERE id = \\$3").
		WithArgs(350, resetAt, LedgerKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := st.Reserve(context.Background(), 250)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if rec.TotalTokensUsed != 350 {
		t.Fatalf("unexpected total: %d", rec.TotalTokensUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreReserveInsertsAbsentRow(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")
	now := fixedTime("2025-06-02T10:00:00Z")().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = \\$1 FOR UPDATE").
		WithArgs(LedgerKey).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens_used", "last_reset_date"}))
	mock.ExpectExec("INSERT INTO usage_ledger").
		WithArgs(LedgerKey, 0, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE usage_ledger SET total_tokens_used = \\$1, last_reset_date = \\$2 WHERE id = \\$3").
		WithArgs(500, now, LedgerKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := st.Reserve(context.Background(), 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if rec.TotalTokensUsed != 500 {
		t.Fatalf("unexpected total: %d", rec.TotalTokensUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreReserveRejectionRollsBack(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")
	resetAt := fixedTime("2025-06-02T08:00:00Z")()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = \\$1 FOR UPDATE").
		WithArgs(LedgerKey).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens_used", "last_reset_date"}).AddRow(49900, resetAt))
	mock.ExpectRollback()

	_, err := st.Reserve(context.Background(), 200)
	var wouldExceed *QuotaWouldExceedError
	if !errors.As(err, &wouldExceed) {
		t.Fatalf("expected QuotaWouldExceedError, got %v", err)
	}
	if wouldExceed.RemainingTokens != 100 {
		t.Fatalf("unexpected remaining: %d", wouldExceed.RemainingTokens)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreReserveRollsOverInTransaction(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")
	yesterday := fixedTime("2025-06-01T22:00:00Z")()
	now := fixedTime("2025-06-02T10:00:00Z")().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = \\$1 FOR UPDATE").
		WithArgs(LedgerKey).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens_used", "last_reset_date"}).AddRow(48000, yesterday))
	mock.ExpectExec("UPDATE usage_ledger SET total_tokens_used = \\$1, last_reset_date = \\$2 WHERE id = \\$3").
		WithArgs(400, now, LedgerKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := st.Reserve(context.Background(), 400)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if rec.TotalTokensUsed != 400 {
		t.Fatalf("rollover must drop yesterday's count, got %d", rec.TotalTokensUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreGetAbsentRowReadsZero(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")

	mock.ExpectQuery("SELECT total_tokens_used, last_reset_date FROM usage_ledger WHERE id = \\$1").
		WithArgs(LedgerKey).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens_used", "last_reset_date"}))

	rec, err := st.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TotalTokensUsed != 0 {
		t.Fatalf("absent row must read as zero, got %d", rec.TotalTokensUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreResetUpserts(t *testing.T) {
	st, mock := newPGFixture(t, 50000, "2025-06-02T10:00:00Z")
	now := fixedTime("2025-06-02T10:00:00Z")().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_ledger").
		WithArgs(LedgerKey, 0, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := st.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.TotalTokensUsed != 0 {
		t.Fatalf("unexpected total after reset: %d", rec.TotalTokensUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
