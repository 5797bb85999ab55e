package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the ledger row in process memory. It is the default for
// dev environments and the test double for the service; quota state does not
// survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	rec   Record
	init  bool
	limit int
	now   func() time.Time
}

// NewMemoryStore constructs an in-memory ledger store with the given daily limit.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit, now: time.Now}
}

// Get returns the current record without persisting anything. An absent row
// reads as the zero record dated now.
func (s *MemoryStore) Get(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		return Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}, nil
	}
	return s.rec, nil
}

// Reserve atomically rolls the record over if the day advanced, checks
// admission against the daily limit, and adds the estimated cost.
func (s *MemoryStore) Reserve(ctx context.Context, estimate int) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := rollover(s.loadLocked(now), now)
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
	s.storeLocked(rec)
	return rec, nil
}

// Settle atomically applies the difference between actual and reserved cost.
// The counter never goes below zero.
func (s *MemoryStore) Settle(ctx context.Context, delta int) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := rollover(s.loadLocked(now), now)
	rec.TotalTokensUsed += delta
	if rec.TotalTokensUsed < 0 {
		rec.TotalTokensUsed = 0
	}
	s.storeLocked(rec)
	return rec, nil
}

// Reset unconditionally overwrites the ledger with the zero record.
func (s *MemoryStore) Reset(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{TotalTokensUsed: 0, LastResetDate: s.now().UTC()}
	s.storeLocked(rec)
	return rec, nil
}

func (s *MemoryStore) loadLocked(now time.Time) Record {
	if !s.init {
		return Record{TotalTokensUsed: 0, LastResetDate: now.UTC()}
	}
	return s.rec
}

func (s *MemoryStore) storeLocked(rec Record) {
	s.rec = rec
	s.init = true
}

var _ Store = (*MemoryStore)(nil)
