// Package ledger enforces the shared daily token budget around the billed
// text-generation call. A single persistent record tracks cumulative
// consumption for the current UTC day; every billed call reserves its
// estimated cost transactionally before the provider is invoked and settles
// the provider-reported actual cost afterwards.
package ledger

import "time"

// LedgerKey is the fixed identifier of the singleton usage record.
const LedgerKey = "global"

// Record is the persisted ledger row.
type Record struct {
	TotalTokensUsed int       `json:"totalTokensUsed"`
	LastResetDate   time.Time `json:"lastResetDate"`
}

// Stats is the derived, read-only view computed on every read. Never persisted.
type Stats struct {
	TotalTokensUsed int       `json:"totalTokensUsed"`
	DailyLimit      int       `json:"dailyLimit"`
	RemainingTokens int       `json:"remainingTokens"`
	LastResetDate   time.Time `json:"lastResetDate"`
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// rollover returns the record as of now, zeroed when the UTC calendar date
// has advanced past LastResetDate. Callers persist the result only inside a
// transaction; plain reads apply it in memory.
func rollover(rec Record, now time.Time) Record {
	if rec.LastResetDate.IsZero() || !sameUTCDay(rec.LastResetDate, now) {
		return Record{TotalTokensUsed: 0, LastResetDate: now.UTC()}
	}
	return rec
}

func remaining(used, limit int) int {
	if rem := limit - used; rem > 0 {
		return rem
	}
	return 0
}
