package ledger

import (
	"context"
	"time"

	"joblens-backend/internal/llm"
	"joblens-backend/internal/shared/telemetry"
)

// Store is the injected persistence contract for the singleton ledger row.
// Reserve and Settle are transactional against concurrent callers; Get is a
// plain read that may be slightly stale.
type Store interface {
	Get(ctx context.Context) (Record, error)
	Reserve(ctx context.Context, estimate int) (Record, error)
	Settle(ctx context.Context, delta int) (Record, error)
	Reset(ctx context.Context) (Record, error)
}

// ParseFunc validates and consumes the raw provider output. A returned error
// is surfaced to the caller, but the call is still billed: the provider was
// paid regardless of parse outcome.
type ParseFunc func(raw string) error

// Billing reports the token accounting of one billed call.
type Billing struct {
	EstimatedTokens int
	ActualTokens    int
	// UsageReported is false when the provider returned no usage metadata
	// and the actual cost fell back to the estimate.
	UsageReported bool
}

// Service drives billed calls through the admission gate.
//
// The flow is two-phase: the estimated cost is reserved transactionally
// before the provider call, and the provider-reported actual cost is settled
// transactionally afterwards. The external call itself never runs inside a
// store transaction, so a transaction replay can never repeat a paid call.
// Admission is checked against the estimate; one admitted call can overshoot
// the daily limit by the difference between its actual and estimated cost.
type Service struct {
	store Store
	gen   llm.Generator
	limit int
	now   func() time.Time
}

// NewService constructs a ledger service over the given store and provider.
func NewService(store Store, gen llm.Generator, limit int) *Service {
	return &Service{store: store, gen: gen, limit: limit, now: time.Now}
}

// DailyLimit returns the configured daily token ceiling.
func (s *Service) DailyLimit() int {
	return s.limit
}

// Stats returns the current usage snapshot. Rollover is applied in memory
// only; the stored record is not touched. Reads may trail concurrent billed
// calls slightly, which is acceptable for dashboards and polling.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	rec, err := s.store.Get(ctx)
	if err != nil {
		return Stats{}, err
	}
	rec = rollover(rec, s.now())
	return s.toStats(rec), nil
}

// Reset unconditionally overwrites the ledger with the zero record. It is an
// operator/maintenance action and is not serialized with in-flight billed
// calls: a concurrent settle may land after the reset (last writer wins).
func (s *Service) Reset(ctx context.Context) (Stats, error) {
	rec, err := s.store.Reset(ctx)
	if err != nil {
		return Stats{}, err
	}
	return s.toStats(rec), nil
}

// ExecuteBilledCall runs the admission-gated provider call for prompt and
// feeds the raw output to parse. Typed admission errors
// (QuotaExhaustedError, QuotaWouldExceedError) mean no external spend
// occurred; ExternalCallError means the call failed and nothing was charged;
// a parse error is returned after the actual cost was committed.
func (s *Service) ExecuteBilledCall(ctx context.Context, promptText string, parse ParseFunc) (Billing, error) {
	// Cheap pre-flight so an already-spent day skips the tokenizer
	// round-trip. Reserve below re-checks under the transaction.
	if stats, err := s.Stats(ctx); err == nil && stats.RemainingTokens <= 0 {
		return Billing{}, &QuotaExhaustedError{Used: stats.TotalTokensUsed, Limit: s.limit}
	}

	estimate := s.estimate(ctx, promptText)
	billing := Billing{EstimatedTokens: estimate}

	if _, err := s.store.Reserve(ctx, estimate); err != nil {
		return billing, err
	}

	gen, err := s.gen.Generate(ctx, promptText)
	if err != nil {
		// The call never completed; release the reservation so the
		// caller is not charged.
		if _, relErr := s.store.Settle(ctx, -estimate); relErr != nil {
			telemetry.Error("ledger.release_failed", map[string]any{
				"estimated_tokens": estimate,
				"error":            relErr.Error(),
			})
		}
		return billing, &ExternalCallError{Err: err}
	}

	actual := estimate
	if gen.Usage != nil && gen.Usage.PromptTokens+gen.Usage.CandidateTokens > 0 {
		actual = gen.Usage.PromptTokens + gen.Usage.CandidateTokens
		billing.UsageReported = true
	}
	billing.ActualTokens = actual

	// Commit the real cost before surfacing the parse outcome: billing
	// correctness takes priority over error short-circuiting.
	if _, err := s.store.Settle(ctx, actual-estimate); err != nil {
		telemetry.Error("ledger.settle_failed", map[string]any{
			"estimated_tokens": estimate,
			"actual_tokens":    actual,
			"error":            err.Error(),
		})
	}

	if err := parse(gen.Text); err != nil {
		return billing, err
	}
	return billing, nil
}

// estimate returns the provider tokenizer's count for the prompt, falling
// back to the local deterministic estimate. Estimation failure is never
// call-blocking.
func (s *Service) estimate(ctx context.Context, promptText string) int {
	n, err := s.gen.CountTokens(ctx, promptText)
	if err == nil && n > 0 {
		return n
	}
	if err != nil {
		telemetry.Warn("ledger.tokenizer_fallback", map[string]any{
			"error": err.Error(),
		})
	}
	return llm.EstimateTokens(promptText)
}

func (s *Service) toStats(rec Record) Stats {
	return Stats{
		TotalTokensUsed: rec.TotalTokensUsed,
		DailyLimit:      s.limit,
		RemainingTokens: remaining(rec.TotalTokensUsed, s.limit),
		LastResetDate:   rec.LastResetDate,
	}
}
