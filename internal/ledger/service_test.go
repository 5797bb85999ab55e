package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"joblens-backend/internal/llm"
)

type fakeGenerator struct {
	countTokens   int
	countErr      error
	genText       string
	genUsage      *llm.Usage
	genErr        error
	generateCalls int32
	countCalls    int32
}

func (f *fakeGenerator) CountTokens(ctx context.Context, prompt string) (int, error) {
	atomic.AddInt32(&f.countCalls, 1)
	return f.countTokens, f.countErr
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (llm.Generation, error) {
	atomic.AddInt32(&f.generateCalls, 1)
	if f.genErr != nil {
		return llm.Generation{}, f.genErr
	}
	return llm.Generation{Text: f.genText, Usage: f.genUsage}, nil
}

func acceptAll(raw string) error { return nil }

func newServiceFixture(limit int, gen *fakeGenerator, nowStr string) (*Service, *MemoryStore) {
	st := NewMemoryStore(limit)
	st.now = fixedTime(nowStr)
	svc := NewService(st, gen, limit)
	svc.now = st.now
	return svc, st
}

func TestExecuteBilledCallSuccessChargesActual(t *testing.T) {
	gen := &fakeGenerator{
		countTokens: 200,
		genText:     `{"ok": true}`,
		genUsage:    &llm.Usage{PromptTokens: 190, CandidateTokens: 60, TotalTokens: 250},
	}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")

	billing, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	if err != nil {
		t.Fatalf("ExecuteBilledCall: %v", err)
	}
	if billing.EstimatedTokens != 200 {
		t.Fatalf("expected tokenizer estimate 200, got %d", billing.EstimatedTokens)
	}
	if billing.ActualTokens != 250 || !billing.UsageReported {
		t.Fatalf("expected actual 250 from usage metadata, got %+v", billing)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 250 {
		t.Fatalf("ledger must hold the actual cost, got %d", rec.TotalTokensUsed)
	}
}

func TestExecuteBilledCallTokenizerFallback(t *testing.T) {
	gen := &fakeGenerator{
		countErr: errors.New("tokenizer unavailable"),
		genText:  `{"ok": true}`,
	}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")

	promptText := "some prompt of reasonable length for estimation purposes"
	billing, err := svc.ExecuteBilledCall(context.Background(), promptText, acceptAll)
	if err != nil {
		t.Fatalf("tokenizer failure must not block the call: %v", err)
	}
	want := llm.EstimateTokens(promptText)
	if billing.EstimatedTokens != want {
		t.Fatalf("expected local estimate %d, got %d", want, billing.EstimatedTokens)
	}
	// No usage metadata either: actual falls back to the estimate.
	if billing.ActualTokens != want || billing.UsageReported {
		t.Fatalf("expected estimate-based actual, got %+v", billing)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != want {
		t.Fatalf("ledger must hold the estimate, got %d", rec.TotalTokensUsed)
	}
}

func TestExecuteBilledCallQuotaWouldExceed(t *testing.T) {
	gen := &fakeGenerator{countTokens: 200, genText: "{}"}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")
	if _, err := st.Reserve(context.Background(), 49900); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}

	_, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	var wouldExceed *QuotaWouldExceedError
	if !errors.As(err, &wouldExceed) {
		t.Fatalf("expected QuotaWouldExceedError, got %v", err)
	}
	if wouldExceed.EstimatedTokens != 200 || wouldExceed.RemainingTokens != 100 {
		t.Fatalf("unexpected figures: %+v", wouldExceed)
	}
	if atomic.LoadInt32(&gen.generateCalls) != 0 {
		t.Fatal("no generation call may be made past a failed admission")
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 49900 {
		t.Fatalf("ledger must be unchanged at 49900, got %d", rec.TotalTokensUsed)
	}
}

func TestExecuteBilledCallQuotaExhaustedSkipsTokenizer(t *testing.T) {
	gen := &fakeGenerator{countTokens: 200, genText: "{}"}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")
	if _, err := st.Reserve(context.Background(), 50000); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}

	_, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	var exhausted *QuotaExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected QuotaExhaustedError, got %v", err)
	}
	if atomic.LoadInt32(&gen.countCalls) != 0 {
		t.Fatal("an exhausted day must not reach the tokenizer")
	}
	if atomic.LoadInt32(&gen.generateCalls) != 0 {
		t.Fatal("an exhausted day must not reach the provider")
	}
}

func TestExecuteBilledCallTransportFailureNotCharged(t *testing.T) {
	gen := &fakeGenerator{
		countTokens: 300,
		genErr:      errors.New("connection reset"),
	}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")

	_, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	var callErr *ExternalCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected ExternalCallError, got %v", err)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 0 {
		t.Fatalf("a failed call must not be charged, ledger holds %d", rec.TotalTokensUsed)
	}
}

func TestExecuteBilledCallParseErrorStillBilled(t *testing.T) {
	parseErr := errors.New("malformed response")
	gen := &fakeGenerator{
		countTokens: 200,
		genText:     "not json at all",
		genUsage:    &llm.Usage{PromptTokens: 210, CandidateTokens: 40},
	}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")

	billing, err := svc.ExecuteBilledCall(context.Background(), "prompt text", func(raw string) error {
		if raw != "not json at all" {
			t.Fatalf("parser must see the raw output, got %q", raw)
		}
		return parseErr
	})
	if !errors.Is(err, parseErr) {
		t.Fatalf("parse error must propagate, got %v", err)
	}
	if billing.ActualTokens != 250 {
		t.Fatalf("unexpected actual: %d", billing.ActualTokens)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 250 {
		t.Fatalf("parse failures are still billed; ledger holds %d", rec.TotalTokensUsed)
	}
}

func TestExecuteBilledCallActualMayOvershootOnce(t *testing.T) {
	// Admission is checked against the estimate; the provider-reported
	// actual can push the counter past the limit for an admitted call.
	gen := &fakeGenerator{
		countTokens: 90,
		genText:     "{}",
		genUsage:    &llm.Usage{PromptTokens: 100, CandidateTokens: 60},
	}
	svc, st := newServiceFixture(1000, gen, "2025-06-02T10:00:00Z")
	if _, err := st.Reserve(context.Background(), 900); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}

	billing, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	if err != nil {
		t.Fatalf("estimate of 90 fits the remaining 100: %v", err)
	}
	if billing.ActualTokens != 160 {
		t.Fatalf("unexpected actual: %d", billing.ActualTokens)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 1060 {
		t.Fatalf("documented overshoot: expected 1060, got %d", rec.TotalTokensUsed)
	}

	// But the overshot day now refuses further admissions.
	_, err = svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll)
	var exhausted *QuotaExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected QuotaExhaustedError after overshoot, got %v", err)
	}
}

func TestExecuteBilledCallRolloverOnBilledCommit(t *testing.T) {
	gen := &fakeGenerator{
		countTokens: 200,
		genText:     "{}",
		genUsage:    &llm.Usage{PromptTokens: 180, CandidateTokens: 70},
	}
	st := NewMemoryStore(50000)
	st.now = fixedTime("2025-06-01T23:50:00Z")
	svc := NewService(st, gen, 50000)
	svc.now = st.now
	if _, err := st.Reserve(context.Background(), 49000); err != nil {
		t.Fatalf("seed yesterday: %v", err)
	}

	st.now = fixedTime("2025-06-02T00:10:00Z")
	svc.now = st.now
	if _, err := svc.ExecuteBilledCall(context.Background(), "prompt text", acceptAll); err != nil {
		t.Fatalf("rollover day must admit: %v", err)
	}
	rec, _ := st.Get(context.Background())
	if rec.TotalTokensUsed != 250 {
		t.Fatalf("record must reflect only today's usage, got %d", rec.TotalTokensUsed)
	}
}

func TestStatsIdempotentAndInMemoryRollover(t *testing.T) {
	gen := &fakeGenerator{}
	svc, st := newServiceFixture(50000, gen, "2025-06-01T12:00:00Z")
	if _, err := st.Reserve(context.Background(), 700); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	second, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if first != second {
		t.Fatalf("Stats must be idempotent with no intervening billed call: %+v vs %+v", first, second)
	}
	if first.RemainingTokens != 49300 {
		t.Fatalf("unexpected remaining: %d", first.RemainingTokens)
	}

	// Next day: Stats reports zero without persisting the rollover.
	st.now = fixedTime("2025-06-02T09:00:00Z")
	svc.now = st.now
	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTokensUsed != 0 || stats.RemainingTokens != 50000 {
		t.Fatalf("expected in-memory rollover, got %+v", stats)
	}
	if st.rec.TotalTokensUsed != 700 {
		t.Fatalf("Stats must not persist the rollover; stored %d", st.rec.TotalTokensUsed)
	}
}

func TestResetThenStats(t *testing.T) {
	gen := &fakeGenerator{}
	svc, st := newServiceFixture(50000, gen, "2025-06-02T10:00:00Z")
	if _, err := st.Reserve(context.Background(), 4321); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTokensUsed != 0 || stats.RemainingTokens != 50000 {
		t.Fatalf("expected zeroed stats after reset, got %+v", stats)
	}
}
