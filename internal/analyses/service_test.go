package analyses

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"joblens-backend/internal/input"
	"joblens-backend/internal/ledger"
	"joblens-backend/internal/llm"
	local "joblens-backend/internal/shared/storage/object/local"
)

type stubGenerator struct {
	text          string
	err           error
	generateCalls int32
}

func (g *stubGenerator) CountTokens(ctx context.Context, prompt string) (int, error) {
	return 200, nil
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (llm.Generation, error) {
	atomic.AddInt32(&g.generateCalls, 1)
	if g.err != nil {
		return llm.Generation{}, g.err
	}
	return llm.Generation{
		Text:  g.text,
		Usage: &llm.Usage{PromptTokens: 210, CandidateTokens: 40},
	}, nil
}

func postingText() string {
	return "Senior Go Engineer at Acme.\nBuild and operate the backend services powering our analysis pipeline.\nRequirements: Go, PostgreSQL, Kubernetes, five years of experience."
}

func newServiceFixture(t *testing.T, gen *stubGenerator) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	acquirer := input.NewAcquirer("https://r.example.test", 5*time.Second)
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(50000), gen, 50000)
	return NewService(acquirer, ledgerSvc, local.New(dir)), dir
}

func TestSubmitAccepted(t *testing.T) {
	gen := &stubGenerator{text: acceptedPayload}
	svc, _ := newServiceFixture(t, gen)

	result, err := svc.Submit(context.Background(), postingText())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.AnalysisID == "" {
		t.Fatal("expected a generated analysis id")
	}
	if result.SourceWasURL {
		t.Fatal("pasted text must not be flagged as URL-sourced")
	}
	if result.Posting.JobTitle != "Senior Go Engineer" {
		t.Fatalf("unexpected posting: %+v", result.Posting)
	}
	if result.Billing.ActualTokens != 250 {
		t.Fatalf("unexpected billing: %+v", result.Billing)
	}
}

func TestSubmitMalformedArchivesRaw(t *testing.T) {
	gen := &stubGenerator{text: "I could not produce JSON today, sorry."}
	svc, _ := newServiceFixture(t, gen)

	result, err := svc.Submit(context.Background(), postingText())
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if result.Billing.ActualTokens != 250 {
		t.Fatalf("a malformed response is still billed, got %+v", result.Billing)
	}

	key := "responses/" + result.AnalysisID + ".txt"
	rc, err := svc.archive.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("expected archived raw output at %s: %v", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(raw) != gen.text {
		t.Fatalf("archive must hold the verbatim output, got %q", raw)
	}
}

func TestSubmitRejectionBilledNotArchived(t *testing.T) {
	gen := &stubGenerator{text: `{"isJobDescription": false, "error": "This is a product review."}`}
	svc, _ := newServiceFixture(t, gen)

	result, err := svc.Submit(context.Background(), postingText())
	var notJD *NotJobDescriptionError
	if !errors.As(err, &notJD) {
		t.Fatalf("expected NotJobDescriptionError, got %v", err)
	}
	if notJD.Reason != "This is a product review." {
		t.Fatalf("unexpected reason: %q", notJD.Reason)
	}
	if result.Billing.ActualTokens != 250 {
		t.Fatalf("a rejected classification is still billed, got %+v", result.Billing)
	}

	key := "responses/" + result.AnalysisID + ".txt"
	if _, err := svc.archive.Open(context.Background(), key); err == nil {
		t.Fatal("well-formed rejections must not be archived")
	}
}

func TestSubmitValidationFailsWithoutProviderCall(t *testing.T) {
	gen := &stubGenerator{text: acceptedPayload}
	svc, _ := newServiceFixture(t, gen)

	cases := map[string]string{
		"empty":              "   ",
		"too short":          "short text",
		"one line under 100": strings.Repeat("a", 80),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Submit(context.Background(), text); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
	if atomic.LoadInt32(&gen.generateCalls) != 0 {
		t.Fatalf("validation failures must not reach the provider, got %d calls", gen.generateCalls)
	}
}

func TestSubmitFetchFailureNeverReachesProvider(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer proxy.Close()

	gen := &stubGenerator{text: acceptedPayload}
	acquirer := input.NewAcquirer(proxy.URL, 5*time.Second)
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(50000), gen, 50000)
	svc := NewService(acquirer, ledgerSvc, local.New(t.TempDir()))

	_, err := svc.Submit(context.Background(), "https://jobs.example.com/postings/123")
	var fetchErr *input.URLFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected URLFetchError, got %v", err)
	}
	if atomic.LoadInt32(&gen.generateCalls) != 0 {
		t.Fatal("fetch exhaustion must not reach the provider")
	}

	stats, err := ledgerSvc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTokensUsed != 0 {
		t.Fatalf("fetch failures must not be billed, got %d", stats.TotalTokensUsed)
	}
}

func TestSubmitTextSkipsURLDetection(t *testing.T) {
	gen := &stubGenerator{text: acceptedPayload}
	svc, _ := newServiceFixture(t, gen)

	// A multi-line extracted document that starts with a URL must be
	// analyzed as text, not fetched.
	text := "https://jobs.example.com/postings/123\n" + postingText()
	result, err := svc.SubmitText(context.Background(), text)
	if err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if result.SourceWasURL {
		t.Fatal("uploaded text must not be flagged as URL-sourced")
	}
}
