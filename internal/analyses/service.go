package analyses

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"joblens-backend/internal/input"
	"joblens-backend/internal/ledger"
	"joblens-backend/internal/prompt"
	"joblens-backend/internal/shared/storage/object"
	"joblens-backend/internal/shared/telemetry"
)

// Service orchestrates one submission end to end: acquire the text, build
// the prompt, run the billed call through the quota gate, parse the output.
type Service struct {
	acquirer *input.Acquirer
	ledger   *ledger.Service
	archive  object.ObjectStore
}

// NewService constructs the orchestrator. archive may be nil; malformed raw
// responses are then only logged, not persisted.
func NewService(acquirer *input.Acquirer, ledgerSvc *ledger.Service, archive object.ObjectStore) *Service {
	return &Service{acquirer: acquirer, ledger: ledgerSvc, archive: archive}
}

// Submit runs the full pipeline for a raw submission (pasted text or URL).
// The returned Result carries billing figures even when err is non-nil, so
// callers can report tokens spent on a call that failed after the provider
// was paid.
func (s *Service) Submit(ctx context.Context, raw string) (Result, error) {
	in, err := s.acquirer.Acquire(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	return s.analyze(ctx, in.Text, in.FromURL)
}

// SubmitText runs the pipeline over already-extracted text, bypassing URL
// detection. Used by the upload path.
func (s *Service) SubmitText(ctx context.Context, text string) (Result, error) {
	in, err := s.acquirer.AcquireText(ctx, text)
	if err != nil {
		return Result{}, err
	}
	return s.analyze(ctx, in.Text, false)
}

func (s *Service) analyze(ctx context.Context, text string, fromURL bool) (Result, error) {
	analysisID := uuid.NewString()
	promptText := prompt.Build(text)

	var posting Posting
	billing, err := s.ledger.ExecuteBilledCall(ctx, promptText, func(raw string) error {
		p, perr := ParsePosting(raw)
		if perr != nil {
			var malformed *MalformedResponseError
			if errors.As(perr, &malformed) {
				s.archiveRaw(ctx, analysisID, malformed.Raw)
			}
			return perr
		}
		posting = p
		return nil
	})

	result := Result{
		AnalysisID:   analysisID,
		SourceWasURL: fromURL,
		Posting:      posting,
		Billing:      billing,
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// archiveRaw persists the verbatim provider output for operator diagnosis.
// Archive failure never affects the response; the raw text was already paid
// for and the parse error stands on its own.
func (s *Service) archiveRaw(ctx context.Context, analysisID, raw string) {
	key := "responses/" + analysisID + ".txt"
	if s.archive == nil {
		telemetry.Warn("analyses.archive_skipped", map[string]any{
			"analysis_id": analysisID,
			"reason":      "no object store configured",
		})
		return
	}
	if _, err := s.archive.Save(ctx, key, "text/plain; charset=utf-8", strings.NewReader(raw)); err != nil {
		telemetry.Error("analyses.archive_failed", map[string]any{
			"analysis_id": analysisID,
			"key":         key,
			"error":       err.Error(),
		})
		return
	}
	telemetry.Info("analyses.raw_archived", map[string]any{
		"analysis_id": analysisID,
		"key":         key,
	})
}
