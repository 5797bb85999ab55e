package analyses

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"joblens-backend/internal/extract"
	"joblens-backend/internal/input"
	"joblens-backend/internal/ledger"
	"joblens-backend/internal/shared/server/respond"
)

// maxUploadBytes caps accepted document uploads.
const maxUploadBytes = 5 << 20

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc   *Service
	Usage *ledger.Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, usage *ledger.Service) *Handler {
	return &Handler{Svc: svc, Usage: usage}
}

// RegisterRoutes attaches the public routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.createAnalysis)
	rg.POST("/analyses/upload", h.createFromUpload)
	rg.GET("/usage", h.getUsage)
}

// RegisterDevRoutes attaches operator-only routes.
func (h *Handler) RegisterDevRoutes(rg *gin.RouterGroup) {
	rg.POST("/usage/reset", h.resetUsage)
}

func (h *Handler) createAnalysis(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "body must be JSON with a text field", nil)
		return
	}

	result, err := h.Svc.Submit(c.Request.Context(), req.Text)
	h.finish(c, result, err)
}

func (h *Handler) createFromUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "multipart field 'file' is required", nil)
		return
	}
	if fileHeader.Size > maxUploadBytes {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file exceeds the 5 MiB upload limit", gin.H{
			"sizeBytes": fileHeader.Size,
			"maxBytes":  maxUploadBytes,
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "could not read uploaded file", nil)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil || int64(len(data)) > maxUploadBytes {
		respond.Error(c, http.StatusBadRequest, "validation_error", "could not read uploaded file", nil)
		return
	}

	text, err := extract.TextFromBytes(c.Request.Context(), data, fileHeader.Header.Get("Content-Type"), fileHeader.Filename)
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file must be a readable PDF or DOCX document", nil)
		return
	}

	result, err := h.Svc.SubmitText(c.Request.Context(), text)
	h.finish(c, result, err)
}

func (h *Handler) getUsage(c *gin.Context) {
	stats, err := h.Usage.Stats(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read usage", nil)
		return
	}
	respond.OK(c, usagePayload(stats))
}

func (h *Handler) resetUsage(c *gin.Context) {
	stats, err := h.Usage.Reset(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to reset usage", nil)
		return
	}
	respond.OK(c, usagePayload(stats))
}

// finish records the per-request log fields and writes either the accepted
// result or the mapped error.
func (h *Handler) finish(c *gin.Context, result Result, err error) {
	c.Set("analysisId", result.AnalysisID)
	c.Set("sourceWasUrl", result.SourceWasURL)
	c.Set("billedTokens", result.Billing.ActualTokens)

	if err != nil {
		h.respondError(c, err)
		return
	}

	respond.OK(c, gin.H{
		"analysisId":   result.AnalysisID,
		"sourceWasURL": result.SourceWasURL,
		"result":       result.Posting,
		"usage": gin.H{
			"estimatedTokens": result.Billing.EstimatedTokens,
			"billedTokens":    result.Billing.ActualTokens,
			"usageReported":   result.Billing.UsageReported,
		},
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var tooShort *input.TooShortError
	var fetchErr *input.URLFetchError
	var exhausted *ledger.QuotaExhaustedError
	var wouldExceed *ledger.QuotaWouldExceedError
	var callErr *ledger.ExternalCallError
	var malformed *MalformedResponseError
	var notJD *NotJobDescriptionError

	switch {
	case errors.Is(err, input.ErrEmptyInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", "text is required", nil)
	case errors.As(err, &tooShort):
		respond.Error(c, http.StatusBadRequest, "validation_error", tooShort.Error(), nil)
	case errors.As(err, &fetchErr):
		respond.Error(c, http.StatusUnprocessableEntity, "url_fetch_failed", "could not fetch readable text from the submitted URL", nil)
	case errors.As(err, &exhausted):
		respond.Error(c, http.StatusTooManyRequests, "quota_exhausted", "the shared daily token budget is spent; try again after midnight UTC", gin.H{
			"used":  exhausted.Used,
			"limit": exhausted.Limit,
		})
	case errors.As(err, &wouldExceed):
		respond.Error(c, http.StatusTooManyRequests, "quota_would_exceed", "this request does not fit in the remaining daily token budget", gin.H{
			"estimatedTokens": wouldExceed.EstimatedTokens,
			"remainingTokens": wouldExceed.RemainingTokens,
		})
	case errors.As(err, &callErr):
		respond.Error(c, http.StatusBadGateway, "llm_unavailable", "the analysis provider is unavailable; nothing was charged", nil)
	case errors.As(err, &malformed):
		respond.Error(c, http.StatusBadGateway, "malformed_ai_response", "the provider returned an unusable response", nil)
	case errors.As(err, &notJD):
		respond.Error(c, http.StatusUnprocessableEntity, "not_a_job_description", "the submitted text does not look like a job description", gin.H{
			"reason": notJD.Reason,
		})
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to analyze submission", nil)
	}
}

func usagePayload(stats ledger.Stats) gin.H {
	return gin.H{
		"dailyLimit":      stats.DailyLimit,
		"totalTokensUsed": stats.TotalTokensUsed,
		"remainingTokens": stats.RemainingTokens,
		"lastResetDate":   stats.LastResetDate,
	}
}
