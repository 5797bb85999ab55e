package llm

import (
	"math"
	"strings"
)

// estimatePadding inflates the 4-chars-per-token rule of thumb to bias the
// admission check toward rejecting rather than overspending.
const estimatePadding = 1.2

// EstimateTokens returns a deterministic local token estimate for text, used
// when the provider tokenizer is unreachable. Never returns less than 1 for
// non-empty text.
func EstimateTokens(text string) int {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return 0
	}
	perChar := math.Ceil(float64(len(normalized)) / 4.0)
	return int(math.Ceil(perChar * estimatePadding))
}
