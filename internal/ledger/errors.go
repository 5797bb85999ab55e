package ledger

import "fmt"

// QuotaExhaustedError indicates the day's budget was already spent before
// the call; no external spend occurred.
type QuotaExhaustedError struct {
	Used  int
	Limit int
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("daily token quota exhausted: %d of %d used; try again tomorrow", e.Used, e.Limit)
}

// QuotaWouldExceedError indicates the estimated prompt cost does not fit the
// remaining budget; no external spend occurred.
type QuotaWouldExceedError struct {
	EstimatedTokens int
	RemainingTokens int
}

func (e *QuotaWouldExceedError) Error() string {
	return fmt.Sprintf("estimated prompt cost %d tokens exceeds remaining daily budget of %d", e.EstimatedTokens, e.RemainingTokens)
}

// ExternalCallError indicates the generation call itself failed in transport
// or at the provider. Nothing was charged; the caller may retry.
type ExternalCallError struct {
	Err error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("text generation call failed: %v", e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }
