package input

import (
	"errors"
	"fmt"
)

// ErrEmptyInput indicates the submitted text was empty after trimming.
var ErrEmptyInput = errors.New("input text is empty")

// TooShortError indicates the text failed the plausibility thresholds.
// FromURL distinguishes "try a different URL" guidance from "paste more text".
type TooShortError struct {
	Length  int
	FromURL bool
}

func (e *TooShortError) Error() string {
	if e.FromURL {
		return fmt.Sprintf("fetched page text is too short to analyze (%d characters); try a different URL", e.Length)
	}
	return fmt.Sprintf("pasted text is too short to analyze (%d characters); paste the full job description", e.Length)
}

// URLFetchError indicates every fetch candidate failed. Err carries the last
// underlying cause.
type URLFetchError struct {
	URL string
	Err error
}

func (e *URLFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("could not fetch %s", e.URL)
}

func (e *URLFetchError) Unwrap() error { return e.Err }
