package input

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MinChars is the hard lower bound for analyzable text.
	MinChars = 50
	// ProseChars is the threshold under which single-line text is rejected.
	// Short one-liners (names, titles, single sentences) are not worth a
	// billed model call; real postings above MinChars almost always wrap.
	ProseChars = 100
)

// Input is the validated outcome of acquisition.
type Input struct {
	Text      string
	FromURL   bool
	SourceURL string
}

// Acquirer normalizes caller-supplied text, fetching URLs through the
// read-proxy when needed.
type Acquirer struct {
	proxyBase string
	client    *http.Client
}

// NewAcquirer constructs an Acquirer. proxyBase is the read-proxy origin,
// e.g. https://r.jina.ai.
func NewAcquirer(proxyBase string, timeout time.Duration) *Acquirer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Acquirer{
		proxyBase: strings.TrimRight(proxyBase, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

// Acquire returns validated analyzable text for the raw submission, or a
// typed input error.
func (a *Acquirer) Acquire(ctx context.Context, raw string) (Input, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Input{}, ErrEmptyInput
	}

	if target, ok := parseAbsoluteURL(trimmed); ok {
		body, err := a.fetch(ctx, target)
		if err != nil {
			return Input{}, err
		}
		if err := validate(body, true); err != nil {
			return Input{}, err
		}
		return Input{Text: body, FromURL: true, SourceURL: trimmed}, nil
	}

	if err := validate(trimmed, false); err != nil {
		return Input{}, err
	}
	return Input{Text: trimmed}, nil
}

// AcquireText validates already-obtained text without URL detection. File
// uploads go through here: an extracted document that happens to be a bare
// URL must not trigger a second fetch.
func (a *Acquirer) AcquireText(ctx context.Context, raw string) (Input, error) {
	_ = ctx
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Input{}, ErrEmptyInput
	}
	if err := validate(trimmed, false); err != nil {
		return Input{}, err
	}
	return Input{Text: trimmed}, nil
}

// parseAbsoluteURL reports whether raw is an absolute http(s) URL.
func parseAbsoluteURL(raw string) (*url.URL, bool) {
	if strings.ContainsAny(raw, " \t\n") {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

// validate applies the plausibility thresholds. The 50/100/newline heuristic
// is a known weak point carried over for compatibility: a dense one-line
// 80-char title is rejected while a 60-char multi-line string passes.
func validate(text string, fromURL bool) error {
	length := utf8.RuneCountInString(text)
	if length < MinChars {
		return &TooShortError{Length: length, FromURL: fromURL}
	}
	if length < ProseChars && !strings.Contains(text, "\n") {
		return &TooShortError{Length: length, FromURL: fromURL}
	}
	return nil
}
