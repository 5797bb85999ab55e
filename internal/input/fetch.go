package input

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"joblens-backend/internal/shared/telemetry"
)

// maxFetchBytes bounds how much of a proxied page is read.
const maxFetchBytes = 1 << 20

// fetch retrieves rendered page text for target through the read-proxy,
// trying each candidate request shape in order. The first candidate that
// returns a success status with a non-empty body wins.
func (a *Acquirer) fetch(ctx context.Context, target *url.URL) (string, error) {
	candidates := a.candidates(target)

	var lastErr error
	for _, candidate := range candidates {
		body, err := a.fetchOnce(ctx, candidate)
		if err != nil {
			lastErr = err
			telemetry.Warn("input.fetch_candidate_failed", map[string]any{
				"candidate": candidate,
				"error":     err.Error(),
			})
			continue
		}
		return body, nil
	}
	return "", &URLFetchError{URL: target.String(), Err: lastErr}
}

// candidates builds the ordered fallback request URLs. A URL already
// targeting the proxy host is requested as-is, once.
func (a *Acquirer) candidates(target *url.URL) []string {
	proxy, err := url.Parse(a.proxyBase)
	if err == nil && proxy.Host != "" && strings.EqualFold(target.Host, proxy.Host) {
		return []string{target.String()}
	}
	return []string{
		a.proxyBase + "/" + target.Host + target.Path,
		a.proxyBase + "/" + target.String(),
	}
}

func (a *Acquirer) fetchOnce(ctx context.Context, candidate string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Return-Format", "text")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("proxy status %d", resp.StatusCode)
	}
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return "", fmt.Errorf("proxy returned empty body")
	}
	return body, nil
}
