package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const (
	// UserAgent identifies harvest requests to providers and sites.
	UserAgent = "hwik-conflict-miner/0.1 (+https://github.com/hwik-project/hwik)"
	// DefaultHTTPTimeout bounds one provider page request.
	DefaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 10 * 1024 * 1024
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// getJSON fetches req and decodes a 200 response into out. Auth and quota
// statuses are permanent; throttling, server errors, network failures and
// undecodable bodies are transient.
func getJSON(ctx context.Context, client *http.Client, provider string, req *http.Request, out any) error {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &conflict.TransientProviderError{Provider: provider, Err: fmt.Errorf("http request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &conflict.TransientProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &conflict.TransientProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", bodySnippet(body))}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusForbidden:
		return &conflict.PermanentProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", bodySnippet(body))}
	default:
		return &conflict.PermanentProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", bodySnippet(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &conflict.TransientProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("parse json: %w", err)}
	}
	return nil
}

// bodySnippet returns up to 200 characters of body as a string.
func bodySnippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
