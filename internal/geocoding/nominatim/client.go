package nominatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const (
	// ProviderName labels results, metrics and errors from this client.
	ProviderName = "nominatim"
	// DefaultBaseURL is the public Nominatim API endpoint
	DefaultBaseURL = "https://nominatim.openstreetmap.org"
	// DefaultUserAgent follows OSM usage policy requirements
	DefaultUserAgent = "hwik-conflict-miner/0.1"
	// DefaultTimeout for HTTP requests
	DefaultTimeout = 5 * time.Second
	// DefaultRateLimit is 1 request per second (OSM policy)
	DefaultRateLimit = rate.Limit(1.0)
	// MaxRetries for transient errors
	MaxRetries = 2
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 1 * time.Second
)

// Client handles communication with the Nominatim geocoding API.
//
// One Client exists per provider per process; its limiter is shared by
// every caller. Waiters are granted slots in arrival order.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	defaults   SearchOptions
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets a custom rate limit (requests per second). Burst is 1
// so no one-second window can see more than rps calls.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLimiter shares an existing limiter, e.g. one owned by the caller.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithRetry overrides the retry bound and base backoff.
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
	}
}

// WithSearchDefaults sets the options Lookup uses.
func WithSearchDefaults(countryCodes string, limit int) Option {
	return func(c *Client) {
		c.defaults = SearchOptions{CountryCodes: countryCodes, Limit: limit}
	}
}

// NewClient creates a new Nominatim API client.
// email is included in the User-Agent header per OSM usage policy.
func NewClient(baseURL, email string, opts ...Option) *Client {
	ua := DefaultUserAgent
	if email != "" {
		ua = fmt.Sprintf("%s (%s)", DefaultUserAgent, email)
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL:    baseURL,
		userAgent:  ua,
		limiter:    rate.NewLimiter(DefaultRateLimit, 1),
		maxRetries: MaxRetries,
		retryBase:  RetryBaseDelay,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Name identifies the provider.
func (c *Client) Name() string { return ProviderName }

// Lookup returns candidates for query using the client's search defaults.
func (c *Client) Lookup(ctx context.Context, query string) ([]conflict.GeocodeResult, error) {
	return c.Candidates(ctx, query, c.defaults)
}

// Candidates resolves query into every candidate the provider returns,
// converted to domain results keyed by query.
func (c *Client) Candidates(ctx context.Context, query string, opts SearchOptions) ([]conflict.GeocodeResult, error) {
	raw, err := c.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	out := make([]conflict.GeocodeResult, 0, len(raw))
	for _, r := range raw {
		res, convErr := r.toResult(query)
		if convErr != nil {
			// One bad candidate does not invalidate the others.
			continue
		}
		out = append(out, res)
	}
	if len(raw) > 0 && len(out) == 0 {
		return nil, &conflict.TransientProviderError{Provider: ProviderName, Err: errors.New("malformed coordinates in every candidate")}
	}
	return out, nil
}

// Search performs forward geocoding (query -> coordinates).
// Returns up to opts.Limit results (default: 1).
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "jsonv2")
	params.Set("addressdetails", "1")

	if opts.CountryCodes != "" {
		params.Set("countrycodes", opts.CountryCodes)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	params.Set("limit", strconv.Itoa(limit))

	if opts.Viewbox != nil {
		viewbox := fmt.Sprintf("%f,%f,%f,%f",
			opts.Viewbox.MinLon, opts.Viewbox.MinLat,
			opts.Viewbox.MaxLon, opts.Viewbox.MaxLat)
		params.Set("viewbox", viewbox)
		params.Set("bounded", "1")
	}

	requestURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	var results []SearchResult
	if err := c.doWithRetry(ctx, requestURL, &results); err != nil {
		return nil, fmt.Errorf("search geocoding: %w", err)
	}

	return results, nil
}

// doWithRetry executes an HTTP GET request with exponential backoff retry logic.
// Exhausted retries surface as TransientProviderError; auth and quota
// responses surface immediately as PermanentProviderError.
func (c *Client) doWithRetry(ctx context.Context, requestURL string, result any) error {
	var lastErr error
	lastStatus := 0

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s, ...
			delay := c.retryBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &conflict.TransientProviderError{Provider: ProviderName, Err: ctx.Err()}
			}
		}

		// Queue on the shared limiter; fails early if ctx's deadline would pass first.
		if err := c.limiter.Wait(ctx); err != nil {
			return &conflict.TransientProviderError{Provider: ProviderName, Err: fmt.Errorf("rate limiter: %w", err)}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			lastStatus = 0
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		lastStatus = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue
		case resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusPaymentRequired,
			resp.StatusCode == http.StatusForbidden:
			return &conflict.PermanentProviderError{
				Provider:   ProviderName,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("%s", snippet(body)),
			}
		case resp.StatusCode != http.StatusOK:
			return &conflict.TransientProviderError{
				Provider:   ProviderName,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected status: %s", snippet(body)),
			}
		}

		if err := json.Unmarshal(body, result); err != nil {
			lastErr = fmt.Errorf("parse json: %w", err)
			continue
		}

		return nil
	}

	return &conflict.TransientProviderError{
		Provider:   ProviderName,
		StatusCode: lastStatus,
		Err:        fmt.Errorf("max retries exceeded: %w", lastErr),
	}
}

func snippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
