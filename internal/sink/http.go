package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const (
	// DefaultBatchSize is the number of events per POST.
	DefaultBatchSize = 100
	httpCloseTimeout = 30 * time.Second
)

// BatchResult is the persistence service's response to a batch.
type BatchResult struct {
	BatchID         string       `json:"batch_id"`
	EventsCreated   int          `json:"events_created"`
	EventsDuplicate int          `json:"events_duplicate"`
	EventsFailed    int          `json:"events_failed"`
	Errors          []BatchError `json:"errors,omitempty"`
}

// BatchError describes a per-event error within a batch.
type BatchError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// HTTP buffers events and POSTs them as {"events":[...]} batches.
type HTTP struct {
	url        string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	batchSize  int
	logger     zerolog.Logger

	mu      sync.Mutex
	pending []conflict.ConflictEventCandidate
}

// NewHTTP targets url with the given API key. A 30-second HTTP timeout and
// a descriptive User-Agent are set by default.
func NewHTTP(url, apiKey string, logger zerolog.Logger) *HTTP {
	return &HTTP{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		userAgent: "hwik-conflict-miner/0.1",
		batchSize: DefaultBatchSize,
		logger:    logger.With().Str("component", "http_sink").Logger(),
	}
}

func (s *HTTP) Write(ctx context.Context, ev conflict.ConflictEventCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, ev)
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.flushLocked(ctx)
}

// Close submits any buffered events.
func (s *HTTP) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), httpCloseTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *HTTP) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	res, err := s.submit(ctx, s.pending)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("batch_id", res.BatchID).
		Int("created", res.EventsCreated).
		Int("duplicate", res.EventsDuplicate).
		Int("failed", res.EventsFailed).
		Msg("event batch submitted")
	if res.EventsFailed > 0 {
		for _, e := range res.Errors {
			s.logger.Warn().Int("index", e.Index).Str("message", e.Message).Msg("event rejected by persistence service")
		}
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *HTTP) submit(ctx context.Context, evts []conflict.ConflictEventCandidate) (BatchResult, error) {
	payload, err := json.Marshal(map[string]any{"events": evts})
	if err != nil {
		return BatchResult{}, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, fmt.Errorf("create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return BatchResult{}, fmt.Errorf("rate limited (HTTP 429): %s", bodySnippet(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bodySnippet(body))
	}

	var result BatchResult
	if len(bytes.TrimSpace(body)) == 0 {
		return BatchResult{EventsCreated: len(evts)}, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return BatchResult{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

// bodySnippet returns up to 200 characters of body as a string.
func bodySnippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
