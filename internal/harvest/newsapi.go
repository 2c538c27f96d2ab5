package harvest

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/sanitize"
)

const (
	NewsAPIName           = "newsapi"
	DefaultNewsAPIBaseURL = "https://newsapi.org"
	newsAPIPageSize       = 100
)

// NewsAPI harvests news articles from the NewsAPI /v2/everything endpoint
// using page-number pagination.
type NewsAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
	backoff Backoff
	now     func() time.Time
	logger  zerolog.Logger
}

// NewNewsAPI creates the adapter. An empty baseURL uses the public API.
func NewNewsAPI(baseURL, apiKey string, backoff Backoff, logger zerolog.Logger) *NewsAPI {
	if baseURL == "" {
		baseURL = DefaultNewsAPIBaseURL
	}
	return &NewsAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  defaultHTTPClient(),
		backoff: backoff,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("source", NewsAPIName).Logger(),
	}
}

func (n *NewsAPI) Name() string              { return NewsAPIName }
func (n *NewsAPI) Type() conflict.SourceType { return conflict.SourceNews }

type newsAPIResponse struct {
	Status       string           `json:"status"`
	TotalResults int              `json:"totalResults"`
	Articles     []newsAPIArticle `json:"articles"`
	Code         string           `json:"code"`
	Message      string           `json:"message"`
}

type newsAPIArticle struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

// Fetch walks result pages until the provider runs out of results or
// f.MaxPages is reached. A page that fails after retries is reported as a
// gap and the walk continues with the next page.
func (n *NewsAPI) Fetch(ctx context.Context, w Window, f Filters) iter.Seq2[conflict.RawDocument, error] {
	return func(yield func(conflict.RawDocument, error) bool) {
		for page := 1; page <= f.maxPages(); page++ {
			if ctx.Err() != nil {
				return
			}

			var resp newsAPIResponse
			err := n.backoff.Do(ctx, func(ctx context.Context) error {
				req, err := n.request(w, f, page)
				if err != nil {
					return err
				}
				resp = newsAPIResponse{}
				return getJSON(ctx, n.client, NewsAPIName, req, &resp)
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if conflict.IsPermanent(err) {
					n.logger.Error().Err(err).Int("page", page).Msg("newsapi: permanent provider error, stopping source")
					yield(conflict.RawDocument{}, err)
					return
				}
				n.logger.Warn().Err(err).Int("page", page).Msg("newsapi: page skipped after retries")
				if !yield(conflict.RawDocument{}, &conflict.GapError{Source: NewsAPIName, Page: strconv.Itoa(page), Err: err}) {
					return
				}
				continue
			}

			fetched := n.now()
			for _, a := range resp.Articles {
				if !yield(n.document(a, fetched, w)) {
					return
				}
			}

			if len(resp.Articles) == 0 || page*newsAPIPageSize >= resp.TotalResults {
				return
			}
		}
	}
}

func (n *NewsAPI) request(w Window, f Filters, page int) (*http.Request, error) {
	params := url.Values{}
	params.Set("q", f.query())
	params.Set("from", w.Start.UTC().Format(time.RFC3339))
	params.Set("to", w.End.UTC().Format(time.RFC3339))
	params.Set("sortBy", "publishedAt")
	params.Set("pageSize", strconv.Itoa(newsAPIPageSize))
	params.Set("page", strconv.Itoa(page))
	if f.Language != "" {
		params.Set("language", f.Language)
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/v2/everything?%s", n.baseURL, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", n.apiKey)
	return req, nil
}

// document converts an article. Removed articles and ones published
// outside the half-open window are reported as filtered.
func (n *NewsAPI) document(a newsAPIArticle, fetched time.Time, w Window) (conflict.RawDocument, error) {
	link := strings.TrimSpace(a.URL)
	switch {
	case a.Title == "[Removed]":
		return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: NewsAPIName, URL: link, Reason: conflict.FilterRemoved}
	case link == "":
		return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: NewsAPIName, Reason: conflict.FilterMissingURL}
	}

	doc := conflict.RawDocument{
		ID:         conflict.DocumentID(conflict.SourceNews, link),
		SourceID:   NewsAPIName,
		SourceType: conflict.SourceNews,
		Title:      sanitize.Text(a.Title),
		RawText:    joinText(sanitize.Text(a.Description), sanitize.TrimTruncationMarker(sanitize.Text(a.Content))),
		URL:        link,
		FetchTime:  fetched,
	}
	if ts, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
		ts = ts.UTC()
		if !w.Contains(ts) {
			return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: NewsAPIName, URL: link, Reason: conflict.FilterOutsideWindow}
		}
		doc.PublishedAt = &ts
	}
	return doc, nil
}

// joinText concatenates non-empty parts, skipping a part already contained
// in the previous one (NewsAPI content often repeats the description).
func joinText(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(out) > 0 && strings.Contains(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}
