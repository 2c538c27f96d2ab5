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
	YouTubeName           = "youtube"
	DefaultYouTubeBaseURL = "https://www.googleapis.com"
	youTubePageSize       = 50
)

// YouTube harvests citizen-media posts from the YouTube Data API v3 search
// endpoint. The video title and description form the document text.
type YouTube struct {
	baseURL string
	apiKey  string
	client  *http.Client
	backoff Backoff
	now     func() time.Time
	logger  zerolog.Logger
}

// NewYouTube creates the adapter. An empty baseURL uses the public API.
func NewYouTube(baseURL, apiKey string, backoff Backoff, logger zerolog.Logger) *YouTube {
	if baseURL == "" {
		baseURL = DefaultYouTubeBaseURL
	}
	return &YouTube{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  defaultHTTPClient(),
		backoff: backoff,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("source", YouTubeName).Logger(),
	}
}

func (y *YouTube) Name() string              { return YouTubeName }
func (y *YouTube) Type() conflict.SourceType { return conflict.SourceMedia }

type youTubeSearchResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			PublishedAt  string `json:"publishedAt"`
			Title        string `json:"title"`
			Description  string `json:"description"`
			ChannelTitle string `json:"channelTitle"`
		} `json:"snippet"`
	} `json:"items"`
}

// Fetch follows pageToken links. Because the next token comes from the
// failed page, a gap ends the walk for this window.
func (y *YouTube) Fetch(ctx context.Context, w Window, f Filters) iter.Seq2[conflict.RawDocument, error] {
	return func(yield func(conflict.RawDocument, error) bool) {
		token := ""
		for page := 1; page <= f.maxPages(); page++ {
			if ctx.Err() != nil {
				return
			}

			var resp youTubeSearchResponse
			err := y.backoff.Do(ctx, func(ctx context.Context) error {
				req, err := y.request(w, f, token)
				if err != nil {
					return err
				}
				resp = youTubeSearchResponse{}
				return getJSON(ctx, y.client, YouTubeName, req, &resp)
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if conflict.IsPermanent(err) {
					y.logger.Error().Err(err).Int("page", page).Msg("youtube: permanent provider error, stopping source")
					yield(conflict.RawDocument{}, err)
					return
				}
				y.logger.Warn().Err(err).Int("page", page).Msg("youtube: page skipped after retries")
				yield(conflict.RawDocument{}, &conflict.GapError{Source: YouTubeName, Page: strconv.Itoa(page), Err: err})
				return
			}

			fetched := y.now()
			for _, item := range resp.Items {
				if item.ID.VideoID == "" {
					// Channel and playlist results carry no video id.
					if !yield(conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: YouTubeName, Reason: conflict.FilterMissingURL}) {
						return
					}
					continue
				}
				link := "https://www.youtube.com/watch?v=" + item.ID.VideoID
				doc := conflict.RawDocument{
					ID:         conflict.DocumentID(conflict.SourceMedia, link),
					SourceID:   YouTubeName,
					SourceType: conflict.SourceMedia,
					Title:      sanitize.Text(item.Snippet.Title),
					RawText:    sanitize.Text(item.Snippet.Description),
					URL:        link,
					FetchTime:  fetched,
				}
				if ts, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
					ts = ts.UTC()
					if !w.Contains(ts) {
						if !yield(conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: YouTubeName, URL: link, Reason: conflict.FilterOutsideWindow}) {
							return
						}
						continue
					}
					doc.PublishedAt = &ts
				}
				if !yield(doc, nil) {
					return
				}
			}

			if resp.NextPageToken == "" {
				return
			}
			token = resp.NextPageToken
		}
	}
}

func (y *YouTube) request(w Window, f Filters, pageToken string) (*http.Request, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("order", "date")
	params.Set("q", f.query())
	params.Set("publishedAfter", w.Start.UTC().Format(time.RFC3339))
	params.Set("publishedBefore", w.End.UTC().Format(time.RFC3339))
	params.Set("maxResults", strconv.Itoa(youTubePageSize))
	params.Set("key", y.apiKey)
	if f.Language != "" {
		params.Set("relevanceLanguage", f.Language)
	}
	if f.Region != "" {
		params.Set("regionCode", f.Region)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/youtube/v3/search?%s", y.baseURL, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}
