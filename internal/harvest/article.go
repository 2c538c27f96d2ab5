package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/sanitize"
)

const (
	articleFetchTimeout = 30 * time.Second
	robotsTimeout       = 10 * time.Second
	// minSummaryRunes is the length below which a news summary is enriched.
	minSummaryRunes = 280
	// minParagraphRunes filters captions, bylines and share buttons.
	minParagraphRunes = 40
	maxRedirects      = 3
)

// ErrDisallowed is returned when robots.txt forbids fetching a page.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// ArticleFetcher downloads the full text of news articles whose provider
// text is only a summary. It honors robots.txt, cached per host.
type ArticleFetcher struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData
}

// NewArticleFetcher creates a fetcher. Redirects are followed only within
// the original host.
func NewArticleFetcher(logger zerolog.Logger) *ArticleFetcher {
	return &ArticleFetcher{
		client: &http.Client{
			Timeout: articleFetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects || req.URL.Host != via[0].URL.Host {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: UserAgent,
		logger:    logger.With().Str("component", "article_fetcher").Logger(),
		robots:    make(map[string]*robotstxt.RobotsData),
	}
}

// Body returns the paragraph text of the article at rawURL.
func (f *ArticleFetcher) Body(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing scheme or host", rawURL)
	}

	allowed, err := f.allowed(ctx, u)
	if err != nil {
		// Unreachable robots.txt is treated as allowed.
		f.logger.Debug().Err(err).Str("url", rawURL).Msg("robots.txt check failed, proceeding as allowed")
		allowed = true
	}
	if !allowed {
		return "", fmt.Errorf("%q: %w", rawURL, ErrDisallowed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request for %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %q: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching %q", resp.StatusCode, rawURL)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("parsing HTML from %q: %w", rawURL, err)
	}
	return articleText(doc), nil
}

// articleText joins the substantial paragraphs of the main article
// container, falling back from <article> to <main> to <body>.
func articleText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, figure, form").Remove()

	var paras *goquery.Selection
	for _, sel := range []string{"article p", "main p", "body p"} {
		if s := doc.Find(sel); s.Length() > 0 {
			paras = s
			break
		}
	}
	if paras == nil {
		return ""
	}

	var parts []string
	paras.Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if utf8.RuneCountInString(text) >= minParagraphRunes {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}

func (f *ArticleFetcher) allowed(ctx context.Context, u *url.URL) (bool, error) {
	host := u.Scheme + "://" + u.Host

	f.mu.Lock()
	data, cached := f.robots[host]
	f.mu.Unlock()

	if !cached {
		var err error
		data, err = f.fetchRobots(ctx, u)
		if err != nil {
			return false, err
		}
		f.mu.Lock()
		f.robots[host] = data
		f.mu.Unlock()
	}

	if data == nil {
		return true, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, f.userAgent), nil
}

// fetchRobots returns nil data when the site has no usable robots.txt.
func (f *ArticleFetcher) fetchRobots(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}

	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching robots.txt from %q: %w", robotsURL.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots.txt status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, fmt.Errorf("reading robots.txt body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		// Malformed robots.txt allows everything.
		return nil, nil
	}
	return data, nil
}

// needsBody reports whether a news document only carries a summary.
func needsBody(doc conflict.RawDocument) bool {
	return doc.SourceType == conflict.SourceNews &&
		(sanitize.Truncated(doc.RawText) || utf8.RuneCountInString(doc.RawText) < minSummaryRunes)
}

// WithArticleBodies wraps src so summary-only news documents get their full
// article text. A failed fetch leaves the summary in place.
func WithArticleBodies(src Source, f *ArticleFetcher) Source {
	if f == nil {
		return src
	}
	return &enriched{Source: src, fetcher: f}
}

type enriched struct {
	Source
	fetcher *ArticleFetcher
}

func (e *enriched) Fetch(ctx context.Context, w Window, filters Filters) iter.Seq2[conflict.RawDocument, error] {
	return func(yield func(conflict.RawDocument, error) bool) {
		for doc, err := range e.Source.Fetch(ctx, w, filters) {
			if err == nil && needsBody(doc) {
				body, ferr := e.fetcher.Body(ctx, doc.URL)
				switch {
				case ferr != nil:
					e.fetcher.logger.Debug().Err(ferr).Str("url", doc.URL).Msg("article body unavailable, keeping summary")
				case utf8.RuneCountInString(body) > utf8.RuneCountInString(doc.RawText):
					doc.RawText = body
				}
			}
			if !yield(doc, err) {
				return
			}
		}
	}
}
