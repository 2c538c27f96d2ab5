package harvest

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	dateparser "github.com/markusmobius/go-dateparser"
	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/sanitize"
)

const WebName = "web"

// Web scrapes configured news listing pages with CSS selectors. Listing
// items carry a headline, an optional date and summary, and a link.
type Web struct {
	configs   []WebSourceConfig
	userAgent string
	delay     time.Duration
	backoff   Backoff
	now       func() time.Time
	logger    zerolog.Logger
}

// NewWeb creates the adapter over configs with a one-second per-domain delay.
func NewWeb(configs []WebSourceConfig, backoff Backoff, logger zerolog.Logger) *Web {
	return &Web{
		configs:   configs,
		userAgent: UserAgent,
		delay:     time.Second,
		backoff:   backoff,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("source", WebName).Logger(),
	}
}

func (s *Web) Name() string              { return WebName }
func (s *Web) Type() conflict.SourceType { return conflict.SourceNews }

// Configs returns the listing configs the adapter scrapes.
func (s *Web) Configs() []WebSourceConfig {
	return append([]WebSourceConfig(nil), s.configs...)
}

type listingItem struct {
	Title   string
	Date    string
	Summary string
	URL     string
}

type pageError struct {
	url string
	err error
}

// Fetch scrapes every configured listing. A listing whose first page keeps
// failing is reported as a gap; failed pagination pages are gaps too.
// Items dated outside the window or lacking a link or title are reported
// as filtered; undated items are kept.
func (s *Web) Fetch(ctx context.Context, w Window, f Filters) iter.Seq2[conflict.RawDocument, error] {
	return func(yield func(conflict.RawDocument, error) bool) {
		for _, cfg := range s.configs {
			if ctx.Err() != nil {
				return
			}

			var (
				items  []listingItem
				failed []pageError
			)
			err := s.backoff.Do(ctx, func(ctx context.Context) error {
				var err error
				items, failed, err = s.scrape(ctx, cfg, f)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Str("listing", cfg.Name).Msg("web: listing skipped after retries")
				if !yield(conflict.RawDocument{}, &conflict.GapError{Source: WebName + ":" + cfg.Name, Page: cfg.URL, Err: err}) {
					return
				}
				continue
			}
			for _, pe := range failed {
				if !yield(conflict.RawDocument{}, &conflict.GapError{Source: WebName + ":" + cfg.Name, Page: pe.url, Err: pe.err}) {
					return
				}
			}

			fetched := s.now()
			for _, item := range items {
				if !yield(s.document(cfg, item, fetched, w)) {
					return
				}
			}
		}
	}
}

// scrape fetches cfg.URL and up to MaxPages pagination links. The error is
// non-nil only when the first page failed.
func (s *Web) scrape(ctx context.Context, cfg WebSourceConfig, f Filters) ([]listingItem, []pageError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	allowedDomain, err := extractDomain(cfg.URL)
	if err != nil {
		return nil, nil, err
	}

	var (
		mu        sync.Mutex
		results   []listingItem
		failed    []pageError
		firstErr  error
		pagesSeen int
	)

	maxPages := cfg.MaxPages
	if f.MaxPages > 0 && f.MaxPages < maxPages {
		maxPages = f.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.AllowedDomains(allowedDomain),
	)

	if err := c.Limit(&colly.LimitRule{
		DomainGlob: "*",
		Delay:      s.delay,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("web: failed to set rate limit rule")
	}

	c.OnHTML(cfg.Selectors.Item, func(h *colly.HTMLElement) {
		if ctx.Err() != nil {
			return
		}

		item := listingItem{
			Title: strings.TrimSpace(h.ChildText(cfg.Selectors.Title)),
		}
		if cfg.Selectors.Date != "" {
			item.Date = extractDateFromElement(h, cfg.Selectors.Date)
		}
		if cfg.Selectors.Summary != "" {
			item.Summary = strings.TrimSpace(h.ChildText(cfg.Selectors.Summary))
		}
		linkSel := cfg.Selectors.URL
		if linkSel == "" {
			linkSel = "a"
		}
		if href := h.ChildAttr(linkSel, "href"); href != "" {
			item.URL = h.Request.AbsoluteURL(href)
		}

		mu.Lock()
		results = append(results, item)
		mu.Unlock()
	})

	if cfg.Selectors.Pagination != "" {
		c.OnHTML(cfg.Selectors.Pagination, func(h *colly.HTMLElement) {
			if ctx.Err() != nil {
				return
			}

			mu.Lock()
			current := pagesSeen
			mu.Unlock()
			if current >= maxPages {
				return
			}

			href := h.Attr("href")
			if href == "" {
				href = h.ChildAttr("a", "href")
			}
			if href == "" {
				return
			}
			next := h.Request.AbsoluteURL(href)
			if next == "" {
				return
			}
			if err := c.Visit(next); err != nil {
				s.logger.Debug().Err(err).Str("url", next).Msg("web: pagination URL not visited")
			}
		})
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		pagesSeen++
		reachedMax := pagesSeen > maxPages
		mu.Unlock()

		if reachedMax {
			r.Abort()
			return
		}

		s.logger.Debug().
			Str("url", r.URL.String()).
			Int("page", pagesSeen).
			Msg("web: visiting page")
	})

	c.OnError(func(r *colly.Response, err error) {
		if ctx.Err() != nil {
			return
		}
		page := r.Request.URL.String()
		if r.StatusCode > 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		mu.Lock()
		if page == cfg.URL {
			firstErr = err
		} else {
			failed = append(failed, pageError{url: page, err: err})
		}
		mu.Unlock()
	})

	if err := c.Visit(cfg.URL); err != nil && firstErr == nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		firstErr = err
	}
	c.Wait()

	if firstErr != nil {
		return nil, nil, &conflict.TransientProviderError{Provider: WebName, Err: firstErr}
	}
	return results, failed, nil
}

func (s *Web) document(cfg WebSourceConfig, item listingItem, fetched time.Time, w Window) (conflict.RawDocument, error) {
	source := WebName + ":" + cfg.Name
	switch {
	case item.URL == "":
		return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: source, Reason: conflict.FilterMissingURL}
	case item.Title == "":
		return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: source, URL: item.URL, Reason: conflict.FilterMissingTitle}
	}
	doc := conflict.RawDocument{
		ID:         conflict.DocumentID(conflict.SourceNews, item.URL),
		SourceID:   source,
		SourceType: conflict.SourceNews,
		Title:      sanitize.Text(item.Title),
		RawText:    sanitize.Text(item.Summary),
		URL:        item.URL,
		FetchTime:  fetched,
	}
	if item.Date != "" {
		ts, ok := parseListingDate(item.Date, fetched, cfg.Languages)
		if !ok {
			s.logger.Debug().Str("date", item.Date).Str("url", item.URL).Msg("web: unparseable date, keeping item undated")
		} else {
			if !w.Contains(ts) {
				return conflict.RawDocument{}, &conflict.FilteredDocumentError{Source: source, URL: item.URL, Reason: conflict.FilterOutsideWindow}
			}
			doc.PublishedAt = &ts
		}
	}
	return doc, nil
}

// parseListingDate accepts machine timestamps and human dates such as
// "3 hours ago" or "12 June 2024", relative to now.
func parseListingDate(s string, now time.Time, languages []string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	cfg := &dateparser.Configuration{
		CurrentTime: now,
		Languages:   languages,
	}
	d, err := dateparser.Parse(cfg, s)
	if err != nil || d.Time.IsZero() {
		return time.Time{}, false
	}
	// A bare calendar date keeps its day in UTC.
	if h, m, sec := d.Time.Clock(); h == 0 && m == 0 && sec == 0 {
		y, mo, day := d.Time.Date()
		return time.Date(y, mo, day, 0, 0, 0, 0, time.UTC), true
	}
	return d.Time.UTC(), true
}

// extractDomain parses rawURL and returns just the hostname (no port).
func extractDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// extractDateFromElement prefers the datetime attribute of a matching
// element and falls back to its text.
func extractDateFromElement(h *colly.HTMLElement, selector string) string {
	if dt := h.ChildAttr(selector, "datetime"); dt != "" {
		return strings.TrimSpace(dt)
	}
	return strings.TrimSpace(h.ChildText(selector))
}
