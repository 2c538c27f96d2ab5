package pipeline

import (
	"time"
	"unicode/utf8"

	dateparser "github.com/markusmobius/go-dateparser"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const (
	// leadRunes limits the date search to the headline and opening lines.
	leadRunes = 400
	// An explicit date is trusted only this close to publication.
	maxLookback  = 30 * 24 * time.Hour
	maxLookahead = 24 * time.Hour
)

// EventTime picks the time an incident happened: the first explicit date
// in the title or lead that falls within [published-30d, published+1d],
// else the publication time, else the fetch time.
func EventTime(doc conflict.RawDocument) time.Time {
	if doc.PublishedAt == nil {
		return doc.FetchTime.UTC()
	}
	published := doc.PublishedAt.UTC()

	if t, ok := explicitDate(lead(doc), published); ok {
		return t
	}
	return published
}

func lead(doc conflict.RawDocument) string {
	text := doc.Text()
	if utf8.RuneCountInString(text) <= leadRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == leadRunes {
			return text[:i]
		}
		n++
	}
	return text
}

func explicitDate(text string, published time.Time) (time.Time, bool) {
	if text == "" {
		return time.Time{}, false
	}
	cfg := &dateparser.Configuration{
		CurrentTime: published,
		Languages:   []string{"en"},
	}
	_, found, err := dateparser.Search(cfg, text)
	if err != nil {
		return time.Time{}, false
	}

	lo, hi := published.Add(-maxLookback), published.Add(maxLookahead)
	for _, r := range found {
		t := r.Date.Time
		if t.IsZero() {
			continue
		}
		t = t.UTC()
		if t.Before(lo) || t.After(hi) {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}
