package harvest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

func video(id, title, desc, published string) map[string]any {
	return map[string]any{
		"id": map[string]string{"videoId": id},
		"snippet": map[string]string{
			"publishedAt":  published,
			"title":        title,
			"description":  desc,
			"channelTitle": "Local News",
		},
	}
}

func TestYouTube_PageTokens(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/youtube/v3/search", r.URL.Path)
		assert.Equal(t, "yt-key", q.Get("key"))
		assert.Equal(t, "snippet", q.Get("part"))
		assert.Equal(t, "IN", q.Get("regionCode"))
		assert.Equal(t, "2024-06-08T00:00:00Z", q.Get("publishedBefore"))

		switch q.Get("pageToken") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "CAUQAA",
				"items": []any{
					video("abc123", "Tusker strays into Sultan Bathery town", "Residents panic as a wild elephant walks the main road", "2024-06-04T10:00:00Z"),
					video("", "channel result", "", "2024-06-04T10:00:00Z"),
				},
			})
		case "CAUQAA":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []any{
					video("def456", "Farmers&#39; crops raided by wild boar", "", "2024-06-05T10:00:00Z"),
					video("old999", "Old clip", "", "2023-01-01T00:00:00Z"),
				},
			})
		default:
			t.Errorf("unexpected token %q", q.Get("pageToken"))
		}
	}))
	defer ts.Close()

	src := NewYouTube(ts.URL, "yt-key", Backoff{}, zerolog.Nop())
	docs, errs, filtered := collect(t, src, Filters{Query: "elephant", Region: "IN", MaxPages: 5})

	assert.Empty(t, errs)
	assert.Equal(t, []string{conflict.FilterMissingURL, conflict.FilterOutsideWindow}, filterReasons(filtered))
	assert.Equal(t, "https://www.youtube.com/watch?v=old999", filtered[1].URL)
	require.Len(t, docs, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", docs[0].URL)
	assert.Equal(t, conflict.SourceMedia, docs[0].SourceType)
	assert.Equal(t, YouTubeName, docs[0].SourceID)
	assert.Equal(t, "Residents panic as a wild elephant walks the main road", docs[0].RawText)
	assert.Equal(t, "Farmers' crops raided by wild boar", docs[1].Title)
	assert.NoError(t, docs[1].Validate(), "title alone is enough text")
}

func TestYouTube_GapEndsWalk(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "next",
				"items":         []any{video("v1", "Gaur gores farmer", "", "2024-06-02T00:00:00Z")},
			})
			return
		}
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer ts.Close()

	src := NewYouTube(ts.URL, "k", Backoff{MaxRetries: 2, BaseDelay: time.Millisecond}, zerolog.Nop())
	docs, errs, _ := collect(t, src, Filters{Query: "gaur", MaxPages: 5})

	assert.Len(t, docs, 1)
	require.Len(t, errs, 1)
	var gap *conflict.GapError
	require.ErrorAs(t, errs[0], &gap)
	assert.Equal(t, "2", gap.Page)
	assert.Equal(t, int32(4), calls.Load(), "one good page plus three attempts")
}

func TestYouTube_QuotaExceededIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"errors":[{"reason":"quotaExceeded"}]}}`))
	}))
	defer ts.Close()

	src := NewYouTube(ts.URL, "k", Backoff{MaxRetries: 2, BaseDelay: time.Millisecond}, zerolog.Nop())
	docs, errs, _ := collect(t, src, Filters{Query: "tiger"})

	assert.Empty(t, docs)
	require.Len(t, errs, 1)
	assert.True(t, conflict.IsPermanent(errs[0]))
}
