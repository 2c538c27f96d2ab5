package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

const articleHTML = `<!DOCTYPE html><html><body>
<nav><p>Home | Kerala | Wildlife | A navigation paragraph long enough to count</p></nav>
<article>
  <h1>Wild elephant tramples paddy in Wayanad</h1>
  <p>A wild elephant strayed into paddy fields at Pulpally in Wayanad district on Monday night.</p>
  <p>Share</p>
  <p>Forest officials said the tusker returned to the Tholpetty range before dawn.</p>
  <script>var tracking = "a script that should never be included in the text";</script>
</article>
<footer><p>Copyright notice that is long enough to pass the filter.</p></footer>
</body></html>`

func newArticleServer(t *testing.T, robotsHits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			robotsHits.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
		case "/news/1", "/private/1":
			fmt.Fprint(w, articleHTML)
		case "/redirect":
			http.Redirect(w, r, "https://elsewhere.example.com/news/1", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestArticleFetcher_Body(t *testing.T) {
	var robotsHits atomic.Int32
	ts := newArticleServer(t, &robotsHits)
	defer ts.Close()

	f := NewArticleFetcher(zerolog.Nop())
	body, err := f.Body(context.Background(), ts.URL+"/news/1")
	require.NoError(t, err)
	assert.Equal(t,
		"A wild elephant strayed into paddy fields at Pulpally in Wayanad district on Monday night. "+
			"Forest officials said the tusker returned to the Tholpetty range before dawn.",
		body)

	_, err = f.Body(context.Background(), ts.URL+"/private/1")
	assert.ErrorIs(t, err, ErrDisallowed)

	_, err = f.Body(context.Background(), ts.URL+"/redirect")
	assert.Error(t, err, "cross-host redirects are not followed")

	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt is cached per host")
}

func TestArticleFetcher_InvalidURL(t *testing.T) {
	f := NewArticleFetcher(zerolog.Nop())
	_, err := f.Body(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestWithArticleBodies(t *testing.T) {
	var robotsHits atomic.Int32
	ts := newArticleServer(t, &robotsHits)
	defer ts.Close()

	now := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	long := strings.Repeat("Elephants raided banana plantations again this week. ", 10)
	src := &stubSource{
		name: "newsapi",
		typ:  conflict.SourceNews,
		docs: []conflict.RawDocument{
			{ID: "short", SourceType: conflict.SourceNews, URL: ts.URL + "/news/1", RawText: "A wild elephant strayed …", FetchTime: now},
			{ID: "long", SourceType: conflict.SourceNews, URL: ts.URL + "/news/1", RawText: long, FetchTime: now},
			{ID: "blocked", SourceType: conflict.SourceNews, URL: ts.URL + "/private/1", RawText: "Short summary", FetchTime: now},
			{ID: "media", SourceType: conflict.SourceMedia, URL: ts.URL + "/news/1", RawText: "clip", FetchTime: now},
		},
	}

	wrapped := WithArticleBodies(src, NewArticleFetcher(zerolog.Nop()))
	assert.Equal(t, "newsapi", wrapped.Name())

	got := map[string]string{}
	for doc, err := range wrapped.Fetch(context.Background(), testWindow, Filters{}) {
		require.NoError(t, err)
		got[doc.ID] = doc.RawText
	}

	assert.True(t, strings.HasPrefix(got["short"], "A wild elephant strayed into paddy fields at Pulpally"))
	assert.Equal(t, long, got["long"])
	assert.Equal(t, "Short summary", got["blocked"])
	assert.Equal(t, "clip", got["media"])

	assert.Same(t, src, WithArticleBodies(src, nil))
}
