package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestSourcesListEmpty(t *testing.T) {
	t.Setenv("HWIK_LOGGING__LEVEL", "error")

	out, err := runRoot(t, "sources", "list")
	if err != nil {
		t.Fatalf("sources list failed: %v", err)
	}
	if !strings.Contains(out, "No harvest sources configured") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestSourcesListConfigured(t *testing.T) {
	dir := t.TempDir()
	listing := `
name: mathrubhumi
url: https://english.mathrubhumi.com/news/kerala
selectors:
  item: article.story
  title: h2
`
	if err := os.WriteFile(filepath.Join(dir, "mathrubhumi.yaml"), []byte(listing), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HWIK_LOGGING__LEVEL", "error")
	t.Setenv("HWIK_HARVEST__NEWSAPI_KEY", "test-key")
	t.Setenv("HWIK_HARVEST__YOUTUBE_API_KEY", "test-key")
	t.Setenv("HWIK_HARVEST__WEB_SOURCES_DIR", dir)

	out, err := runRoot(t, "sources", "list")
	if err != nil {
		t.Fatalf("sources list failed: %v", err)
	}

	for _, want := range []string{"newsapi", "youtube", "web", "media", "mathrubhumi", "english.mathrubhumi.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}
