// Package harvest pulls candidate documents about human–wildlife conflict
// from news and media providers.
//
// Every adapter implements Source. A fetch is a lazy, finite sequence:
// documents are yielded as pages arrive, and errors in the sequence are
// gap reports (*conflict.GapError) that leave the harvest partial, or
// *conflict.FilteredDocumentError for provider items the adapter dropped. A
// *conflict.PermanentProviderError ends that source's sequence.
package harvest

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// Window is the half-open publication interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Filters narrow a provider query.
type Filters struct {
	Query    string
	Keywords []string
	Language string
	Region   string
	MaxPages int
}

// query renders the provider search string.
func (f Filters) query() string {
	q := strings.TrimSpace(f.Query)
	if len(f.Keywords) == 0 {
		return q
	}
	kw := strings.Join(f.Keywords, " OR ")
	if q == "" {
		return kw
	}
	return fmt.Sprintf("(%s) AND (%s)", q, kw)
}

func (f Filters) maxPages() int {
	if f.MaxPages <= 0 {
		return 1
	}
	return f.MaxPages
}

// Source is one provider adapter. Fetch is not restartable: calling it
// again re-issues the provider queries.
type Source interface {
	Name() string
	Type() conflict.SourceType
	Fetch(ctx context.Context, w Window, f Filters) iter.Seq2[conflict.RawDocument, error]
}

// Registry maps adapter names to sources.
type Registry struct {
	sources map[string]Source
}

// NewRegistry returns a registry holding sources.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Source) error {
	if _, dup := r.sources[s.Name()]; dup {
		return fmt.Errorf("harvest: source %q already registered", s.Name())
	}
	r.sources[s.Name()] = s
	return nil
}

// Get returns the source registered under name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ForTypes returns the sources whose type is in types, ordered by name.
func (r *Registry) ForTypes(types []conflict.SourceType) []Source {
	var out []Source
	for _, n := range r.Names() {
		s := r.sources[n]
		if slices.Contains(types, s.Type()) {
			out = append(out, s)
		}
	}
	return out
}
