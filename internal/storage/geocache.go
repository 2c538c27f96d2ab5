package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// GeocodeStore is the durable tier behind the geocode resolver. Keys are
// normalized place text. Writes are last-write-wins; implementations keep
// the replaced entry's ResolvedAt in PreviousResolvedAt.
type GeocodeStore interface {
	Get(ctx context.Context, key string) (conflict.GeocodeResult, bool, error)
	Put(ctx context.Context, result conflict.GeocodeResult) error
	Delete(ctx context.Context, key string) error
}

// GeocodeLister is implemented by stores that can enumerate their keys.
type GeocodeLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// MemoryGeocodeStore keeps entries in process memory. It backs the
// "memory" cache backend and tests.
type MemoryGeocodeStore struct {
	mu      sync.RWMutex
	entries map[string]conflict.GeocodeResult
}

// NewMemoryGeocodeStore returns an empty store.
func NewMemoryGeocodeStore() *MemoryGeocodeStore {
	return &MemoryGeocodeStore{entries: make(map[string]conflict.GeocodeResult)}
}

func (s *MemoryGeocodeStore) Get(_ context.Context, key string) (conflict.GeocodeResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.entries[key]
	if !ok {
		return conflict.GeocodeResult{}, false, nil
	}
	return res.Clone(), true, nil
}

func (s *MemoryGeocodeStore) Put(_ context.Context, result conflict.GeocodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := result.Clone()
	if prev, ok := s.entries[result.NormalizedText]; ok && !prev.ResolvedAt.IsZero() {
		t := prev.ResolvedAt
		out.PreviousResolvedAt = &t
	}
	s.entries[result.NormalizedText] = out
	return nil
}

func (s *MemoryGeocodeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryGeocodeStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of cached entries.
func (s *MemoryGeocodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
