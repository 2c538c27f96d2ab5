package pipeline

import (
	"sort"
	"sync"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// Assembler groups per-document members into deduplicated events. All
// merges happen under one lock, so each member is applied completely or
// not at all.
type Assembler struct {
	bucket         conflict.TimeBucket
	emitUnresolved bool

	mu      sync.Mutex
	groups  map[string]*conflict.Group
	members int
}

// NewAssembler creates an assembler for the given time bucket.
func NewAssembler(bucket conflict.TimeBucket, emitUnresolved bool) *Assembler {
	return &Assembler{
		bucket:         bucket,
		emitUnresolved: emitUnresolved,
		groups:         make(map[string]*conflict.Group),
	}
}

// KeyFor returns the dedup key a member belongs to. Location-less members
// are keyed by their document so they never merge with each other.
func (a *Assembler) KeyFor(m conflict.Member) conflict.DedupKey {
	k := conflict.DedupKey{
		Species: m.Species,
		Bucket:  a.bucket.Label(m.EventTime),
	}
	if m.CellID != nil {
		k.CellID = *m.CellID
	} else {
		k.DocumentID = m.DocumentID
	}
	return k
}

// Add merges m into its group. It reports false when m was not applied:
// it has no location and unresolved emission is off, or its document is
// already part of the group.
func (a *Assembler) Add(m conflict.Member) bool {
	if m.Species == "" {
		m.Species = conflict.SpeciesUnknown
	}
	if m.CellID == nil && !a.emitUnresolved {
		return false
	}
	if m.CellID == nil {
		m.Lat, m.Lon = nil, nil
	}

	key := a.KeyFor(m)
	id := key.String()

	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[id]
	if !ok {
		a.groups[id] = conflict.NewGroup(key, m)
		a.members++
		return true
	}
	if !g.Add(m) {
		return false
	}
	a.members++
	return true
}

// Candidates returns a copy of every assembled event, ordered by event id.
func (a *Assembler) Candidates() []conflict.ConflictEventCandidate {
	a.mu.Lock()
	out := make([]conflict.ConflictEventCandidate, 0, len(a.groups))
	for _, g := range a.groups {
		out = append(out, g.Candidate())
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Len returns the number of groups.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// DedupedAway returns how many applied members were folded into an
// existing group rather than starting one.
func (a *Assembler) DedupedAway() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.members - len(a.groups)
}
