package conflict

import (
	"sort"
	"time"
)

// Member is one document's provisional contribution to an event: its best
// resolved mention and its best species call.
type Member struct {
	DocumentID         string
	SourceType         SourceType
	Species            Species
	SpeciesConfidence  float64
	Lat                *float64
	Lon                *float64
	CellID             *string
	CellResolution     int
	EventTime          time.Time
	LocationConfidence float64
	PlaceName          string
	District           string
}

// Group accumulates the members of one dedup key. Merging is commutative
// and idempotent: the result does not depend on arrival order, and adding
// a document twice changes nothing.
type Group struct {
	key       DedupKey
	candidate ConflictEventCandidate
	repDoc    string
	docs      map[string]struct{}
	sources   map[SourceType]struct{}
}

// NewGroup starts a group from its first member.
func NewGroup(key DedupKey, m Member) *Group {
	g := &Group{
		key:     key,
		docs:    make(map[string]struct{}),
		sources: make(map[SourceType]struct{}),
		candidate: ConflictEventCandidate{
			EventID:        EventID(key),
			Species:        m.Species,
			CellResolution: m.CellResolution,
			EventTime:      m.EventTime.UTC(),
		},
	}
	g.Add(m)
	return g
}

// Key returns the group's dedup key.
func (g *Group) Key() DedupKey { return g.key }

// Add merges m into the group. It reports false when m's document is
// already a member.
func (g *Group) Add(m Member) bool {
	if _, ok := g.docs[m.DocumentID]; ok {
		return false
	}
	g.docs[m.DocumentID] = struct{}{}
	if m.SourceType != "" {
		g.sources[m.SourceType] = struct{}{}
	}

	c := &g.candidate
	if m.SpeciesConfidence > c.SpeciesConfidence {
		c.SpeciesConfidence = m.SpeciesConfidence
	}
	if !m.EventTime.IsZero() && (c.EventTime.IsZero() || m.EventTime.Before(c.EventTime)) {
		c.EventTime = m.EventTime.UTC()
	}

	if g.repDoc == "" ||
		m.LocationConfidence > c.LocationConfidence ||
		(m.LocationConfidence == c.LocationConfidence && m.DocumentID < g.repDoc) {
		g.repDoc = m.DocumentID
		c.LocationConfidence = m.LocationConfidence
		c.Lat = copyFloat(m.Lat)
		c.Lon = copyFloat(m.Lon)
		c.CellID = copyString(m.CellID)
		c.PlaceName = m.PlaceName
		c.District = m.District
	}

	c.DocumentIDs = c.DocumentIDs[:0]
	for id := range g.docs {
		c.DocumentIDs = append(c.DocumentIDs, id)
	}
	sort.Strings(c.DocumentIDs)
	c.DedupGroupSize = len(c.DocumentIDs)

	c.SourceTypes = c.SourceTypes[:0]
	for st := range g.sources {
		c.SourceTypes = append(c.SourceTypes, st)
	}
	sort.Slice(c.SourceTypes, func(i, j int) bool { return c.SourceTypes[i] < c.SourceTypes[j] })
	return true
}

// Candidate returns a copy of the merged event.
func (g *Group) Candidate() ConflictEventCandidate {
	return g.candidate.Clone()
}

// Size returns the number of member documents.
func (g *Group) Size() int { return len(g.docs) }

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
