package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func member(id string, locConf, spConf float64, lat float64, day int) Member {
	return Member{
		DocumentID:         id,
		SourceType:         SourceNews,
		Species:            SpeciesElephant,
		SpeciesConfidence:  spConf,
		Lat:                ptr(lat),
		Lon:                ptr(76.1),
		CellID:             ptr("8861892a1bfffff"),
		CellResolution:     8,
		EventTime:          time.Date(2024, 6, day, 6, 0, 0, 0, time.UTC),
		LocationConfidence: locConf,
		PlaceName:          id + "-place",
	}
}

func mergeAll(members ...Member) ConflictEventCandidate {
	key := DedupKey{CellID: "8861892a1bfffff", Species: SpeciesElephant, Bucket: "2024-W24"}
	g := NewGroup(key, members[0])
	for _, m := range members[1:] {
		g.Add(m)
	}
	return g.Candidate()
}

func TestGroup_MergeIsOrderIndependent(t *testing.T) {
	a := member("doc-a", 0.7, 0.9, 11.60, 10)
	b := member("doc-b", 0.9, 0.6, 11.61, 11)
	c := member("doc-c", 0.8, 0.95, 11.62, 12)
	c.SourceType = SourceMedia

	orders := [][]Member{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	want := mergeAll(orders[0]...)
	for _, o := range orders[1:] {
		assert.Equal(t, want, mergeAll(o...))
	}

	assert.Equal(t, []string{"doc-a", "doc-b", "doc-c"}, want.DocumentIDs)
	assert.Equal(t, 3, want.DedupGroupSize)
	assert.Equal(t, 0.95, want.SpeciesConfidence)
	assert.Equal(t, 0.9, want.LocationConfidence)
	assert.Equal(t, 11.61, *want.Lat, "representative is the best-located member")
	assert.Equal(t, "doc-b-place", want.PlaceName)
	assert.Equal(t, time.Date(2024, 6, 10, 6, 0, 0, 0, time.UTC), want.EventTime)
	assert.Equal(t, []SourceType{SourceMedia, SourceNews}, want.SourceTypes)
}

func TestGroup_TieBreaksOnSmallestDocumentID(t *testing.T) {
	x := member("doc-x", 0.8, 0.5, 11.0, 10)
	y := member("doc-y", 0.8, 0.5, 12.0, 10)

	assert.Equal(t, 11.0, *mergeAll(x, y).Lat)
	assert.Equal(t, 11.0, *mergeAll(y, x).Lat)
}

func TestGroup_Idempotent(t *testing.T) {
	a := member("doc-a", 0.7, 0.9, 11.60, 10)
	b := member("doc-b", 0.9, 0.6, 11.61, 11)

	key := DedupKey{CellID: "8861892a1bfffff", Species: SpeciesElephant, Bucket: "2024-W24"}
	g := NewGroup(key, a)
	require.True(t, g.Add(b))
	once := g.Candidate()

	assert.False(t, g.Add(b))
	assert.False(t, g.Add(a))
	assert.Equal(t, once, g.Candidate())
	assert.Equal(t, 2, g.Size())
}

func TestGroup_Monotonic(t *testing.T) {
	key := DedupKey{CellID: "8861892a1bfffff", Species: SpeciesElephant, Bucket: "2024-06-10"}
	g := NewGroup(key, member("doc-a", 0.9, 0.9, 11.6, 10))
	before := g.Candidate()

	g.Add(member("doc-b", 0.1, 0.1, 11.6, 10))
	after := g.Candidate()

	assert.GreaterOrEqual(t, after.DedupGroupSize, before.DedupGroupSize)
	assert.GreaterOrEqual(t, after.SpeciesConfidence, before.SpeciesConfidence)
	assert.GreaterOrEqual(t, after.LocationConfidence, before.LocationConfidence)
	assert.Subset(t, after.DocumentIDs, before.DocumentIDs)
	assert.Equal(t, before.EventID, after.EventID)
}

func TestGroup_CandidateIsACopy(t *testing.T) {
	key := DedupKey{CellID: "8861892a1bfffff", Species: SpeciesElephant, Bucket: "2024-06-10"}
	g := NewGroup(key, member("doc-a", 0.9, 0.9, 11.6, 10))

	c := g.Candidate()
	*c.Lat = 0
	c.DocumentIDs[0] = "mutated"

	again := g.Candidate()
	assert.Equal(t, 11.6, *again.Lat)
	assert.Equal(t, "doc-a", again.DocumentIDs[0])
}
