package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceType distinguishes the provider families a document can come from.
type SourceType string

const (
	SourceNews  SourceType = "news"
	SourceMedia SourceType = "media"
)

// ParseSourceType validates a configured source type.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case SourceNews:
		return SourceNews, nil
	case SourceMedia:
		return SourceMedia, nil
	default:
		return "", &ConfigurationError{Field: "sources", Reason: fmt.Sprintf("unknown source %q", s)}
	}
}

// Species is the closed set of labels the inferrer may emit.
type Species string

const (
	SpeciesElephant Species = "elephant"
	SpeciesTiger    Species = "tiger"
	SpeciesWildBoar Species = "wild_boar"
	SpeciesGaur     Species = "gaur"
	SpeciesOther    Species = "other"
	SpeciesUnknown  Species = "unknown"
)

// KnownSpecies lists every valid Species value.
var KnownSpecies = []Species{SpeciesElephant, SpeciesTiger, SpeciesWildBoar, SpeciesGaur, SpeciesOther, SpeciesUnknown}

// Valid reports whether s is one of KnownSpecies.
func (s Species) Valid() bool {
	for _, k := range KnownSpecies {
		if s == k {
			return true
		}
	}
	return false
}

// RawDocument is a candidate text fetched from a provider. It is never
// mutated after the harvester yields it.
type RawDocument struct {
	ID          string
	SourceID    string // adapter name, e.g. "newsapi"
	SourceType  SourceType
	Title       string
	PublishedAt *time.Time
	RawText     string
	URL         string
	FetchTime   time.Time
}

// documentNamespace scopes document ids so they never collide with event ids.
var documentNamespace = uuid.MustParse("3b0c1f4e-6f6a-4f1e-9d55-2a9c3c7f0d11")

// DocumentID derives a stable id from the source type and canonical URL, so a
// re-fetched article keeps its identity across runs.
func DocumentID(sourceType SourceType, url string) string {
	return uuid.NewSHA1(documentNamespace, []byte(string(sourceType)+"|"+strings.TrimSpace(url))).String()
}

// Text returns the title and body joined for text analysis.
func (d RawDocument) Text() string {
	if d.Title == "" {
		return d.RawText
	}
	if d.RawText == "" {
		return d.Title
	}
	return d.Title + ". " + d.RawText
}

// Validate checks the fields every downstream stage relies on.
func (d RawDocument) Validate() error {
	var missing []string
	if strings.TrimSpace(d.ID) == "" {
		missing = append(missing, "id")
	}
	if d.SourceType != SourceNews && d.SourceType != SourceMedia {
		missing = append(missing, "source_type")
	}
	if strings.TrimSpace(d.URL) == "" {
		missing = append(missing, "url")
	}
	if strings.TrimSpace(d.Text()) == "" {
		missing = append(missing, "raw_text")
	}
	if d.FetchTime.IsZero() {
		missing = append(missing, "fetch_time")
	}
	if len(missing) > 0 {
		return &MalformedDocumentError{DocumentID: d.ID, Fields: missing}
	}
	return nil
}

// LocationMention is one candidate place name found in a document.
type LocationMention struct {
	DocumentID     string
	SurfaceText    string
	NormalizedText string
	CharOffset     int
	ContextWindow  string
}

// BoundingBox is the provider's extent for a resolved place.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// GeocodeResult is a resolved place keyed by normalized text.
type GeocodeResult struct {
	NormalizedText     string       `json:"normalized_text"`
	Lat                float64      `json:"lat"`
	Lon                float64      `json:"lon"`
	BoundingBox        *BoundingBox `json:"bounding_box,omitempty"`
	MatchConfidence    float64      `json:"match_confidence"`
	Provider           string       `json:"provider"`
	DisplayName        string       `json:"display_name,omitempty"`
	District           string       `json:"district,omitempty"`
	ResolvedAt         time.Time    `json:"resolved_at"`
	PreviousResolvedAt *time.Time   `json:"previous_resolved_at,omitempty"`
}

// Clone returns a deep copy so cache internals are never shared.
func (r GeocodeResult) Clone() GeocodeResult {
	out := r
	if r.BoundingBox != nil {
		bb := *r.BoundingBox
		out.BoundingBox = &bb
	}
	if r.PreviousResolvedAt != nil {
		t := *r.PreviousResolvedAt
		out.PreviousResolvedAt = &t
	}
	return out
}

// SpeciesCall is one species attribution for a document.
type SpeciesCall struct {
	DocumentID string
	Species    Species
	Confidence float64
	Term       string // matched lexicon term
	Cue        string // nearest conflict cue, empty when none
}

// ConflictEventCandidate is the pipeline's output record.
type ConflictEventCandidate struct {
	EventID            string       `json:"event_id"`
	DocumentIDs        []string     `json:"document_ids"`
	Species            Species      `json:"species"`
	SpeciesConfidence  float64      `json:"species_confidence"`
	Lat                *float64     `json:"lat"`
	Lon                *float64     `json:"lon"`
	CellID             *string      `json:"cell_id"`
	CellResolution     int          `json:"cell_resolution"`
	EventTime          time.Time    `json:"event_time"`
	LocationConfidence float64      `json:"location_confidence"`
	DedupGroupSize     int          `json:"dedup_group_size"`
	PlaceName          string       `json:"place_name,omitempty"`
	District           string       `json:"district,omitempty"`
	SourceTypes        []SourceType `json:"source_types"`
}

// Located reports whether the candidate carries coordinates and a cell.
func (c ConflictEventCandidate) Located() bool {
	return c.CellID != nil && c.Lat != nil && c.Lon != nil
}

// Clone returns a deep copy for handing off to collaborators.
func (c ConflictEventCandidate) Clone() ConflictEventCandidate {
	out := c
	out.DocumentIDs = append([]string(nil), c.DocumentIDs...)
	out.SourceTypes = append([]SourceType(nil), c.SourceTypes...)
	if c.Lat != nil {
		v := *c.Lat
		out.Lat = &v
	}
	if c.Lon != nil {
		v := *c.Lon
		out.Lon = &v
	}
	if c.CellID != nil {
		v := *c.CellID
		out.CellID = &v
	}
	return out
}
