package nominatim

import (
	"strconv"
	"strings"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// SearchOptions contains optional parameters for geocoding searches.
type SearchOptions struct {
	// CountryCodes limits results to specific countries (comma-separated ISO 3166-1 alpha-2 codes, e.g. "in")
	CountryCodes string
	// Limit controls the maximum number of candidates (default: 1, max: 50)
	Limit int
	// Viewbox biases results toward a specific geographic bounding box
	Viewbox *Viewbox
}

// Viewbox defines a geographic bounding box for biasing search results.
type Viewbox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// SearchResult represents a single candidate from the search endpoint (format=jsonv2).
type SearchResult struct {
	PlaceID     int64   `json:"place_id"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Type        string  `json:"type"`
	Class       string  `json:"class"`
	Importance  float64 `json:"importance"`
	OSMID       int64   `json:"osm_id"`
	OSMType     string  `json:"osm_type"`
	// BoundingBox is [min_lat, max_lat, min_lon, max_lon] as strings.
	BoundingBox []string `json:"boundingbox,omitempty"`
	Address     *Address `json:"address,omitempty"`
}

// Address contains structured address components from Nominatim.
type Address struct {
	Village       string `json:"village,omitempty"`
	Town          string `json:"town,omitempty"`
	City          string `json:"city,omitempty"`
	County        string `json:"county,omitempty"`
	StateDistrict string `json:"state_district,omitempty"`
	State         string `json:"state,omitempty"`
	Country       string `json:"country,omitempty"`
	CountryCode   string `json:"country_code,omitempty"`
}

// district picks the admin-2 name Indian addresses usually carry.
func (a *Address) district() string {
	if a == nil {
		return ""
	}
	if a.StateDistrict != "" {
		return strings.TrimSuffix(a.StateDistrict, " District")
	}
	return strings.TrimSuffix(a.County, " District")
}

// toResult converts a raw candidate into the domain shape. Importance is
// used as match confidence and clamped to [0,1].
func (r SearchResult) toResult(normalized string) (conflict.GeocodeResult, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return conflict.GeocodeResult{}, err
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return conflict.GeocodeResult{}, err
	}

	confidence := r.Importance
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	out := conflict.GeocodeResult{
		NormalizedText:  normalized,
		Lat:             lat,
		Lon:             lon,
		MatchConfidence: confidence,
		Provider:        ProviderName,
		DisplayName:     r.DisplayName,
		District:        r.Address.district(),
	}

	if len(r.BoundingBox) == 4 {
		var vals [4]float64
		ok := true
		for i, s := range r.BoundingBox {
			v, perr := strconv.ParseFloat(s, 64)
			if perr != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if ok {
			out.BoundingBox = &conflict.BoundingBox{MinLat: vals[0], MaxLat: vals[1], MinLon: vals[2], MaxLon: vals[3]}
		}
	}
	return out, nil
}
