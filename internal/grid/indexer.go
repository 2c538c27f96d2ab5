// Package grid maps coordinates to hexagonal grid cells.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// DefaultResolution is the H3 resolution used when none is configured.
const DefaultResolution = 8

// ErrOutsideGrid is returned for points that no catalog cell covers.
var ErrOutsideGrid = errors.New("grid: point outside catalog")

// Indexer assigns cell ids. It is immutable and safe for concurrent use.
type Indexer struct {
	resolution int
	catalog    *Catalog
}

// NewIndexer creates an indexer. catalog may be nil, in which case every
// valid coordinate maps to its H3 cell.
func NewIndexer(resolution int, catalog *Catalog) (*Indexer, error) {
	if resolution < 0 || resolution > 15 {
		return nil, &conflict.ConfigurationError{Field: "grid.resolution", Reason: fmt.Sprintf("%d is outside 0..15", resolution)}
	}
	if catalog != nil && catalog.IsH3() {
		for id := range catalog.ids {
			if r := h3.Cell(h3.IndexFromString(id)).Resolution(); r != resolution {
				return nil, &conflict.ConfigurationError{
					Field:  "grid.resolution",
					Reason: fmt.Sprintf("catalog cell %s is resolution %d, configured %d", id, r, resolution),
				}
			}
			break
		}
	}
	return &Indexer{resolution: resolution, catalog: catalog}, nil
}

// Resolution returns the configured resolution.
func (ix *Indexer) Resolution() int { return ix.resolution }

// Index returns the cell id for a coordinate. The same coordinate always
// yields the same id. ErrOutsideGrid is returned when a catalog is loaded
// and does not cover the point.
func (ix *Indexer) Index(lat, lon float64) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("grid: invalid coordinate %f,%f", lat, lon)
	}

	id := h3.LatLngToCell(h3.NewLatLng(lat, lon), ix.resolution).String()
	if ix.catalog == nil {
		return id, nil
	}
	if ix.catalog.IsH3() {
		if ix.catalog.Contains(id) {
			return id, nil
		}
		return "", ErrOutsideGrid
	}
	if cellID, ok := ix.catalog.Locate(orb.Point{lon, lat}); ok {
		return cellID, nil
	}
	return "", ErrOutsideGrid
}

// CellPolygon returns the boundary of an H3 cell as a closed ring, used to
// write catalogs for tests and tooling.
func CellPolygon(id string) (orb.Polygon, error) {
	c := h3.Cell(h3.IndexFromString(id))
	if !c.IsValid() {
		return nil, fmt.Errorf("grid: %q is not an H3 cell", id)
	}
	boundary := c.Boundary()
	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, ll := range boundary {
		ring = append(ring, orb.Point{ll.Lng, ll.Lat})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}, nil
}
