package grid

import (
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/uber/h3-go/v4"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// cell is one catalog polygon.
type cell struct {
	id    string
	geom  orb.Geometry
	bound orb.Bound
}

// Catalog is the static grid produced by the grid-generation subsystem: a
// GeoJSON FeatureCollection whose features carry a grid_id (or cell_id)
// property. When every id is an H3 index the catalog is used as a
// membership set; otherwise points are located by polygon containment.
type Catalog struct {
	cells []cell
	ids   map[string]struct{}
	h3    bool
}

// LoadCatalog reads a GeoJSON catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &conflict.ConfigurationError{Field: "grid.catalog_path", Reason: err.Error()}
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a GeoJSON FeatureCollection.
func ParseCatalog(data []byte) (*Catalog, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, &conflict.ConfigurationError{Field: "grid.catalog_path", Reason: fmt.Sprintf("parse geojson: %v", err)}
	}

	c := &Catalog{ids: make(map[string]struct{}, len(fc.Features)), h3: len(fc.Features) > 0}
	for i, f := range fc.Features {
		id := featureID(f)
		if id == "" {
			return nil, &conflict.ConfigurationError{Field: "grid.catalog_path", Reason: fmt.Sprintf("feature %d has no grid_id", i)}
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, &conflict.ConfigurationError{Field: "grid.catalog_path", Reason: fmt.Sprintf("feature %s is %s, want Polygon", id, f.Geometry.GeoJSONType())}
		}
		c.cells = append(c.cells, cell{id: id, geom: f.Geometry, bound: f.Geometry.Bound()})
		c.ids[id] = struct{}{}
		if !h3.Cell(h3.IndexFromString(id)).IsValid() {
			c.h3 = false
		}
	}
	// Deterministic tie-break when polygons overlap on shared edges.
	sort.Slice(c.cells, func(i, j int) bool { return c.cells[i].id < c.cells[j].id })
	return c, nil
}

func featureID(f *geojson.Feature) string {
	for _, key := range []string{"grid_id", "cell_id"} {
		if v, ok := f.Properties[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	return ""
}

// Len reports the number of cells.
func (c *Catalog) Len() int { return len(c.cells) }

// IsH3 reports whether the catalog is keyed by H3 indexes.
func (c *Catalog) IsH3() bool { return c.h3 }

// Contains reports whether id is a catalog cell.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// Locate returns the id of the first cell containing p (lon, lat).
func (c *Catalog) Locate(p orb.Point) (string, bool) {
	for _, cl := range c.cells {
		if !cl.bound.Contains(p) {
			continue
		}
		switch g := cl.geom.(type) {
		case orb.Polygon:
			if planar.PolygonContains(g, p) {
				return cl.id, true
			}
		case orb.MultiPolygon:
			if planar.MultiPolygonContains(g, p) {
				return cl.id, true
			}
		}
	}
	return "", false
}
