package geo

import (
	"encoding/json"
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

// CanonicalCRS is the coordinate reference system every footprint is
// expressed in, and the CRS all exports are requested in.
const CanonicalCRS = "EPSG:4326"

// Footprint is the rectangular region-of-interest polygon of a reference
// dataset, as a closed five-point ring in geographic WGS84 coordinates.
// Derived once per region and immutable afterwards.
type Footprint struct {
	ring orb.Ring
}

// FromBounds builds the closed ring over the extent
// [minX,maxX] x [minY,maxY], corner order (minX,minY), (maxX,minY),
// (maxX,maxY), (minX,maxY), closing back on the first point.
func FromBounds(minX, minY, maxX, maxY float64) Footprint {
	return Footprint{ring: orb.Ring{
		{minX, minY},
		{maxX, minY},
		{maxX, maxY},
		{minX, maxY},
		{minX, minY},
	}}
}

// FromRaster derives the footprint from a raster's bounds. When the raster
// uses a CRS other than WGS84 the four corner coordinates are transformed
// individually; for the small, roughly axis-aligned regions this system
// works with, the corner-only transform is an accepted approximation of a
// full polygon reprojection.
func FromRaster(path string) (Footprint, error) {
	grid, err := raster.ReadGrid(path)
	if err != nil {
		return Footprint{}, fmt.Errorf("failed to derive footprint: %w", err)
	}
	minX, minY, maxX, maxY := grid.Bounds()
	if grid.CRS == "" {
		return Footprint{}, fmt.Errorf("raster %s has no CRS, cannot derive footprint", path)
	}

	src, err := raster.ParseSRS(grid.CRS)
	if err != nil {
		return Footprint{}, err
	}
	defer src.Close()
	dst, err := raster.ParseSRS(CanonicalCRS)
	if err != nil {
		return Footprint{}, err
	}
	defer dst.Close()

	if src.IsSame(dst) {
		return FromBounds(minX, minY, maxX, maxY), nil
	}

	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return Footprint{}, fmt.Errorf("failed to build CRS transform: %w", err)
	}
	defer trn.Close()

	xs := []float64{minX, maxX, maxX, minX}
	ys := []float64{minY, minY, maxY, maxY}
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return Footprint{}, fmt.Errorf("failed to transform footprint corners: %w", err)
	}

	minX, maxX = xs[0], xs[0]
	minY, maxY = ys[0], ys[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] < minX {
			minX = xs[i]
		}
		if xs[i] > maxX {
			maxX = xs[i]
		}
		if ys[i] < minY {
			minY = ys[i]
		}
		if ys[i] > maxY {
			maxY = ys[i]
		}
	}
	return FromBounds(minX, minY, maxX, maxY), nil
}

// Ring returns the closed coordinate ring.
func (f Footprint) Ring() orb.Ring {
	return f.ring
}

// Polygon returns the footprint as a single-ring polygon.
func (f Footprint) Polygon() orb.Polygon {
	return orb.Polygon{f.ring}
}

// Bound returns the axis-aligned extent of the footprint.
func (f Footprint) Bound() orb.Bound {
	return f.ring.Bound()
}

// Center returns the footprint's center point (lon, lat).
func (f Footprint) Center() orb.Point {
	return f.ring.Bound().Center()
}

// GeoJSON serializes the footprint as a GeoJSON Polygon geometry, the shape
// provider query payloads embed.
func (f Footprint) GeoJSON() (json.RawMessage, error) {
	b, err := geojson.NewGeometry(f.Polygon()).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode footprint: %w", err)
	}
	return b, nil
}

// IsZero reports whether the footprint was never derived.
func (f Footprint) IsZero() bool {
	return len(f.ring) == 0
}
