package raster

import (
	"fmt"
)

// Grid describes the georeferencing of a raster: coordinate reference
// system, affine transform and pixel dimensions. Two rasters whose grids
// compare equal are pixel-for-pixel aligned.
type Grid struct {
	// CRS is either an authority code ("EPSG:4326") or a WKT definition.
	CRS string
	// Transform holds the six GDAL geotransform coefficients:
	// originX, pixelWidth, rowRotation, originY, colRotation, pixelHeight.
	// pixelHeight is negative for north-up rasters.
	Transform [6]float64
	Width     int
	Height    int
	Bands     int
	// NoData is the sentinel value flagged in the file metadata, nil when
	// the raster declares none.
	NoData *float64
}

// Validate rejects grids that cannot describe a real raster.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", g.Width, g.Height)
	}
	// The transform must be invertible: the 2x2 pixel-to-world matrix needs
	// a nonzero determinant.
	det := g.Transform[1]*g.Transform[5] - g.Transform[2]*g.Transform[4]
	if det == 0 {
		return fmt.Errorf("geotransform %v is not invertible", g.Transform)
	}
	return nil
}

// Bounds returns the world-coordinate extent covering the grid. All four
// pixel-space corners are evaluated, so rotated grids get a covering extent
// rather than just the (0,0)-(W,H) diagonal.
func (g Grid) Bounds() (minX, minY, maxX, maxY float64) {
	corners := [4][2]float64{
		{0, 0},
		{float64(g.Width), 0},
		{0, float64(g.Height)},
		{float64(g.Width), float64(g.Height)},
	}
	for i, c := range corners {
		x := g.Transform[0] + g.Transform[1]*c[0] + g.Transform[2]*c[1]
		y := g.Transform[3] + g.Transform[4]*c[0] + g.Transform[5]*c[1]
		if i == 0 || x < minX {
			minX = x
		}
		if i == 0 || x > maxX {
			maxX = x
		}
		if i == 0 || y < minY {
			minY = y
		}
		if i == 0 || y > maxY {
			maxY = y
		}
	}
	return minX, minY, maxX, maxY
}

// Rotated reports whether the transform carries rotation or shear terms.
func (g Grid) Rotated() bool {
	return g.Transform[2] != 0 || g.Transform[4] != 0
}

// SameGridAs reports whether both rasters share the exact pixel grid:
// identical dimensions and identical transform coefficients. CRS is not
// compared here; a raster reprojected onto a reference grid carries the
// reference transform, which is what alignment checks care about.
func (g Grid) SameGridAs(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Transform == o.Transform
}

// Image owns one grid plus pixel data for every band. Bands are stored
// row-major, Data[b][y*Width+x].
type Image struct {
	Grid Grid
	Data [][]float32
}

// NewImage allocates a zero-filled image matching the grid's shape.
func NewImage(g Grid) (*Image, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.Bands <= 0 {
		return nil, fmt.Errorf("invalid band count %d", g.Bands)
	}
	data := make([][]float32, g.Bands)
	for b := range data {
		data[b] = make([]float32, g.Width*g.Height)
	}
	return &Image{Grid: g, Data: data}, nil
}
