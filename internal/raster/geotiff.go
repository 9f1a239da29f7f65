package raster

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
)

var registerOnce sync.Once

// RegisterDrivers makes the GDAL drivers available. Safe to call more than
// once; every entry point that touches raster files goes through it.
func RegisterDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// openRaster opens a dataset with GDAL warnings silenced. GDAL raises
// warnings for benign conditions (stale statistics, exotic tags) that would
// otherwise surface as errors through the default handler.
func openRaster(path string, opts ...godal.OpenOption) (*godal.Dataset, error) {
	RegisterDrivers()
	opts = append(opts, godal.ErrLogger(func(ec godal.ErrorCategory, code int, msg string) error {
		if ec <= godal.CE_Warning {
			return nil
		}
		return fmt.Errorf("gdal: %s", msg)
	}))
	return godal.Open(path, opts...)
}

// ParseSRS builds a spatial reference from an "EPSG:nnnn" code or a WKT
// string. Callers own the returned reference and must Close it.
func ParseSRS(crs string) (*godal.SpatialRef, error) {
	RegisterDrivers()
	if code, ok := strings.CutPrefix(crs, "EPSG:"); ok {
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("bad EPSG code %q: %w", crs, err)
		}
		return godal.NewSpatialRefFromEPSG(n)
	}
	return godal.NewSpatialRefFromWKT(crs)
}

func gridFromDataset(ds *godal.Dataset) (Grid, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return Grid{}, fmt.Errorf("failed to read geotransform: %w", err)
	}
	g := Grid{
		Transform: gt,
		Width:     st.SizeX,
		Height:    st.SizeY,
		Bands:     st.NBands,
	}
	if sr := ds.SpatialRef(); sr != nil {
		wkt, err := sr.WKT()
		if err == nil {
			g.CRS = wkt
		}
	}
	if bands := ds.Bands(); len(bands) > 0 {
		if nd, ok := bands[0].NoData(); ok {
			g.NoData = &nd
		}
	}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// ReadGrid reads only the georeferencing metadata of a raster file.
func ReadGrid(path string) (Grid, error) {
	ds, err := openRaster(path)
	if err != nil {
		return Grid{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer ds.Close()
	return gridFromDataset(ds)
}

// LoadImage reads a whole raster, all bands, into memory as float32.
func LoadImage(path string) (*Image, error) {
	ds, err := openRaster(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer ds.Close()

	grid, err := gridFromDataset(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img, err := NewImage(grid)
	if err != nil {
		return nil, err
	}
	for i, band := range ds.Bands() {
		if err := band.Read(0, 0, img.Data[i], grid.Width, grid.Height); err != nil {
			return nil, fmt.Errorf("failed to read band %d of %s: %w", i+1, path, err)
		}
	}
	return img, nil
}

// SaveImage writes the image as a float32 GeoTIFF. The write is atomic: data
// goes to a temporary file in the same directory which is renamed over path
// only after a successful close, so a crash never leaves a truncated file at
// the destination.
func SaveImage(img *Image, path string) error {
	if err := img.Grid.Validate(); err != nil {
		return err
	}
	tmp := path + ".partial"
	if err := writeGeoTIFF(img, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	return nil
}

func writeGeoTIFF(img *Image, path string) error {
	RegisterDrivers()
	ds, err := godal.Create(godal.GTiff, path, img.Grid.Bands, godal.Float32,
		img.Grid.Width, img.Grid.Height)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	closed := false
	defer func() {
		if !closed {
			ds.Close()
		}
	}()

	if err := ds.SetGeoTransform(img.Grid.Transform); err != nil {
		return fmt.Errorf("failed to set geotransform: %w", err)
	}
	if img.Grid.CRS != "" {
		sr, err := ParseSRS(img.Grid.CRS)
		if err != nil {
			return err
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("failed to set CRS: %w", err)
		}
	}
	for i, band := range ds.Bands() {
		if img.Grid.NoData != nil {
			if err := band.SetNoData(*img.Grid.NoData); err != nil {
				return fmt.Errorf("failed to set nodata on band %d: %w", i+1, err)
			}
		}
		if err := band.Write(0, 0, img.Data[i], img.Grid.Width, img.Grid.Height); err != nil {
			return fmt.Errorf("failed to write band %d: %w", i+1, err)
		}
	}
	closed = true
	if err := ds.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// Verify reports whether the file at path is a readable raster with a CRS
// and positive dimensions.
func Verify(path string) error {
	ds, err := openRaster(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.SizeX <= 0 || st.SizeY <= 0 {
		return fmt.Errorf("%s has invalid size %dx%d", path, st.SizeX, st.SizeY)
	}
	sr := ds.SpatialRef()
	if sr == nil {
		return fmt.Errorf("%s has no coordinate reference system", path)
	}
	if wkt, err := sr.WKT(); err != nil || wkt == "" {
		return fmt.Errorf("%s has no coordinate reference system", path)
	}
	return nil
}

// HasNaN reports whether any band of the raster contains NaN pixels.
func HasNaN(path string) (bool, error) {
	img, err := LoadImage(path)
	if err != nil {
		return false, err
	}
	for _, band := range img.Data {
		for _, v := range band {
			if math.IsNaN(float64(v)) {
				return true, nil
			}
		}
	}
	return false, nil
}
