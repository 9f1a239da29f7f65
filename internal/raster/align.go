package raster

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// Aligner resamples rasters onto a reference pixel grid.
type Aligner struct {
	log *zap.Logger
}

func NewAligner(log *zap.Logger) *Aligner {
	return &Aligner{log: log}
}

// AlignFile reprojects and resamples the raster at path onto ref's exact
// pixel grid (CRS, transform, dimensions), replacing the file in place.
// Band count, data type and nodata value follow the source. Continuous data
// is assumed, so resampling is bilinear. Returns false without touching the
// file when the grid already matches.
//
// The replacement is atomic: the warp output lands in a temporary file next
// to the original and is renamed over it only after a successful close.
func (a *Aligner) AlignFile(path string, ref Grid) (realigned bool, err error) {
	if err := ref.Validate(); err != nil {
		return false, fmt.Errorf("reference grid: %w", err)
	}
	// The warp target extent and the stamped transform both assume a
	// north-up reference; a rotated one would silently get a wrong grid.
	if ref.Rotated() {
		return false, fmt.Errorf("reference grid for %s has rotation terms, only north-up grids are supported", path)
	}
	cur, err := ReadGrid(path)
	if err != nil {
		return false, err
	}
	if cur.SameGridAs(ref) {
		a.log.Debug("raster already on reference grid", zap.String("file", filepath.Base(path)))
		return false, nil
	}
	if ref.CRS == "" {
		return false, fmt.Errorf("reference grid for %s has no CRS", path)
	}

	a.log.Info("resampling raster to reference grid",
		zap.String("file", filepath.Base(path)),
		zap.Int("width", ref.Width),
		zap.Int("height", ref.Height))

	src, err := openRaster(path)
	if err != nil {
		return false, err
	}

	minX, minY, maxX, maxY := ref.Bounds()
	switches := []string{
		"-of", "GTiff",
		"-t_srs", ref.CRS,
		"-te", formatCoord(minX), formatCoord(minY), formatCoord(maxX), formatCoord(maxY),
		"-ts", strconv.Itoa(ref.Width), strconv.Itoa(ref.Height),
		"-r", "bilinear",
	}

	tmp := path + ".aligned"
	warped, err := godal.Warp(tmp, []*godal.Dataset{src}, switches)
	if err != nil {
		src.Close()
		os.Remove(tmp)
		return false, fmt.Errorf("failed to warp %s: %w", filepath.Base(path), err)
	}
	// Warp derives pixel size from the target extent and can disagree with
	// the reference transform in the last bit. Stamp the exact reference
	// transform so repeated alignment checks compare equal.
	if err := warped.SetGeoTransform(ref.Transform); err != nil {
		warped.Close()
		src.Close()
		os.Remove(tmp)
		return false, fmt.Errorf("failed to stamp reference transform: %w", err)
	}
	if err := warped.Close(); err != nil {
		src.Close()
		os.Remove(tmp)
		return false, fmt.Errorf("failed to finalize warp output: %w", err)
	}
	if err := src.Close(); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to replace %s with aligned raster: %w", path, err)
	}
	return true, nil
}

// AlignImage is the in-memory form of AlignFile: it returns the source
// unchanged when grids already match, otherwise a new image resampled onto
// ref. The round trip goes through a scratch file because the resampling
// engine operates on datasets.
func (a *Aligner) AlignImage(img *Image, ref Grid) (*Image, error) {
	if img.Grid.SameGridAs(ref) {
		return img, nil
	}
	dir, err := os.MkdirTemp("", "align-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch := filepath.Join(dir, "src.tif")
	if err := SaveImage(img, scratch); err != nil {
		return nil, err
	}
	if _, err := a.AlignFile(scratch, ref); err != nil {
		return nil, err
	}
	return LoadImage(scratch)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
