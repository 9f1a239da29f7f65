package raster

import (
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"
)

// FilterRange replaces, in every band, pixels strictly outside
// [lower, upper] with NaN. Pixels equal to the grid's declared nodata
// sentinel are treated as invalid too. The bounds themselves are valid
// values and are kept.
//
// Returns the number of replaced pixels per band. When anything changed the
// grid's nodata metadata is set to NaN so readers see consistent semantics;
// on a no-op the image is left completely untouched. Applying the same
// filter twice is a no-op the second time: NaN never compares inside any
// range, so the check only ever tightens.
func FilterRange(img *Image, lower, upper float64) []int {
	changed := make([]int, len(img.Data))
	nan := float32(math.NaN())

	sentinel := math.NaN() // NaN sentinel matches nothing below
	if img.Grid.NoData != nil {
		sentinel = *img.Grid.NoData
	}

	for b, band := range img.Data {
		for i, v := range band {
			f := float64(v)
			if f < lower || f > upper || f == sentinel {
				band[i] = nan
				changed[b]++
			}
		}
	}

	total := 0
	for _, n := range changed {
		total += n
	}
	if total > 0 {
		nd := math.NaN()
		img.Grid.NoData = &nd
	}
	return changed
}

// FilterFile applies FilterRange to the raster at path, rewriting the file
// (atomically) only when at least one pixel changed. Returns the total
// number of replaced pixels.
func FilterFile(path string, lower, upper float64, log *zap.Logger) (int, error) {
	img, err := LoadImage(path)
	if err != nil {
		return 0, err
	}
	changed := FilterRange(img, lower, upper)
	total := 0
	for _, n := range changed {
		total += n
	}
	if total == 0 {
		log.Debug("all pixels within valid range",
			zap.String("file", filepath.Base(path)))
		return 0, nil
	}
	if err := SaveImage(img, path); err != nil {
		return 0, fmt.Errorf("failed to write filtered raster: %w", err)
	}
	log.Info("replaced out-of-range pixels with NaN",
		zap.String("file", filepath.Base(path)),
		zap.Int("pixels", total),
		zap.Float64("lower", lower),
		zap.Float64("upper", upper))
	return total, nil
}
