package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/dateindex"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

// FilterFolder applies the valid-range screen to every GeoTIFF directly
// under dir. Per-file failures are logged and counted, not propagated.
func FilterFolder(dir string, lower, upper float64, log *zap.Logger) (filtered, failed int, err error) {
	tifs, err := listGeoTIFFs(dir)
	if err != nil {
		return 0, 0, err
	}
	for _, path := range tifs {
		n, err := raster.FilterFile(path, lower, upper, log)
		if err != nil {
			log.Warn("failed to filter raster",
				zap.String("file", filepath.Base(path)), zap.Error(err))
			failed++
			continue
		}
		if n > 0 {
			filtered++
		}
	}
	return filtered, failed, nil
}

// AuditNaN reports which GeoTIFFs under dir contain NaN pixels.
func AuditNaN(dir string, log *zap.Logger) (withNaN []string, err error) {
	tifs, err := listGeoTIFFs(dir)
	if err != nil {
		return nil, err
	}
	for _, path := range tifs {
		has, err := raster.HasNaN(path)
		if err != nil {
			log.Warn("failed to read raster",
				zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		if has {
			withNaN = append(withNaN, path)
		}
	}
	return withNaN, nil
}

// SyncNearest copies, for every date in the reference folder, the
// nearest-dated raster from sourceDir into outDir renamed to the reference
// date. Copies are atomic; existing outputs are kept.
func SyncNearest(sourceDir, referenceDir, outDir string, log *zap.Logger) (synced int, err error) {
	refIndex, err := dateindex.Build(referenceDir, log)
	if err != nil {
		return 0, err
	}
	srcIndex, err := dateindex.Build(sourceDir, log)
	if err != nil {
		return 0, err
	}
	if len(refIndex) == 0 {
		return 0, fmt.Errorf("no dated rasters in reference folder %s", referenceDir)
	}
	if len(srcIndex) == 0 {
		return 0, fmt.Errorf("no dated rasters in source folder %s", sourceDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}

	for _, refDate := range refIndex.Dates() {
		srcPath, srcDate, ok := srcIndex.Nearest(refDate)
		if !ok {
			continue
		}
		outName := renameToDate(filepath.Base(srcPath), srcDate, refDate)
		outPath := filepath.Join(outDir, outName)
		if fileExists(outPath) {
			continue
		}
		if err := copyFileAtomic(srcPath, outPath); err != nil {
			log.Warn("failed to synchronize raster",
				zap.String("target", refDate.Format("2006-01-02")), zap.Error(err))
			continue
		}
		log.Info("synchronized nearest raster",
			zap.String("target", refDate.Format("2006-01-02")),
			zap.String("nearest", srcDate.Format("2006-01-02")),
			zap.String("file", outName))
		synced++
	}
	return synced, nil
}

// renameToDate swaps the embedded date token of a filename for the
// reference date, keeping the surrounding prefix and extension.
func renameToDate(name string, from, to time.Time) string {
	fromStr := from.Format("2006-01-02")
	toStr := to.Format("2006-01-02")
	if strings.Contains(name, fromStr) {
		return strings.Replace(name, fromStr, toStr, 1)
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + toStr + ext
}

// verifyFolder re-opens every GeoTIFF under dir and confirms it is a
// readable raster with a CRS. Returns the number of bad files. Bounded
// concurrency keeps memory in check for large folders.
func verifyFolder(ctx context.Context, dir string, log *zap.Logger) int {
	tifs, err := listGeoTIFFs(dir)
	if err != nil {
		log.Warn("verification pass could not list folder",
			zap.String("folder", dir), zap.Error(err))
		return 0
	}
	var bad atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range tifs {
		p := path
		g.Go(func() error {
			if err := raster.Verify(p); err != nil {
				log.Warn("output failed verification",
					zap.String("file", filepath.Base(p)), zap.Error(err))
				bad.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	return int(bad.Load())
}

func listGeoTIFFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var tifs []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".tif") {
			continue
		}
		tifs = append(tifs, filepath.Join(dir, e.Name()))
	}
	sort.Strings(tifs)
	return tifs, nil
}

// copyFileAtomic copies src to dst via a temporary file in dst's directory
// so an interrupted copy never leaves a partial file at dst.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
