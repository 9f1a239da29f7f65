package provider

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/dateindex"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/geo"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

// Fetcher obtains multi-band GeoTIFFs for target dates from one source.
type Fetcher struct {
	client *Client
	source Source
	log    *zap.Logger
}

func NewFetcher(client *Client, source Source, log *zap.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		source: source,
		log:    log.With(zap.String("source", source.Name)),
	}
}

func (f *Fetcher) Source() Source {
	return f.source
}

// OutputPath names the file Fetch produces for a date.
func (f *Fetcher) OutputPath(folder string, date time.Time) string {
	return filepath.Join(folder,
		fmt.Sprintf("%s_%s.tif", f.source.FilePrefix, date.Format("2006-01-02")))
}

// Fetch obtains the raster matching target over footprint and writes it to
// outPath atomically. found=false reports that the provider catalog had
// nothing for the window, which the caller handles by policy, not as an
// error. bandFallback reports that the package contents could not be matched
// to the requested band names and provider order was kept; callers surface it
// on the acquisition record.
func (f *Fetcher) Fetch(ctx context.Context, fp geo.Footprint, target time.Time, outPath string) (found, bandFallback bool, err error) {
	target = dateindex.Day(target)

	var start, end time.Time
	var reducer string
	switch f.source.Strategy {
	case PeriodicComposite:
		half := f.source.StepDays / 2
		start = target.AddDate(0, 0, -half)
		end = target.AddDate(0, 0, half)
		reducer = "median"
	default:
		start = target.AddDate(0, 0, -f.source.WindowDays)
		end = target.AddDate(0, 0, f.source.WindowDays)
		reducer = "first"
	}

	url, found, err := f.client.Export(ctx, ExportRequest{
		Collection: f.source.Collection,
		Footprint:  fp,
		Start:      start,
		End:        end,
		Bands:      f.source.Bands,
		Reducer:    reducer,
		CRS:        geo.CanonicalCRS,
		Scale:      f.source.Scale,
	})
	if err != nil {
		return false, false, err
	}
	if !found {
		f.log.Info("no catalog result for date",
			zap.String("date", target.Format("2006-01-02")))
		return false, false, nil
	}
	bandFallback, err = f.retrievePackage(ctx, url, outPath)
	if err != nil {
		return false, false, err
	}
	return true, bandFallback, nil
}

// FetchPeriod drives a periodic-composite source over [start, end]: one
// composite per StepDays step, written next to each other in outFolder.
// Empty windows are skipped; existing files are never re-fetched.
func (f *Fetcher) FetchPeriod(ctx context.Context, fp geo.Footprint, start, end time.Time, outFolder string, memo *NotFoundMemo) error {
	if f.source.StepDays <= 0 {
		return fmt.Errorf("source %s has no composite step", f.source.Name)
	}
	if err := os.MkdirAll(outFolder, 0o755); err != nil {
		return err
	}
	start = dateindex.Day(start)
	end = dateindex.Day(end)
	for center := start; !center.After(end); center = center.AddDate(0, 0, f.source.StepDays) {
		if err := ctx.Err(); err != nil {
			return err
		}
		outPath := f.OutputPath(outFolder, center)
		if _, err := os.Stat(outPath); err == nil {
			continue
		}
		if memo != nil && memo.Has(filepath.Base(outPath)) {
			continue
		}
		found, _, err := f.Fetch(ctx, fp, center, outPath)
		if err != nil {
			// Per-item failure: log and move to the next step.
			f.log.Warn("composite fetch failed",
				zap.String("date", center.Format("2006-01-02")),
				zap.Error(err))
			continue
		}
		if !found && memo != nil {
			memo.Add(filepath.Base(outPath))
		}
	}
	return nil
}

// retrievePackage downloads the export archive, unpacks the single-band
// GeoTIFFs inside it, recombines them into one multi-band raster in the
// requested band order, and moves the result into place atomically. The
// per-call scratch directory is uniquely named so concurrent fetches never
// collide, and is removed on every exit path. bandFallback is true when the
// band names could not be matched and provider order was kept.
func (f *Fetcher) retrievePackage(ctx context.Context, url, outPath string) (bandFallback bool, err error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return false, err
	}
	scratch := filepath.Join(filepath.Dir(outPath),
		fmt.Sprintf(".dl-%s", uuid.NewString()))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return false, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	zipPath := filepath.Join(scratch, "package.zip")
	if err := f.client.Download(ctx, url, zipPath); err != nil {
		return false, err
	}

	tifs, err := unpackGeoTIFFs(zipPath, scratch)
	if err != nil {
		return false, err
	}
	if len(tifs) == 0 {
		return false, fmt.Errorf("package from %s contained no GeoTIFFs", url)
	}

	ordered, complete := orderByBandName(tifs, f.source.Bands)
	if !complete {
		// Falling back to the provider's return order can silently
		// mislabel bands; keep going but make it loud.
		f.log.Warn("band names did not fully match package contents, keeping provider order",
			zap.Strings("requested", f.source.Bands),
			zap.Int("received", len(tifs)))
		ordered = tifs
		bandFallback = true
	}

	img, err := recombineBands(ordered)
	if err != nil {
		return false, err
	}
	return bandFallback, raster.SaveImage(img, outPath)
}

// unpackGeoTIFFs extracts every .tif in the archive into dir and returns
// their paths in archive order.
func unpackGeoTIFFs(zipPath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("bad package archive: %w", err)
	}
	defer zr.Close()

	var tifs []string
	for _, zf := range zr.File {
		if !strings.EqualFold(filepath.Ext(zf.Name), ".tif") {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(zf.Name))
		if err := extractFile(zf, dst); err != nil {
			return nil, err
		}
		tifs = append(tifs, dst)
	}
	return tifs, nil
}

func extractFile(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to extract %s: %w", zf.Name, err)
	}
	return out.Close()
}

// orderByBandName sorts the extracted single-band files into the requested
// band order by matching band-name substrings against the filenames.
// complete is false when not every requested band was found by name.
func orderByBandName(paths []string, bands []string) (ordered []string, complete bool) {
	for _, b := range bands {
		for _, p := range paths {
			if strings.Contains(filepath.Base(p), b) {
				ordered = append(ordered, p)
				break
			}
		}
	}
	return ordered, len(ordered) == len(bands)
}

// recombineBands stacks single-band rasters into one in-memory multi-band
// image, georeferencing taken from the first file.
func recombineBands(paths []string) (*raster.Image, error) {
	first, err := raster.LoadImage(paths[0])
	if err != nil {
		return nil, err
	}
	grid := first.Grid
	grid.Bands = len(paths)
	out, err := raster.NewImage(grid)
	if err != nil {
		return nil, err
	}
	copy(out.Data[0], first.Data[0])

	for i, p := range paths[1:] {
		img, err := raster.LoadImage(p)
		if err != nil {
			return nil, err
		}
		if len(img.Data[0]) != len(out.Data[0]) {
			return nil, fmt.Errorf("band file %s has mismatched shape", filepath.Base(p))
		}
		copy(out.Data[i+1], img.Data[0])
	}
	return out, nil
}
