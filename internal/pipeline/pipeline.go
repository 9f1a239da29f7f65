package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/dateindex"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/geo"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/provider"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

// SourceSet names the secondary sources acquired for a region; the region
// prefix parameterizes composite folder names.
type SourceSet func(regionPrefix string) []provider.Source

// DefaultSources acquires reanalysis air/skin temperature, two soil
// temperature profiles and 8-day vegetation composites.
func DefaultSources(regionPrefix string) []provider.Source {
	return []provider.Source{
		provider.ERA5(),
		provider.GLDAS(),
		provider.FLDAS(),
		provider.NDVI8Day(regionPrefix),
	}
}

// Pipeline orchestrates per-region acquisition: derive footprint and target
// dates from the reference series, fetch each secondary source per date,
// align everything onto the reference grid, filter to valid ranges and
// verify. Reruns are idempotent: items whose output file exists skip the
// network entirely.
type Pipeline struct {
	client      *provider.Client
	sources     SourceSet
	aligner     *raster.Aligner
	concurrency int
	log         *zap.Logger
}

func New(client *provider.Client, sources SourceSet, concurrency int, log *zap.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if sources == nil {
		sources = DefaultSources
	}
	return &Pipeline{
		client:      client,
		sources:     sources,
		aligner:     raster.NewAligner(log),
		concurrency: concurrency,
		log:         log,
	}
}

// RunRoot processes every region directory under root. A region whose setup
// fails (no reference rasters, no parseable dates, unreadable footprint) is
// logged and skipped; its siblings still run.
func (p *Pipeline) RunRoot(ctx context.Context, root string) ([]*Summary, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data root %s: %w", root, err)
	}
	var summaries []*Summary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		regionDir := filepath.Join(root, e.Name())
		summary, err := p.RunRegion(ctx, regionDir)
		if err != nil {
			p.log.Error("region setup failed, continuing with siblings",
				zap.String("region", e.Name()), zap.Error(err))
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// RunRegion acquires all configured sources for one region directory. The
// returned error is fatal-for-region only; per-date failures are recorded
// and counted, never propagated.
func (p *Pipeline) RunRegion(ctx context.Context, regionDir string) (*Summary, error) {
	region := filepath.Base(regionDir)
	log := p.log.With(zap.String("region", region))

	refDir, err := findReferenceFolder(regionDir)
	if err != nil {
		return nil, err
	}
	refIndex, err := dateindex.Build(refDir, log)
	if err != nil {
		return nil, err
	}
	dates := refIndex.Dates()
	if len(dates) == 0 {
		return nil, fmt.Errorf("no parseable acquisition dates in %s", refDir)
	}

	samplePath := refIndex[dates[0]]
	footprint, err := geo.FromRaster(samplePath)
	if err != nil {
		return nil, err
	}
	refGrid, err := raster.ReadGrid(samplePath)
	if err != nil {
		return nil, err
	}
	log.Info("region setup complete",
		zap.Int("dates", len(dates)),
		zap.String("reference", filepath.Base(samplePath)))

	// The reference series itself gets the valid-range screen before it is
	// used downstream.
	for _, d := range dates {
		if _, err := raster.FilterFile(refIndex[d], provider.LSTValidRange[0], provider.LSTValidRange[1], log); err != nil {
			log.Warn("failed to range-filter reference raster",
				zap.String("file", filepath.Base(refIndex[d])), zap.Error(err))
		}
	}

	regionPrefix, _, _ := strings.Cut(region, "_")
	var records []*Record
	for _, src := range p.sources(regionPrefix) {
		recs := p.runSource(ctx, regionDir, region, src, footprint, refGrid, refIndex)
		records = append(records, recs...)
	}

	if err := WriteReport(filepath.Join(regionDir, "acquisition_report.csv"), records); err != nil {
		log.Warn("failed to write acquisition report", zap.Error(err))
	}
	summary := summarize(region, records)
	log.Info("region complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (p *Pipeline) runSource(ctx context.Context, regionDir, region string, src provider.Source, fp geo.Footprint, refGrid raster.Grid, refIndex dateindex.Index) []*Record {
	fetcher := provider.NewFetcher(p.client, src, p.log)
	dates := refIndex.Dates()

	if src.Strategy == provider.PeriodicComposite {
		return p.runCompositeSource(ctx, regionDir, region, fetcher, fp, refGrid, dates)
	}

	outDir := filepath.Join(regionDir, src.FolderName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		rec := &Record{Region: region, Source: src.Name, Status: StatusPending}
		rec.fail(err)
		return []*Record{rec}
	}
	memo := provider.LoadNotFoundMemo(filepath.Join(outDir, "not_found.json"))

	var (
		mu      sync.Mutex
		records []*Record
		bar     = progressbar.Default(int64(len(dates)), fmt.Sprintf("%s %s", region, src.Name))
	)
	wp := workerpool.New(p.concurrency)
	for _, date := range dates {
		d := date
		wp.Submit(func() {
			rec := p.processDate(ctx, fetcher, fp, refGrid, d, outDir, memo)
			rec.Region = region
			mu.Lock()
			records = append(records, rec)
			bar.Add(1)
			mu.Unlock()
		})
	}
	wp.StopWait()

	if n := verifyFolder(ctx, outDir, p.log); n > 0 {
		p.log.Warn("verification pass found bad outputs",
			zap.String("folder", outDir), zap.Int("bad", n))
	}
	return records
}

// processDate runs one item through the state machine:
// pending -> downloaded -> aligned -> filtered -> verified, or failed from
// any state. Errors are captured on the record; nothing escapes the loop.
func (p *Pipeline) processDate(ctx context.Context, fetcher *provider.Fetcher, fp geo.Footprint, refGrid raster.Grid, date time.Time, outDir string, memo *provider.NotFoundMemo) *Record {
	src := fetcher.Source()
	outPath := fetcher.OutputPath(outDir, date)
	rec := &Record{
		Source:     src.Name,
		Date:       date.Format("2006-01-02"),
		OutputPath: outPath,
		Status:     StatusPending,
	}
	if err := ctx.Err(); err != nil {
		rec.fail(err)
		return rec
	}

	name := filepath.Base(outPath)
	switch {
	case memo.Has(name):
		rec.Skipped = true
		rec.fail(fmt.Errorf("no catalog result for this date (memoized)"))
		return rec
	case fileExists(outPath):
		// Prior run's output: no network call, but still confirm the grid
		// below in case a misaligned leftover survived.
		rec.Skipped = true
	default:
		found, bandFallback, err := fetcher.Fetch(ctx, fp, date, outPath)
		if err != nil {
			rec.fail(err)
			return rec
		}
		rec.BandOrderFallback = bandFallback
		if !found {
			if err := memo.Add(name); err != nil {
				p.log.Warn("failed to persist not-found memo", zap.Error(err))
			}
			rec.fail(fmt.Errorf("no catalog result for this date"))
			return rec
		}
		rec.Status = StatusDownloaded
	}

	if _, err := p.aligner.AlignFile(outPath, refGrid); err != nil {
		rec.fail(err)
		return rec
	}
	rec.Status = StatusAligned

	if src.ValidRange != nil {
		if _, err := raster.FilterFile(outPath, src.ValidRange[0], src.ValidRange[1], p.log); err != nil {
			rec.fail(err)
			return rec
		}
		rec.Status = StatusFiltered
	}

	if err := raster.Verify(outPath); err != nil {
		rec.fail(err)
		return rec
	}
	rec.Status = StatusVerified
	return rec
}

// runCompositeSource first materializes the source's composite series over
// the reference period, then synchronizes it to the reference dates: the
// nearest composite is copied under each reference date's name, aligned and
// filtered.
func (p *Pipeline) runCompositeSource(ctx context.Context, regionDir, region string, fetcher *provider.Fetcher, fp geo.Footprint, refGrid raster.Grid, dates []time.Time) []*Record {
	src := fetcher.Source()
	rawDir := filepath.Join(regionDir, src.FolderName)
	syncDir := rawDir + "_synced"

	memo := provider.LoadNotFoundMemo(filepath.Join(rawDir, "not_found.json"))
	if err := fetcher.FetchPeriod(ctx, fp, dates[0], dates[len(dates)-1], rawDir, memo); err != nil {
		rec := &Record{Region: region, Source: src.Name, Status: StatusPending}
		rec.fail(err)
		return []*Record{rec}
	}

	compIndex, err := dateindex.Build(rawDir, p.log)
	if err != nil {
		rec := &Record{Region: region, Source: src.Name, Status: StatusPending}
		rec.fail(err)
		return []*Record{rec}
	}
	if err := os.MkdirAll(syncDir, 0o755); err != nil {
		rec := &Record{Region: region, Source: src.Name, Status: StatusPending}
		rec.fail(err)
		return []*Record{rec}
	}

	records := make([]*Record, 0, len(dates))
	bar := progressbar.Default(int64(len(dates)), fmt.Sprintf("%s %s", region, src.Name))
	for _, date := range dates {
		rec := p.syncCompositeDate(ctx, fetcher, compIndex, refGrid, date, syncDir)
		rec.Region = region
		records = append(records, rec)
		bar.Add(1)
	}

	if n := verifyFolder(ctx, syncDir, p.log); n > 0 {
		p.log.Warn("verification pass found bad outputs",
			zap.String("folder", syncDir), zap.Int("bad", n))
	}
	return records
}

func (p *Pipeline) syncCompositeDate(ctx context.Context, fetcher *provider.Fetcher, compIndex dateindex.Index, refGrid raster.Grid, date time.Time, syncDir string) *Record {
	src := fetcher.Source()
	outPath := fetcher.OutputPath(syncDir, date)
	rec := &Record{
		Source:     src.Name,
		Date:       date.Format("2006-01-02"),
		OutputPath: outPath,
		Status:     StatusPending,
	}
	if err := ctx.Err(); err != nil {
		rec.fail(err)
		return rec
	}

	if fileExists(outPath) {
		rec.Skipped = true
	} else {
		nearest, nearestDate, ok := compIndex.Nearest(date)
		if !ok {
			rec.fail(fmt.Errorf("no composites available to synchronize"))
			return rec
		}
		p.log.Debug("synchronizing composite to reference date",
			zap.String("target", rec.Date),
			zap.String("nearest", nearestDate.Format("2006-01-02")))
		if err := copyFileAtomic(nearest, outPath); err != nil {
			rec.fail(err)
			return rec
		}
		rec.Status = StatusDownloaded
	}

	if _, err := p.aligner.AlignFile(outPath, refGrid); err != nil {
		rec.fail(err)
		return rec
	}
	rec.Status = StatusAligned

	if src.ValidRange != nil {
		if _, err := raster.FilterFile(outPath, src.ValidRange[0], src.ValidRange[1], p.log); err != nil {
			rec.fail(err)
			return rec
		}
		rec.Status = StatusFiltered
	}

	if err := raster.Verify(outPath); err != nil {
		rec.fail(err)
		return rec
	}
	rec.Status = StatusVerified
	return rec
}

// findReferenceFolder locates the land-surface-temperature subdirectory the
// region's dates and grid are derived from.
func findReferenceFolder(regionDir string) (string, error) {
	entries, err := os.ReadDir(regionDir)
	if err != nil {
		return "", fmt.Errorf("failed to read region directory %s: %w", regionDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.Contains(strings.ToLower(e.Name()), "lst") {
			return filepath.Join(regionDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no reference (lst) folder in %s", regionDir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
