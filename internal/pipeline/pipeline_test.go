package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/provider"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

var referenceGrid = raster.Grid{
	CRS:       "EPSG:4326",
	Transform: [6]float64{105.0, 0.001, 0, 21.0, 0, -0.001},
	Width:     100,
	Height:    80,
	Bands:     1,
}

func writeRaster(t *testing.T, path string, g raster.Grid, fills ...float32) {
	t.Helper()
	img, err := raster.NewImage(g)
	require.NoError(t, err)
	for b := range img.Data {
		fill := fills[b%len(fills)]
		for i := range img.Data[b] {
			img.Data[b][i] = fill
		}
	}
	require.NoError(t, raster.SaveImage(img, path))
}

// setupRegion creates a region directory with a reference series of dated
// land-surface-temperature rasters.
func setupRegion(t *testing.T, root, region string, dates []string) string {
	t.Helper()
	lstDir := filepath.Join(root, region, "lst")
	require.NoError(t, os.MkdirAll(lstDir, 0o755))
	for _, d := range dates {
		writeRaster(t, filepath.Join(lstDir, "lst16days_"+d+".tif"), referenceGrid, 300)
	}
	return filepath.Join(root, region)
}

// rawPackage builds an archive of single-band rasters on a coarser grid than
// the reference, so alignment has real work to do.
func rawPackage(t *testing.T, fills map[string]float32) []byte {
	t.Helper()
	g := referenceGrid
	g.Width = 50
	g.Height = 40
	g.Transform[1] = 0.002
	g.Transform[5] = -0.002

	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, fill := range fills {
		p := filepath.Join(dir, name)
		writeRaster(t, p, g, fill)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// exportPackage is the two reanalysis bands an ERA5-style query returns.
func exportPackage(t *testing.T) []byte {
	return rawPackage(t, map[string]float32{
		"dl.temperature_2m.tif":   300,
		"dl.skin_temperature.tif": 500, // outside the plausible range
	})
}

// fakeProvider serves exports for every date except those in missing.
// ERA5-style queries use a one-day window, so the target date is start+1.
func fakeProvider(t *testing.T, missing map[string]bool, exports *atomic.Int32) *httptest.Server {
	return fakeProviderServer(t, missing, exports, exportPackage(t), 1)
}

// fakeProviderServer serves the given package archive; halfWindow is the
// queried source's half window in days, used to recover the target date from
// the request's start bound.
func fakeProviderServer(t *testing.T, missing map[string]bool, exports *atomic.Int32, pkg []byte, halfWindow int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/export":
			exports.Add(1)
			var q struct {
				Start time.Time `json:"start"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			target := q.Start.AddDate(0, 0, halfWindow).Format("2006-01-02")
			if missing[target] {
				json.NewEncoder(w).Encode(map[string]interface{}{"found": false})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"found":        true,
				"download_url": srv.URL + "/pkg.zip",
			})
		case "/pkg.zip":
			w.Write(pkg)
		default:
			http.NotFound(w, r)
		}
	}))
	return srv
}

func era5WithRangeFilter(string) []provider.Source {
	src := provider.ERA5()
	vr := provider.LSTValidRange
	src.ValidRange = &vr
	return []provider.Source{src}
}

func TestRunRegionAcquiresAlignsAndFilters(t *testing.T) {
	dates := []string{"2022-01-01", "2022-01-09", "2022-01-17", "2022-01-25", "2022-02-02"}
	missing := map[string]bool{"2022-01-25": true}

	var exports atomic.Int32
	srv := fakeProvider(t, missing, &exports)
	defer srv.Close()

	root := t.TempDir()
	regionDir := setupRegion(t, root, "hanoi_north", dates)

	log := zaptest.NewLogger(t)
	client := provider.NewClient(provider.ClientConfig{
		BaseURL:         srv.URL,
		RequestInterval: time.Nanosecond,
		Retries:         1,
	}, nil, log)
	p := New(client, era5WithRangeFilter, 4, log)

	summary, err := p.RunRegion(context.Background(), regionDir)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)

	outDir := filepath.Join(regionDir, "era5")
	tifs, err := listGeoTIFFs(outDir)
	require.NoError(t, err)
	require.Len(t, tifs, 4)

	// Every output sits on the exact reference grid with both bands, and the
	// implausible skin temperature band was blanked to NaN.
	for _, p := range tifs {
		g, err := raster.ReadGrid(p)
		require.NoError(t, err)
		assert.True(t, g.SameGridAs(referenceGrid), "misaligned output %s", p)
		assert.Equal(t, 2, g.Bands)

		hasNaN, err := raster.HasNaN(p)
		require.NoError(t, err)
		assert.True(t, hasNaN)
	}

	// The empty catalog result was memoized and the report written.
	memo := provider.LoadNotFoundMemo(filepath.Join(outDir, "not_found.json"))
	assert.True(t, memo.Has("ERA5_data_2022-01-25.tif"))
	assert.FileExists(t, filepath.Join(regionDir, "acquisition_report.csv"))
}

func TestRunRegionSynchronizesComposites(t *testing.T) {
	dates := []string{"2022-01-01", "2022-01-09", "2022-01-17", "2022-01-25", "2022-02-02"}
	// One composite window is empty; its reference date borrows a neighbor.
	missing := map[string]bool{"2022-01-09": true}

	// A single vegetation band filled with the provider's empty-composite
	// placeholder, which the range filter must blank out.
	pkg := rawPackage(t, map[string]float32{"dl.NDVI.tif": -100})

	var exports atomic.Int32
	srv := fakeProviderServer(t, missing, &exports, pkg, 4)
	defer srv.Close()

	root := t.TempDir()
	regionDir := setupRegion(t, root, "hanoi_north", dates)

	log := zaptest.NewLogger(t)
	client := provider.NewClient(provider.ClientConfig{
		BaseURL:         srv.URL,
		RequestInterval: time.Nanosecond,
		Retries:         1,
	}, nil, log)
	ndviOnly := func(prefix string) []provider.Source {
		return []provider.Source{provider.NDVI8Day(prefix)}
	}
	p := New(client, ndviOnly, 2, log)

	summary, err := p.RunRegion(context.Background(), regionDir)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	// The raw composite series materialized under the region-prefixed
	// folder, minus the empty window, on the provider's own grid.
	rawDir := filepath.Join(regionDir, "hanoi_ndvi8days")
	raw, err := listGeoTIFFs(rawDir)
	require.NoError(t, err)
	assert.Len(t, raw, 4)
	assert.True(t, provider.LoadNotFoundMemo(
		filepath.Join(rawDir, "not_found.json")).Has("ndvi8days_2022-01-09.tif"))

	// Every reference date got a synchronized copy, aligned onto the
	// reference grid with the placeholder blanked to NaN.
	syncDir := rawDir + "_synced"
	for _, d := range dates {
		out := filepath.Join(syncDir, "ndvi8days_"+d+".tif")
		require.FileExists(t, out)

		g, err := raster.ReadGrid(out)
		require.NoError(t, err)
		assert.True(t, g.SameGridAs(referenceGrid), "misaligned output %s", out)

		hasNaN, err := raster.HasNaN(out)
		require.NoError(t, err)
		assert.True(t, hasNaN, "placeholder not filtered in %s", out)
	}
}

func TestRunRegionRecordsBandOrderFallback(t *testing.T) {
	// The package carries names that match no requested band.
	pkg := rawPackage(t, map[string]float32{
		"download.b1.tif": 300,
		"download.b2.tif": 310,
	})

	var exports atomic.Int32
	srv := fakeProviderServer(t, nil, &exports, pkg, 1)
	defer srv.Close()

	root := t.TempDir()
	regionDir := setupRegion(t, root, "hanoi_north", []string{"2022-01-01"})

	log := zaptest.NewLogger(t)
	client := provider.NewClient(provider.ClientConfig{
		BaseURL:         srv.URL,
		RequestInterval: time.Nanosecond,
		Retries:         1,
	}, nil, log)
	p := New(client, era5WithRangeFilter, 1, log)

	summary, err := p.RunRegion(context.Background(), regionDir)
	require.NoError(t, err)
	require.Len(t, summary.Records, 1)

	rec := summary.Records[0]
	assert.Equal(t, StatusVerified, rec.Status)
	assert.True(t, rec.BandOrderFallback)

	report, err := os.ReadFile(filepath.Join(regionDir, "acquisition_report.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "band_order_fallback")
}

func TestRunRegionRerunIsIdempotent(t *testing.T) {
	dates := []string{"2022-01-01", "2022-01-09", "2022-01-17"}
	missing := map[string]bool{"2022-01-09": true}

	var exports atomic.Int32
	srv := fakeProvider(t, missing, &exports)
	defer srv.Close()

	root := t.TempDir()
	regionDir := setupRegion(t, root, "hanoi_north", dates)

	log := zaptest.NewLogger(t)
	client := provider.NewClient(provider.ClientConfig{
		BaseURL:         srv.URL,
		RequestInterval: time.Nanosecond,
		Retries:         1,
	}, nil, log)
	p := New(client, era5WithRangeFilter, 4, log)

	_, err := p.RunRegion(context.Background(), regionDir)
	require.NoError(t, err)
	firstExports := exports.Load()
	assert.Equal(t, int32(3), firstExports)

	// Second run: two outputs exist, the empty result is memoized. No
	// network traffic at all, and the existing files survive untouched.
	before := readAll(t, filepath.Join(regionDir, "era5"))
	summary, err := p.RunRegion(context.Background(), regionDir)
	require.NoError(t, err)
	assert.Equal(t, firstExports, exports.Load(), "rerun must not hit the provider")
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, before, readAll(t, filepath.Join(regionDir, "era5")))
}

func TestRunRegionFailsWithoutReferenceFolder(t *testing.T) {
	root := t.TempDir()
	regionDir := filepath.Join(root, "bare_region")
	require.NoError(t, os.MkdirAll(regionDir, 0o755))

	log := zaptest.NewLogger(t)
	p := New(nil, era5WithRangeFilter, 1, log)
	_, err := p.RunRegion(context.Background(), regionDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reference")
}

func TestRunRootContinuesPastBrokenRegion(t *testing.T) {
	dates := []string{"2022-01-01"}

	var exports atomic.Int32
	srv := fakeProvider(t, nil, &exports)
	defer srv.Close()

	root := t.TempDir()
	setupRegion(t, root, "good_region", dates)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken_region"), 0o755))

	log := zaptest.NewLogger(t)
	client := provider.NewClient(provider.ClientConfig{
		BaseURL:         srv.URL,
		RequestInterval: time.Nanosecond,
		Retries:         1,
	}, nil, log)
	p := New(client, era5WithRangeFilter, 2, log)

	summaries, err := p.RunRoot(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "good_region", summaries[0].Region)
	assert.Equal(t, 1, summaries[0].Succeeded)
}

// readAll maps tif basenames to their raw bytes for change detection.
func readAll(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	tifs, err := listGeoTIFFs(dir)
	require.NoError(t, err)
	out := make(map[string][]byte, len(tifs))
	for _, p := range tifs {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[filepath.Base(p)] = data
	}
	return out
}
