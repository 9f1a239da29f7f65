package dateindex

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// datePatterns are tried in order; the first token that parses wins. The
// hyphenated form is the primary naming convention, the others show up in
// rasters delivered by older exports.
var datePatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), "2006-01-02"},
	{regexp.MustCompile(`\d{4}_\d{2}_\d{2}`), "2006_01_02"},
	{regexp.MustCompile(`\d{8}`), "20060102"},
}

// DateOf extracts the acquisition date embedded in a filename. Dates are
// calendar days, returned at midnight UTC.
func DateOf(name string) (time.Time, bool) {
	for _, p := range datePatterns {
		for _, token := range p.re.FindAllString(name, -1) {
			t, err := time.Parse(p.layout, token)
			if err != nil {
				continue
			}
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Index maps calendar dates to the raster file acquired on that date.
type Index map[time.Time]string

// Build scans dir for .tif files and indexes them by the date embedded in
// their filenames. Files without a parseable date are skipped with a
// warning. When two files carry the same date the first one in sorted
// filename order wins, so the mapping is deterministic across runs.
func Build(dir string, log *zap.Logger) (Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	ix := make(Index)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".tif") {
			continue
		}
		date, ok := DateOf(e.Name())
		if !ok {
			log.Warn("no date token in filename, skipping",
				zap.String("file", e.Name()))
			continue
		}
		if prev, exists := ix[date]; exists {
			log.Warn("duplicate date in folder, keeping first file",
				zap.String("date", date.Format("2006-01-02")),
				zap.String("kept", filepath.Base(prev)),
				zap.String("ignored", e.Name()))
			continue
		}
		ix[date] = filepath.Join(dir, e.Name())
	}
	return ix, nil
}

// Dates returns the indexed dates in ascending order.
func (ix Index) Dates() []time.Time {
	dates := make([]time.Time, 0, len(ix))
	for d := range ix {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// Nearest returns the indexed entry whose date minimizes the absolute
// distance to target. Ties are broken toward the earliest date so the result
// is deterministic. ok is false for an empty index.
func (ix Index) Nearest(target time.Time) (path string, date time.Time, ok bool) {
	target = Day(target)
	best := time.Duration(-1)
	for _, d := range ix.Dates() {
		diff := target.Sub(d)
		if diff < 0 {
			diff = -diff
		}
		// Strictly-less keeps the earliest date on a tie because Dates()
		// is ascending.
		if best < 0 || diff < best {
			best = diff
			date = d
			ok = true
		}
	}
	if !ok {
		return "", time.Time{}, false
	}
	return ix[date], date, true
}

// Day truncates a timestamp to its calendar day at midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
