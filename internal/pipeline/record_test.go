package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	failed := &Record{Source: "era5", Date: "2022-01-01"}
	failed.fail(errors.New("boom"))
	skippedFailed := &Record{Source: "era5", Date: "2022-01-09", Skipped: true}
	skippedFailed.fail(errors.New("no catalog result for this date (memoized)"))

	records := []*Record{
		{Source: "era5", Date: "2022-01-17", Status: StatusVerified},
		{Source: "era5", Date: "2022-01-25", Status: StatusVerified, Skipped: true},
		failed,
		skippedFailed,
	}

	s := summarize("hanoi_north", records)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Skipped)
	// A skipped record that subsequently failed counts as failed.
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, "hanoi_north: 1 succeeded, 1 skipped, 2 failed", s.String())
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acquisition_report.csv")
	rec := &Record{
		Region:     "hanoi_north",
		Source:     "era5",
		Date:       "2022-01-01",
		OutputPath: "/data/hanoi_north/era5/ERA5_data_2022-01-01.tif",
		Status:     StatusVerified,
	}
	fallback := &Record{
		Region:            "hanoi_north",
		Source:            "era5",
		Date:              "2022-01-09",
		Status:            StatusVerified,
		BandOrderFallback: true,
	}
	require.NoError(t, WriteReport(path, []*Record{rec, fallback}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "region,source,date,output_path,status,skipped,band_order_fallback,error", lines[0])
	assert.Contains(t, lines[1], "hanoi_north,era5,2022-01-01")
	assert.Contains(t, lines[1], "verified,false,false")
	assert.Contains(t, lines[2], "verified,false,true")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
