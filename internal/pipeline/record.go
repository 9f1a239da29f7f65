package pipeline

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// Status tracks one (region, date, source) item through the acquisition
// state machine. Terminal states are StatusVerified and StatusFailed. The
// record is not persisted between runs: presence of the output file is the
// durable completion marker.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusAligned    Status = "aligned"
	StatusFiltered   Status = "filtered"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// Record is one acquisition attempt for a (date, source) pair in a region.
type Record struct {
	Region     string `csv:"region"`
	Source     string `csv:"source"`
	Date       string `csv:"date"`
	OutputPath string `csv:"output_path"`
	Status     Status `csv:"status"`
	// Skipped means the output already existed (or the provider's empty
	// result was memoized) and no network call was made.
	Skipped bool `csv:"skipped"`
	// BandOrderFallback means the package bands could not be matched by
	// name and provider order was kept; the output may carry mislabeled
	// bands and deserves a manual look.
	BandOrderFallback bool   `csv:"band_order_fallback"`
	Error             string `csv:"error"`
}

func (r *Record) fail(err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
}

// Summary aggregates a region run for the final user-visible report.
type Summary struct {
	Region    string
	Succeeded int
	Skipped   int
	Failed    int
	Records   []*Record
}

func summarize(region string, records []*Record) *Summary {
	s := &Summary{Region: region, Records: records}
	for _, r := range records {
		switch {
		case r.Status == StatusFailed:
			s.Failed++
		case r.Skipped:
			s.Skipped++
		default:
			s.Succeeded++
		}
	}
	return s
}

func (s *Summary) String() string {
	return fmt.Sprintf("%s: %d succeeded, %d skipped, %d failed",
		s.Region, s.Succeeded, s.Skipped, s.Failed)
}

// WriteReport persists the acquisition records as CSV, atomically.
func WriteReport(path string, records []*Record) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
