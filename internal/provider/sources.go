package provider

// TemporalStrategy says how a source is sampled in time.
type TemporalStrategy int

const (
	// PointInTime products have discrete per-day observations; the fetcher
	// searches a symmetric window around each target date and takes the
	// first match.
	PointInTime TemporalStrategy = iota
	// PeriodicComposite products are built by aggregating (median) every
	// observation inside a fixed-width window centered on each step of a
	// regular time grid spanning the requested period.
	PeriodicComposite
)

// Source describes one remote catalog: its collection identifier, band
// names, native export scale and temporal matching strategy. One generic
// fetcher parameterized by a Source replaces the per-provider script
// variants.
type Source struct {
	// Name identifies the source in logs, records and memo files.
	Name string
	// Collection is the provider-side catalog identifier.
	Collection string
	// Bands are requested, and recombined, in this order.
	Bands []string
	// Scale is the export resolution in units of the canonical CRS
	// (meters for metric systems; the provider converts for geographic).
	Scale float64
	// FolderName is the per-region subdirectory outputs are written to.
	FolderName string
	// FilePrefix names outputs <FilePrefix>_<YYYY-MM-DD>.tif.
	FilePrefix string

	Strategy TemporalStrategy
	// WindowDays is the half-width of the search window for point-in-time
	// products.
	WindowDays int
	// StepDays is the compositing period for periodic products.
	StepDays int

	// ValidRange bounds physically plausible pixel values; pixels outside
	// it become NaN after alignment. Nil disables the filter pass.
	ValidRange *[2]float64
}

// LSTValidRange is the plausible land-surface temperature range in Kelvin.
var LSTValidRange = [2]float64{260, 340}

// ndviValidRange also catches the -100 "no composite" placeholder the
// provider writes into empty composite windows.
var ndviValidRange = [2]float64{-1, 1}

// ERA5 is the daily-aggregated reanalysis source: 2m air temperature and
// skin temperature, ~9km native, exported at 1km.
func ERA5() Source {
	return Source{
		Name:       "era5",
		Collection: "ECMWF/ERA5_LAND/DAILY_AGGR",
		Bands:      []string{"temperature_2m", "skin_temperature"},
		Scale:      1000,
		FolderName: "era5",
		FilePrefix: "ERA5_data",
		Strategy:   PointInTime,
		WindowDays: 1,
	}
}

// GLDAS is the 3-hourly land data assimilation source, soil temperature
// profile bands at 0.25 degree resolution.
func GLDAS() Source {
	return Source{
		Name:       "gldas",
		Collection: "NASA/GLDAS/V021/NOAH/G025/T3H",
		Bands: []string{
			"SoilTMP0_10cm_inst",
			"SoilTMP10_40cm_inst",
			"SoilTMP40_100cm_inst",
			"SoilTMP100_200cm_inst",
		},
		Scale:      27830,
		FolderName: "gldas",
		FilePrefix: "GLDAS21",
		Strategy:   PointInTime,
		WindowDays: 1,
	}
}

// FLDAS is the monthly famine-early-warning land data source, soil
// temperature at 0.1 degree resolution.
func FLDAS() Source {
	return Source{
		Name:       "fldas",
		Collection: "NASA/FLDAS/NOAH01/C/GL/M/V001",
		Bands:      []string{"SoilTemp00_10cm_tavg", "SoilTemp10_40cm_tavg"},
		Scale:      11132,
		FolderName: "fldas",
		FilePrefix: "FLDAS_data",
		Strategy:   PointInTime,
		WindowDays: 16,
	}
}

// NDVI8Day is the vegetation index source: 8-day median composites from the
// harmonized optical collection at 10m.
func NDVI8Day(regionPrefix string) Source {
	vr := ndviValidRange
	return Source{
		Name:       "ndvi8days",
		Collection: "COPERNICUS/S2_SR_HARMONIZED",
		Bands:      []string{"NDVI"},
		Scale:      10,
		FolderName: regionPrefix + "_ndvi8days",
		FilePrefix: "ndvi8days",
		Strategy:   PeriodicComposite,
		StepDays:   8,
		ValidRange: &vr,
	}
}
