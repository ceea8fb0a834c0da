// Package domain models gridded daily-maximum temperature data and the
// heatwave statistics derived from it.
//
// # Data Source
//
// Input is a multi-file CF-convention NetCDF archive of a single variable
// (usually "tasmax", Kelvin) laid out as (time, lat, lon). Files are
// concatenated along time in file-name order. A 150-year daily record on a
// climate-model grid does not fit in memory, so every computation here works
// on a [Chunk] of the time axis at a time.
//
// # Conventions
//
// Missing values:
//
//	NaN marks "no value". In a candidate field NaN also means "did not
//	exceed the threshold", which is what the start detector keys on.
//
// Day of year:
//
//	1..366 in the dataset's own calendar (see [TimeAxis]). Leap-day slot 366
//	only receives samples in calendars that have leap years.
//
// Climatology:
//
//	For each (day-of-year, grid cell) the mean and population standard
//	deviation over the baseline years give a normal distribution; the
//	threshold is its p-quantile (p = 0.9 by default). This approximates the
//	empirical 90th percentile and can be wrong for skewed distributions;
//	[ExactPercentile] exists to check it on a sample.
//
// Heatwave:
//
//	A run of at least [MinRunLength] consecutive candidate days at one cell.
//	[IsHeatwaveStart] fires on the first day of a run only, so summing start
//	flags counts heatwaves rather than heatwave days.
//
// # Window layout
//
// The detector sees [WindowWidth] values centred on the step under test:
//
//	index:  0      1      2       3      4
//	        t-2    t-1    t       t+1    t+2
//	rule:   any    NaN    finite  finite finite
//
// Steps outside the series are treated as NaN. A run that begins on the very
// first step is flagged; a run that the series ends before confirming is not.
//
// Chunks carry a halo of two steps on each side (clipped at series ends), so
// detection over chunks gives the same flags as detection over the full
// series.
package domain
