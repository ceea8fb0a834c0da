package domain

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// DayOfYearSlots is the number of day-of-year slots kept per cell.
const DayOfYearSlots = 366

// Baseline selects the years that feed the climatology. Zero bounds are open.
type Baseline struct {
	StartYear int `json:"start_year" yaml:"start_year"`
	EndYear   int `json:"end_year" yaml:"end_year"`
}

// Contains reports whether year falls inside the baseline.
func (b Baseline) Contains(year int) bool {
	if b.StartYear != 0 && year < b.StartYear {
		return false
	}
	if b.EndYear != 0 && year > b.EndYear {
		return false
	}
	return true
}

// Range returns the half-open step range [from, to) covered by the baseline.
// Steps are assumed to be in time order. An empty range returns from == to.
func (b Baseline) Range(times []TimeStep) (int, int) {
	from, to := -1, -1
	for i, ts := range times {
		if b.Contains(ts.Year) {
			if from < 0 {
				from = i
			}
			to = i + 1
		}
	}
	if from < 0 {
		return 0, 0
	}
	return from, to
}

// ClimatologyAccumulator gathers per (day-of-year, cell) mean and variance
// one chunk at a time, so the historical record never has to be in memory.
// It is not safe for concurrent use.
type ClimatologyAccumulator struct {
	grid     Grid
	baseline Baseline
	count    []float64
	mean     []float64
	m2       []float64
}

// NewClimatologyAccumulator creates an accumulator for a grid and baseline.
func NewClimatologyAccumulator(grid Grid, baseline Baseline) *ClimatologyAccumulator {
	n := DayOfYearSlots * grid.Cells()
	return &ClimatologyAccumulator{
		grid:     grid,
		baseline: baseline,
		count:    make([]float64, n),
		mean:     make([]float64, n),
		m2:       make([]float64, n),
	}
}

// Add folds the core steps of a chunk into the running statistics. Steps
// outside the baseline and NaN values are skipped.
func (a *ClimatologyAccumulator) Add(chunk Chunk) error {
	f := chunk.Field
	if err := f.Validate(); err != nil {
		return err
	}
	if !f.Grid.Equal(a.grid) {
		return fmt.Errorf("%w: chunk %d grid differs from climatology grid", ErrShapeMismatch, chunk.Span.Index)
	}
	cells := a.grid.Cells()
	lead := chunk.Span.Lead()
	for t := lead; t < lead+chunk.Span.Len(); t++ {
		ts := f.Times[t]
		if !a.baseline.Contains(ts.Year) {
			continue
		}
		if ts.DayOfYear < 1 || ts.DayOfYear > DayOfYearSlots {
			return fmt.Errorf("day of year %d out of range at step %d", ts.DayOfYear, chunk.Span.Start+t-lead)
		}
		base := (ts.DayOfYear - 1) * cells
		row := f.Values[t*cells : (t+1)*cells]
		for cell, v := range row {
			if math.IsNaN(v) {
				continue
			}
			// Welford's online update.
			i := base + cell
			a.count[i]++
			delta := v - a.mean[i]
			a.mean[i] += delta / a.count[i]
			a.m2[i] += delta * (v - a.mean[i])
		}
	}
	return nil
}

// Samples returns the number of values accumulated for a slot.
func (a *ClimatologyAccumulator) Samples(doy, cell int) int {
	return int(a.count[(doy-1)*a.grid.Cells()+cell])
}

// Finalize converts the accumulated moments into thresholds at quantile p of
// a normal distribution with the slot's mean and population standard
// deviation. Slots without samples get a NaN threshold.
func (a *ClimatologyAccumulator) Finalize(p float64) (*Climatology, error) {
	if !(p > 0 && p < 1) {
		return nil, fmt.Errorf("%w: %v", ErrPercentile, p)
	}
	thresholds := make([]float64, len(a.count))
	for i, n := range a.count {
		if n == 0 {
			thresholds[i] = math.NaN()
			continue
		}
		dist := distuv.Normal{Mu: a.mean[i], Sigma: math.Sqrt(a.m2[i] / n)}
		thresholds[i] = dist.Quantile(p)
	}
	return &Climatology{
		Grid:       a.grid,
		Baseline:   a.baseline,
		Percentile: p,
		Thresholds: thresholds,
	}, nil
}

// Climatology holds the per (day-of-year, cell) exceedance thresholds. It is
// read-only once built and safe to share between goroutines.
type Climatology struct {
	Grid       Grid
	Baseline   Baseline
	Percentile float64
	// Thresholds is laid out [doy-1][cell].
	Thresholds []float64
}

// Validate checks the threshold table against the grid.
func (c *Climatology) Validate() error {
	if want := DayOfYearSlots * c.Grid.Cells(); len(c.Thresholds) != want {
		return fmt.Errorf("%w: %d thresholds for %d cells", ErrShapeMismatch, len(c.Thresholds), c.Grid.Cells())
	}
	return nil
}

// Threshold returns the threshold for a day of year (1..366) and cell.
func (c *Climatology) Threshold(doy, cell int) float64 {
	if doy < 1 || doy > DayOfYearSlots {
		return math.NaN()
	}
	return c.Thresholds[(doy-1)*c.Grid.Cells()+cell]
}

// Candidates returns a field that keeps each value strictly above its
// day-of-year threshold and is NaN elsewhere.
func Candidates(f Field, clim *Climatology) (Field, error) {
	if err := f.Validate(); err != nil {
		return Field{}, err
	}
	if !f.Grid.Equal(clim.Grid) {
		return Field{}, fmt.Errorf("%w: field grid differs from climatology grid", ErrShapeMismatch)
	}
	out := NewField(f.Times, f.Grid)
	cells := f.Cells()
	for t, ts := range f.Times {
		for cell := 0; cell < cells; cell++ {
			v := f.Values[t*cells+cell]
			// NaN thresholds compare false, so empty slots never exceed.
			if v > clim.Threshold(ts.DayOfYear, cell) {
				out.Values[t*cells+cell] = v
			}
		}
	}
	return out, nil
}

// ExactPercentile returns the empirical percentile p (0..1) of values,
// ignoring NaN. It is the reference the normal approximation is checked
// against.
func ExactPercentile(values []float64, p float64) (float64, error) {
	if !(p > 0 && p < 1) {
		return math.NaN(), fmt.Errorf("%w: %v", ErrPercentile, p)
	}
	data := make(stats.Float64Data, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			data = append(data, v)
		}
	}
	if len(data) == 0 {
		return math.NaN(), stats.ErrEmptyInput
	}
	return stats.Percentile(data, p*100)
}

// ClimatologyKey identifies a climatology computed from a dataset, so it can
// be reused across runs.
type ClimatologyKey struct {
	Fingerprint string   `json:"fingerprint" yaml:"fingerprint"`
	Variable    string   `json:"variable" yaml:"variable"`
	Baseline    Baseline `json:"baseline" yaml:"baseline"`
	Percentile  float64  `json:"percentile" yaml:"percentile"`
}

func (k ClimatologyKey) String() string {
	return fmt.Sprintf("%s/%s/%s/p%g", k.Fingerprint, k.Variable, k.Baseline, k.Percentile)
}
