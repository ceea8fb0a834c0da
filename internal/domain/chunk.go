package domain

import (
	"fmt"
	"math"
	"sort"
)

// Span is one chunk of the time axis. Core steps [Start, End) are the steps
// the chunk is responsible for; [ReadStart, ReadEnd) adds the halo needed to
// evaluate them, clipped to the series.
type Span struct {
	Index     int `json:"index" yaml:"index"`
	Start     int `json:"start" yaml:"start"`
	End       int `json:"end" yaml:"end"`
	ReadStart int `json:"read_start" yaml:"-"`
	ReadEnd   int `json:"read_end" yaml:"-"`
}

// Len returns the number of core steps.
func (s Span) Len() int { return s.End - s.Start }

// Lead returns the number of halo steps read before the core.
func (s Span) Lead() int { return s.Start - s.ReadStart }

// ReadLen returns the number of steps read, halo included.
func (s Span) ReadLen() int { return s.ReadEnd - s.ReadStart }

// PlanChunks splits steps [from, to) of a series of total steps into spans of
// at most core steps, each with up to halo steps of context on both sides.
func PlanChunks(from, to, core, halo, total int) ([]Span, error) {
	if core <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", core)
	}
	if halo < 0 {
		return nil, fmt.Errorf("halo must not be negative, got %d", halo)
	}
	if from < 0 || to > total || from > to {
		return nil, fmt.Errorf("chunk range [%d, %d) outside series of %d steps", from, to, total)
	}
	spans := make([]Span, 0, (to-from+core-1)/core)
	for start := from; start < to; start += core {
		end := min(start+core, to)
		spans = append(spans, Span{
			Index:     len(spans),
			Start:     start,
			End:       end,
			ReadStart: max(start-halo, 0),
			ReadEnd:   min(end+halo, total),
		})
	}
	return spans, nil
}

// Chunk is a span together with the values read for it. Field covers
// [Span.ReadStart, Span.ReadEnd).
type Chunk struct {
	Span  Span
	Field Field
}

// Core returns the sub-field of core steps.
func (c Chunk) Core() Field {
	return c.Field.Slice(c.Span.Lead(), c.Span.Lead()+c.Span.Len())
}

// AnnualCount is the heatwave tally for one cell in one year. Chunks that
// share a year each contribute a partial count.
type AnnualCount struct {
	Year   int       `json:"year"`
	Cell   int       `json:"cell"`
	Point  GridPoint `json:"point"`
	Starts int       `json:"starts"`
	Days   int       `json:"days"`
}

// Hotspot is a cell with many heatwave starts in a chunk.
type Hotspot struct {
	Point  GridPoint `json:"point"`
	Starts int       `json:"starts"`
	Place  string    `json:"place,omitempty"`
}

// ChunkResult is the detector output for the core steps of one chunk.
type ChunkResult struct {
	Span  Span
	Grid  Grid
	Times []TimeStep
	// Starts is laid out like Field.Values over the core steps: 1 on the
	// first day of a heatwave, 0 elsewhere.
	Starts []int8
	// Annual holds non-zero tallies only.
	Annual         []AnnualCount
	CandidateSteps int
	HeatwaveStarts int
	HeatwaveDays   int
	Hotspots       []Hotspot
}

// DetectChunk masks a chunk against the climatology and runs the start
// detector over its core steps. The halo supplies neighbours at chunk edges,
// so results match a single pass over the whole series. topN bounds the
// number of hotspots reported.
func DetectChunk(chunk Chunk, clim *Climatology, topN int) (ChunkResult, error) {
	cand, err := Candidates(chunk.Field, clim)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("chunk %d: %w", chunk.Span.Index, err)
	}
	if cand.Steps() != chunk.Span.ReadLen() {
		return ChunkResult{}, fmt.Errorf("%w: chunk %d has %d steps, span reads %d",
			ErrShapeMismatch, chunk.Span.Index, cand.Steps(), chunk.Span.ReadLen())
	}

	lead, n := chunk.Span.Lead(), chunk.Span.Len()
	cells := cand.Cells()
	res := ChunkResult{
		Span:   chunk.Span,
		Grid:   cand.Grid,
		Times:  cand.Times[lead : lead+n],
		Starts: make([]int8, n*cells),
	}

	type key struct{ year, cell int }
	annual := make(map[key]*AnnualCount)
	tally := func(year, cell int) *AnnualCount {
		k := key{year, cell}
		ac, ok := annual[k]
		if !ok {
			ac = &AnnualCount{Year: year, Cell: cell, Point: cand.Point(cell)}
			annual[k] = ac
		}
		return ac
	}
	perCell := make([]int, cells)

	series := make([]float64, 0, cand.Steps())
	var buf [WindowWidth]float64
	for cell := 0; cell < cells; cell++ {
		series = cand.Series(cell, series)
		in := InHeatwave(series)
		for t := lead; t < lead+n; t++ {
			year := cand.Times[t].Year
			if isFinite(series[t]) {
				res.CandidateSteps++
			}
			if in[t] {
				res.HeatwaveDays++
				tally(year, cell).Days++
			}
			if startsRun(windowAt(series, t, &buf)) {
				res.Starts[(t-lead)*cells+cell] = 1
				res.HeatwaveStarts++
				perCell[cell]++
				tally(year, cell).Starts++
			}
		}
	}

	res.Annual = make([]AnnualCount, 0, len(annual))
	for _, ac := range annual {
		res.Annual = append(res.Annual, *ac)
	}
	sort.Slice(res.Annual, func(i, j int) bool {
		if res.Annual[i].Year != res.Annual[j].Year {
			return res.Annual[i].Year < res.Annual[j].Year
		}
		return res.Annual[i].Cell < res.Annual[j].Cell
	})
	res.Hotspots = topHotspots(cand.Grid, perCell, topN)
	return res, nil
}

// topHotspots returns up to n cells with the most starts, ties broken by cell order.
func topHotspots(grid Grid, perCell []int, n int) []Hotspot {
	if n <= 0 {
		return nil
	}
	order := make([]int, 0, len(perCell))
	for cell, c := range perCell {
		if c > 0 {
			order = append(order, cell)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return perCell[order[i]] > perCell[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	spots := make([]Hotspot, len(order))
	for i, cell := range order {
		spots[i] = Hotspot{Point: grid.Point(cell), Starts: perCell[cell]}
	}
	return spots
}

// StartsAsFloat converts int8 start flags to the 1/NaN encoding.
func StartsAsFloat(flags []int8) []float64 {
	out := make([]float64, len(flags))
	for i, f := range flags {
		if f != 0 {
			out[i] = 1
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}
