package domain

import (
	"fmt"
	"math"
)

const (
	// WindowWidth is the number of candidate values the start detector sees.
	WindowWidth = 5

	// MinRunLength is the number of consecutive candidate days that make a heatwave.
	MinRunLength = 3

	// Halo is the number of neighbouring steps needed on each side of a step
	// to evaluate it.
	Halo = WindowWidth / 2

	centre = Halo
)

// IsHeatwaveStart reports whether the centre of window is the first day of a
// heatwave: the value before it is missing and the centre and the two values
// after it are all finite.
func IsHeatwaveStart(window []float64) (bool, error) {
	if len(window) != WindowWidth {
		return false, fmt.Errorf("%w: got %d", ErrWindowWidth, len(window))
	}
	return startsRun(window), nil
}

// startsRun applies the start rule to a window already known to be WindowWidth wide.
func startsRun(w []float64) bool {
	if !math.IsNaN(w[centre-1]) {
		return false
	}
	for _, v := range w[centre : centre+MinRunLength] {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// windowAt fills buf with the window centred on series[i]. Positions outside
// the series are NaN.
func windowAt(series []float64, i int, buf *[WindowWidth]float64) []float64 {
	for k := range buf {
		j := i - centre + k
		if j < 0 || j >= len(series) {
			buf[k] = math.NaN()
			continue
		}
		buf[k] = series[j]
	}
	return buf[:]
}

// HeatwaveStarts evaluates the start detector at every step of a candidate
// series.
func HeatwaveStarts(candidates []float64) []bool {
	flags := make([]bool, len(candidates))
	var buf [WindowWidth]float64
	for i := range candidates {
		flags[i] = startsRun(windowAt(candidates, i, &buf))
	}
	return flags
}

// StartFlags is HeatwaveStarts encoded as 1 for a start and NaN otherwise.
func StartFlags(candidates []float64) []float64 {
	starts := HeatwaveStarts(candidates)
	out := make([]float64, len(starts))
	for i, s := range starts {
		if s {
			out[i] = 1
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// CountStarts returns the number of heatwaves flagged.
func CountStarts(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// InHeatwave reports, for each step, whether it belongs to a run of at least
// MinRunLength consecutive finite candidates.
func InHeatwave(candidates []float64) []bool {
	in := make([]bool, len(candidates))
	runStart := -1
	closeRun := func(end int) {
		if runStart >= 0 && end-runStart >= MinRunLength {
			for j := runStart; j < end; j++ {
				in[j] = true
			}
		}
		runStart = -1
	}
	for i, v := range candidates {
		if isFinite(v) {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		closeRun(i)
	}
	closeRun(len(candidates))
	return in
}

// DetectStarts evaluates the start detector for every cell of a candidate
// field along axis, which must be AxisTime. The result is laid out like
// field.Values with 1 for a start and 0 otherwise.
func DetectStarts(field Field, axis Axis) ([]int8, error) {
	if axis != AxisTime {
		return nil, fmt.Errorf("%w: got %s", ErrNotTimeAxis, axis)
	}
	if err := field.Validate(); err != nil {
		return nil, err
	}
	cells := field.Cells()
	flags := make([]int8, len(field.Values))
	series := make([]float64, 0, field.Steps())
	var buf [WindowWidth]float64
	for cell := 0; cell < cells; cell++ {
		series = field.Series(cell, series)
		for t := range series {
			if startsRun(windowAt(series, t, &buf)) {
				flags[t*cells+cell] = 1
			}
		}
	}
	return flags, nil
}
