package domain

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nan = math.NaN()

func TestIsHeatwaveStart_Windows(t *testing.T) {
	cases := []struct {
		name   string
		window []float64
		want   bool
	}{
		{"missing then four valid", []float64{nan, nan, 301, 302, 303}, true},
		{"anything before missing", []float64{305, nan, 301, 302, 303}, true},
		{"all valid", []float64{300, 301, 302, 303, 304}, false},
		{"centre missing", []float64{nan, nan, nan, 302, 303}, false},
		{"gap after centre", []float64{nan, nan, 301, nan, 303}, false},
		{"gap two after centre", []float64{nan, nan, 301, 302, nan}, false},
		{"preceding valid", []float64{nan, 300, 301, 302, 303}, false},
		{"all missing", []float64{nan, nan, nan, nan, nan}, false},
		{"infinite counts as missing run", []float64{nan, nan, 301, math.Inf(1), 303}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := IsHeatwaveStart(tc.window)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsHeatwaveStart_SpecExamples(t *testing.T) {
	// [missing, valid, valid, valid, valid] with the centre at index 2.
	got, err := IsHeatwaveStart([]float64{nan, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.False(t, got, "value before the centre is valid")

	got, err = IsHeatwaveStart([]float64{1, nan, 2, 3, 4})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = IsHeatwaveStart([]float64{nan, nan, nan, 3, 4})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = IsHeatwaveStart([]float64{nan, 1, nan, 3, 4})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestIsHeatwaveStart_WrongWidth(t *testing.T) {
	for _, n := range []int{0, 3, 4, 6, 10} {
		_, err := IsHeatwaveStart(make([]float64, n))
		require.ErrorIs(t, err, ErrWindowWidth, "width %d", n)
	}
}

func TestIsHeatwaveStart_Idempotent(t *testing.T) {
	w := []float64{nan, nan, 301, 302, 303}
	before := append([]float64(nil), w...)
	first, err := IsHeatwaveStart(w)
	require.NoError(t, err)
	for range 10 {
		again, err := IsHeatwaveStart(w)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Empty(t, cmp.Diff(before, w, cmpNaN), "window must not be modified")
}

func TestHeatwaveStarts_SingleRun(t *testing.T) {
	signal := []float64{nan, nan, 5, 6, 7, 8, nan, nan}
	want := []bool{false, false, true, false, false, false, false, false}
	assert.Equal(t, want, HeatwaveStarts(signal))
}

func TestHeatwaveStarts_TwoRuns(t *testing.T) {
	signal := []float64{nan, 1, 2, 3, nan, nan, 4, 5, 6, nan}
	got := HeatwaveStarts(signal)
	for i, flag := range got {
		assert.Equal(t, i == 1 || i == 6, flag, "index %d", i)
	}
	assert.Equal(t, 2, CountStarts(got))
}

func TestHeatwaveStarts_Boundaries(t *testing.T) {
	// A run on the first step has a missing (outside) predecessor.
	assert.Equal(t, []bool{true, false, false, false}, HeatwaveStarts([]float64{1, 2, 3, nan}))

	// A run the series ends before confirming is not flagged.
	assert.Equal(t, []bool{false, false, false, false}, HeatwaveStarts([]float64{nan, nan, 1, 2}))

	// Exactly three at the end is confirmed.
	assert.Equal(t, []bool{false, true, false, false}, HeatwaveStarts([]float64{nan, 1, 2, 3}))

	assert.Empty(t, HeatwaveStarts(nil))
	assert.Equal(t, []bool{false}, HeatwaveStarts([]float64{1}))
}

func TestHeatwaveStarts_ShortRunsIgnored(t *testing.T) {
	signal := []float64{nan, 1, 2, nan, 3, nan, 4, 5, nan}
	assert.Zero(t, CountStarts(HeatwaveStarts(signal)))
}

func TestStartFlags_Encoding(t *testing.T) {
	got := StartFlags([]float64{nan, 1, 2, 3, nan})
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, 1.0, got[1])
	for _, v := range got[2:] {
		assert.True(t, math.IsNaN(v))
	}
}

func TestInHeatwave(t *testing.T) {
	signal := []float64{1, 2, 3, nan, 4, 5, nan, 6, 7, 8, 9}
	want := []bool{true, true, true, false, false, false, false, true, true, true, true}
	assert.Equal(t, want, InHeatwave(signal))
}

func TestDetectStarts_Field(t *testing.T) {
	grid := Grid{Lats: []float64{10}, Lons: []float64{20, 21}}
	f := NewField(steps(6), grid)
	// cell 0: run at 1..3; cell 1: run at 0..2 then 4..5 (too short).
	series0 := []float64{nan, 1, 2, 3, nan, nan}
	series1 := []float64{1, 2, 3, nan, 4, 5}
	for tt := range 6 {
		f.Set(tt, 0, series0[tt])
		f.Set(tt, 1, series1[tt])
	}

	flags, err := DetectStarts(f, AxisTime)
	require.NoError(t, err)
	want := []int8{
		0, 1,
		1, 0,
		0, 0,
		0, 0,
		0, 0,
		0, 0,
	}
	assert.Equal(t, want, flags)
}

func TestDetectStarts_WrongAxis(t *testing.T) {
	f := NewField(steps(5), Grid{Lats: []float64{0}, Lons: []float64{0}})
	for _, axis := range []Axis{AxisLat, AxisLon} {
		_, err := DetectStarts(f, axis)
		require.ErrorIs(t, err, ErrNotTimeAxis)
	}
}

func TestDetectStarts_ShapeMismatch(t *testing.T) {
	f := Field{Grid: Grid{Lats: []float64{0}, Lons: []float64{0, 1}}, Times: steps(3), Values: make([]float64, 5)}
	_, err := DetectStarts(f, AxisTime)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

// --- helpers ---

var cmpNaN = cmp.Comparer(func(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
})

// steps returns n daily steps starting 2001-01-01 (day of year 1..n).
func steps(n int) []TimeStep {
	axis, err := ParseTimeAxis("days since 2001-01-01", "noleap")
	if err != nil {
		panic(err)
	}
	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = float64(i)
	}
	out, err := axis.Decode(offsets)
	if err != nil {
		panic(err)
	}
	return out
}
