package domain

import (
	"fmt"
	"math"
)

// Axis names a dimension of a Field.
type Axis int

const (
	AxisTime Axis = iota
	AxisLat
	AxisLon
)

func (a Axis) String() string {
	switch a {
	case AxisTime:
		return "time"
	case AxisLat:
		return "lat"
	case AxisLon:
		return "lon"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// GridPoint is a grid cell centre in degrees.
type GridPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Grid holds the horizontal coordinates of a field. Cells are numbered
// row-major: cell = y*len(Lons) + x.
type Grid struct {
	Lats []float64
	Lons []float64
}

// Cells returns the number of grid cells.
func (g Grid) Cells() int {
	return len(g.Lats) * len(g.Lons)
}

// Point returns the coordinates of a cell.
func (g Grid) Point(cell int) GridPoint {
	nx := len(g.Lons)
	return GridPoint{Lat: g.Lats[cell/nx], Lon: g.Lons[cell%nx]}
}

// Equal reports whether two grids have identical coordinates.
func (g Grid) Equal(o Grid) bool {
	return floatsEqual(g.Lats, o.Lats) && floatsEqual(g.Lons, o.Lons)
}

// NearestCell returns the cell closest to lat/lon, comparing latitude and
// longitude independently. Longitudes are compared modulo 360 so a 0..360
// grid answers -180..180 queries. It returns false for an empty grid.
func (g Grid) NearestCell(lat, lon float64) (int, bool) {
	if g.Cells() == 0 {
		return 0, false
	}
	y := nearestIndex(g.Lats, lat, func(a, b float64) float64 { return math.Abs(a - b) })
	x := nearestIndex(g.Lons, lon, lonDistance)
	return y*len(g.Lons) + x, true
}

func nearestIndex(coords []float64, v float64, dist func(a, b float64) float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range coords {
		if d := dist(c, v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func lonDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Field is a dense (time, lat, lon) cube. Values are stored row-major with
// time outermost: index = t*Cells() + cell. NaN marks missing values.
type Field struct {
	Grid
	Times  []TimeStep
	Values []float64
}

// NewField allocates a field of NaN values for the given coordinates.
func NewField(times []TimeStep, grid Grid) Field {
	values := make([]float64, len(times)*grid.Cells())
	for i := range values {
		values[i] = math.NaN()
	}
	return Field{Grid: grid, Times: times, Values: values}
}

// Steps returns the length of the time axis.
func (f Field) Steps() int {
	return len(f.Times)
}

// At returns the value at time step t and cell.
func (f Field) At(t, cell int) float64 {
	return f.Values[t*f.Cells()+cell]
}

// Set stores v at time step t and cell.
func (f Field) Set(t, cell int, v float64) {
	f.Values[t*f.Cells()+cell] = v
}

// Validate checks that the value slice matches the coordinate lengths.
func (f Field) Validate() error {
	if want := f.Steps() * f.Cells(); len(f.Values) != want {
		return fmt.Errorf("%w: %d values for %d steps x %d lat x %d lon",
			ErrShapeMismatch, len(f.Values), f.Steps(), len(f.Lats), len(f.Lons))
	}
	return nil
}

// Series copies the time series of one cell into dst, growing it as needed.
func (f Field) Series(cell int, dst []float64) []float64 {
	dst = dst[:0]
	cells := f.Cells()
	for t := range f.Times {
		dst = append(dst, f.Values[t*cells+cell])
	}
	return dst
}

// Slice returns the sub-field covering time steps [from, to). Values are
// shared with f.
func (f Field) Slice(from, to int) Field {
	cells := f.Cells()
	return Field{
		Grid:   f.Grid,
		Times:  f.Times[from:to],
		Values: f.Values[from*cells : to*cells],
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
