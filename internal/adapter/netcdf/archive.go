// Package netcdf reads gridded daily temperature archives and writes
// heatwave outputs as NetCDF files.
package netcdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

var (
	// ErrNoFiles is returned when the archive pattern matches nothing.
	ErrNoFiles = errors.New("no files match archive pattern")
	// ErrLayout is returned when a variable is not laid out as (time, lat, lon).
	ErrLayout = errors.New("unexpected variable layout")
)

type segment struct {
	path  string
	group api.Group
	data  api.VarGetter
	pack  packing
	start int
	steps int
}

// Archive is a read-only view of one variable over a time-ordered set of
// NetCDF files, concatenated along the time axis.
type Archive struct {
	variable    string
	units       string
	axis        domain.TimeAxis
	grid        domain.Grid
	times       []domain.TimeStep
	segments    []segment
	fingerprint string
	logger      *slog.Logger

	mu sync.Mutex
}

// Open opens every file matching pattern in lexical order. All files must
// share the grid, time units and calendar, and together form a strictly
// increasing time axis.
func Open(pattern, variable string, logger *slog.Logger) (*Archive, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive pattern %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, pattern)
	}
	sort.Strings(paths)

	a := &Archive{variable: variable, logger: logger}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", variable)

	for _, path := range paths {
		if err := a.addFile(path); err != nil {
			a.Close()
			return nil, err
		}
		seg := a.segments[len(a.segments)-1]
		info, err := os.Stat(path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		fmt.Fprintf(h, "%s %d %d %v %v\n", filepath.Base(path), info.Size(), seg.steps,
			a.times[seg.start].Offset, a.times[seg.start+seg.steps-1].Offset)
	}
	fmt.Fprintf(h, "%s %s\n", a.axis.Units, a.axis.Calendar)
	a.fingerprint = hex.EncodeToString(h.Sum(nil)[:16])

	logger.Info("archive opened",
		"files", len(a.segments),
		"variable", variable,
		"steps", len(a.times),
		"lats", len(a.grid.Lats),
		"lons", len(a.grid.Lons),
		"calendar", a.axis.Calendar,
	)
	return a, nil
}

func (a *Archive) addFile(path string) error {
	g, err := netcdf.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	seg, err := a.readHeader(path, g)
	if err != nil {
		g.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	a.segments = append(a.segments, seg)
	return nil
}

func (a *Archive) readHeader(path string, g api.Group) (segment, error) {
	vg, err := g.GetVarGetter(a.variable)
	if err != nil {
		return segment{}, fmt.Errorf("variable %q: %w", a.variable, err)
	}
	dims := vg.Dimensions()
	if len(dims) != 3 {
		return segment{}, fmt.Errorf("%w: %s has dimensions %v, want (time, lat, lon)", ErrLayout, a.variable, dims)
	}

	tv, err := g.GetVariable(dims[0])
	if err != nil {
		return segment{}, fmt.Errorf("time coordinate %q: %w", dims[0], err)
	}
	units := attrString(tv.Attributes, "units")
	if !strings.Contains(units, " since ") {
		return segment{}, fmt.Errorf("%w: first dimension %q of %s is not a time axis", ErrLayout, dims[0], a.variable)
	}
	axis, err := domain.ParseTimeAxis(units, attrString(tv.Attributes, "calendar"))
	if err != nil {
		return segment{}, err
	}
	offsets, err := toFloat64s(tv.Values)
	if err != nil {
		return segment{}, fmt.Errorf("time coordinate: %w", err)
	}
	times, err := axis.Decode(offsets)
	if err != nil {
		return segment{}, err
	}
	if len(times) == 0 {
		return segment{}, fmt.Errorf("%w: empty time axis", ErrLayout)
	}

	grid, err := readGrid(g, dims[1], dims[2])
	if err != nil {
		return segment{}, err
	}
	if int64(len(times)*grid.Cells()) != vg.Len() && int64(len(times)) != vg.Len() {
		return segment{}, fmt.Errorf("%w: %s has %d values, coordinates describe %d steps of %d cells",
			domain.ErrShapeMismatch, a.variable, vg.Len(), len(times), grid.Cells())
	}
	pack, err := readPacking(vg.Attributes())
	if err != nil {
		return segment{}, err
	}

	if len(a.segments) == 0 {
		a.axis = axis
		a.grid = grid
		a.units = attrString(vg.Attributes(), "units")
	} else {
		if axis.Units != a.axis.Units || axis.Calendar != a.axis.Calendar {
			return segment{}, fmt.Errorf("time axis %q (%s) differs from %q (%s)",
				axis.Units, axis.Calendar, a.axis.Units, a.axis.Calendar)
		}
		if !grid.Equal(a.grid) {
			return segment{}, fmt.Errorf("%w: grid differs from the first file", domain.ErrShapeMismatch)
		}
	}
	if err := checkIncreasing(a.times, times); err != nil {
		return segment{}, err
	}

	seg := segment{path: path, group: g, data: vg, pack: pack, start: len(a.times), steps: len(times)}
	a.times = append(a.times, times...)
	return seg, nil
}

func readGrid(g api.Group, latDim, lonDim string) (domain.Grid, error) {
	lat, err := g.GetVariable(latDim)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("latitude coordinate %q: %w", latDim, err)
	}
	lon, err := g.GetVariable(lonDim)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("longitude coordinate %q: %w", lonDim, err)
	}
	lats, err := toFloat64s(lat.Values)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("latitude coordinate: %w", err)
	}
	lons, err := toFloat64s(lon.Values)
	if err != nil {
		return domain.Grid{}, fmt.Errorf("longitude coordinate: %w", err)
	}
	return domain.Grid{Lats: lats, Lons: lons}, nil
}

func checkIncreasing(prev, next []domain.TimeStep) error {
	last := len(prev) - 1
	for i, ts := range next {
		var before float64
		switch {
		case i > 0:
			before = next[i-1].Offset
		case last >= 0:
			before = prev[last].Offset
		default:
			continue
		}
		if ts.Offset <= before {
			return fmt.Errorf("time axis not strictly increasing at %v", ts.Time.Format("2006-01-02"))
		}
	}
	return nil
}

// Variable returns the name of the variable being read.
func (a *Archive) Variable() string { return a.variable }

// Units returns the units attribute of the variable.
func (a *Archive) Units() string { return a.units }

// TimeAxis returns the time axis shared by all files.
func (a *Archive) TimeAxis() domain.TimeAxis { return a.axis }

// Grid returns the spatial grid.
func (a *Archive) Grid() domain.Grid { return a.grid }

// Times returns the decoded time axis of the whole archive.
func (a *Archive) Times() []domain.TimeStep { return a.times }

// Steps returns the total number of time steps.
func (a *Archive) Steps() int { return len(a.times) }

// Fingerprint identifies the archive contents for cache keys. It changes
// when files are added, removed, resized or re-timed.
func (a *Archive) Fingerprint() string { return a.fingerprint }

// Read loads steps [span.ReadStart, span.ReadEnd) into a chunk, reading
// across file boundaries as needed.
func (a *Archive) Read(ctx context.Context, span domain.Span) (domain.Chunk, error) {
	if span.ReadStart < 0 || span.ReadEnd > len(a.times) || span.ReadStart > span.ReadEnd {
		return domain.Chunk{}, fmt.Errorf("chunk %d: read range [%d, %d) outside archive of %d steps",
			span.Index, span.ReadStart, span.ReadEnd, len(a.times))
	}
	field := domain.NewField(a.times[span.ReadStart:span.ReadEnd], a.grid)
	cells := a.grid.Cells()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, seg := range a.segments {
		lo := max(span.ReadStart, seg.start)
		hi := min(span.ReadEnd, seg.start+seg.steps)
		if lo >= hi {
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.Chunk{}, err
		}
		raw, err := seg.data.GetSlice(int64(lo-seg.start), int64(hi-seg.start))
		if err != nil {
			return domain.Chunk{}, fmt.Errorf("read %s steps [%d, %d): %w", seg.path, lo-seg.start, hi-seg.start, err)
		}
		dst := field.Values[(lo-span.ReadStart)*cells : (hi-span.ReadStart)*cells]
		n, err := flattenInto(dst, raw)
		if err != nil {
			return domain.Chunk{}, fmt.Errorf("read %s: %w", seg.path, err)
		}
		if n != len(dst) {
			return domain.Chunk{}, fmt.Errorf("%w: %s returned %d values, want %d",
				domain.ErrShapeMismatch, seg.path, n, len(dst))
		}
		seg.pack.apply(dst)
	}
	return domain.Chunk{Span: span, Field: field}, nil
}

// Close releases every open file.
func (a *Archive) Close() {
	for _, seg := range a.segments {
		seg.group.Close()
	}
	a.segments = nil
}

// ChunkReader yields the chunks of a plan in order. It implements
// pipeline.ChunkExtractor.
type ChunkReader struct {
	archive *Archive
	spans   []domain.Span
	next    int
}

// Chunks returns a reader over the given spans.
func (a *Archive) Chunks(spans []domain.Span) *ChunkReader {
	return &ChunkReader{archive: a, spans: spans}
}

// NextChunk reads the next planned chunk, or returns io.EOF when the plan is exhausted.
func (r *ChunkReader) NextChunk(ctx context.Context) (domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return domain.Chunk{}, err
	}
	if r.next >= len(r.spans) {
		return domain.Chunk{}, io.EOF
	}
	span := r.spans[r.next]
	chunk, err := r.archive.Read(ctx, span)
	if err != nil {
		return domain.Chunk{}, err
	}
	r.next++
	r.archive.logger.Debug("chunk read", "chunk", span.Index, "start", span.Start, "end", span.End)
	return chunk, nil
}

// Remaining returns the number of chunks not yet read.
func (r *ChunkReader) Remaining() int { return len(r.spans) - r.next }
