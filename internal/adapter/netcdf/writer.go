package netcdf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

const (
	// StartVariable is the name of the start-flag variable in chunk files.
	StartVariable = "heatwave_start"
	// CountsFile holds per-year heatwave counts for the whole run.
	CountsFile = "heatwave_counts.nc"
	// ManifestFile lists every file written by a run.
	ManifestFile = "manifest.yaml"

	partialSuffix = ".partial"
)

// WriterConfig configures a ChunkWriter.
type WriterConfig struct {
	Dir      string
	Compress bool
	Metadata domain.OutputMetadata
	TimeAxis domain.TimeAxis
	Grid     domain.Grid
	// Climatology is recorded in the manifest.
	Climatology domain.ClimatologyKey
}

// ChunkWriter writes one NetCDF file of start flags per chunk and, when the
// run finishes, a per-year counts file and a manifest. It implements
// pipeline.BatchLoader and pipeline.Finisher.
type ChunkWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	entries []ManifestEntry
	counts  map[countKey]*domain.AnnualCount
	years   map[int]struct{}
}

type countKey struct{ year, cell int }

// ManifestEntry describes one chunk file.
type ManifestEntry struct {
	Chunk  int    `yaml:"chunk"`
	File   string `yaml:"file"`
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Steps  int    `yaml:"steps"`
	Starts int    `yaml:"starts"`
}

// Manifest is the index written next to the chunk files.
type Manifest struct {
	RunID          string                `yaml:"run_id"`
	Metadata       domain.OutputMetadata `yaml:"metadata"`
	Climatology    domain.ClimatologyKey `yaml:"climatology"`
	TimeUnits      string                `yaml:"time_units"`
	Calendar       string                `yaml:"calendar"`
	Compressed     bool                  `yaml:"compressed"`
	Chunks         []ManifestEntry       `yaml:"chunks"`
	Counts         string                `yaml:"counts"`
	HeatwaveStarts int                   `yaml:"heatwave_starts"`
	HeatwaveDays   int                   `yaml:"heatwave_days"`
	CandidateSteps int                   `yaml:"candidate_steps"`
	StartedAt      time.Time             `yaml:"started_at"`
	CompletedAt    time.Time             `yaml:"completed_at"`
}

// NewChunkWriter creates the output directory and returns a writer for it.
func NewChunkWriter(cfg WriterConfig, logger *slog.Logger) (*ChunkWriter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &ChunkWriter{
		cfg:    cfg,
		logger: logger,
		counts: make(map[countKey]*domain.AnnualCount),
		years:  make(map[int]struct{}),
	}, nil
}

// LoadBatch writes a file per chunk result. Counts are folded in only once
// the whole batch is written, so a retried batch is not counted twice.
func (w *ChunkWriter) LoadBatch(ctx context.Context, results []domain.ChunkResult) error {
	entries := make([]ManifestEntry, 0, len(results))
	for i := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := w.writeChunk(&results[i])
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	w.entries = append(w.entries, entries...)
	for i := range results {
		for _, ts := range results[i].Times {
			w.years[ts.Year] = struct{}{}
		}
		for _, ac := range results[i].Annual {
			k := countKey{ac.Year, ac.Cell}
			c, ok := w.counts[k]
			if !ok {
				c = &domain.AnnualCount{Year: ac.Year, Cell: ac.Cell, Point: ac.Point}
				w.counts[k] = c
			}
			c.Starts += ac.Starts
			c.Days += ac.Days
		}
	}
	return nil
}

func (w *ChunkWriter) writeChunk(res *domain.ChunkResult) (ManifestEntry, error) {
	if len(res.Times) == 0 {
		return ManifestEntry{}, fmt.Errorf("chunk %d has no steps", res.Span.Index)
	}
	first, last := res.Times[0].Time, res.Times[len(res.Times)-1].Time
	name := fmt.Sprintf("%s_%s-%s.nc", StartVariable, first.Format("20060102"), last.Format("20060102"))
	if w.cfg.Compress {
		name += ".zst"
	}
	path := filepath.Join(w.cfg.Dir, name)

	vars := []namedVar{
		timeVar(w.cfg.TimeAxis, res.Times),
		latVar(res.Grid.Lats),
		lonVar(res.Grid.Lons),
		{
			name: StartVariable,
			v: api.Variable{
				Values:     cube(res.Starts, len(res.Times), res.Grid),
				Dimensions: []string{"time", "lat", "lon"},
			},
			attrs: attrList{
				{"long_name", "first day of a heatwave"},
				{"units", "1"},
				{"flag_values", []int8{0, 1}},
				{"flag_meanings", "no_start heatwave_start"},
			},
		},
	}
	if err := w.writeFile(path, vars, w.globalAttrs(res.Span.Index)); err != nil {
		return ManifestEntry{}, err
	}
	w.logger.Debug("chunk file written", "chunk", res.Span.Index, "file", name)

	return ManifestEntry{
		Chunk:  res.Span.Index,
		File:   name,
		Start:  first.Format("2006-01-02"),
		End:    last.Format("2006-01-02"),
		Steps:  len(res.Times),
		Starts: res.HeatwaveStarts,
	}, nil
}

// Finish writes the counts file and the manifest.
func (w *ChunkWriter) Finish(_ context.Context, report domain.RunReport) error {
	countsPath := filepath.Join(w.cfg.Dir, CountsFile)
	if err := w.writeCounts(countsPath); err != nil {
		return err
	}

	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].Chunk < w.entries[j].Chunk })
	m := Manifest{
		RunID:          report.RunID,
		Metadata:       w.cfg.Metadata,
		Climatology:    w.cfg.Climatology,
		TimeUnits:      w.cfg.TimeAxis.Units,
		Calendar:       string(w.cfg.TimeAxis.Calendar),
		Compressed:     w.cfg.Compress,
		Chunks:         w.entries,
		Counts:         CountsFile,
		HeatwaveStarts: report.HeatwaveStarts,
		HeatwaveDays:   report.HeatwaveDays,
		CandidateSteps: report.CandidateSteps,
		StartedAt:      report.StartedAt,
		CompletedAt:    report.CompletedAt,
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(w.cfg.Dir, ManifestFile)
	if err := os.WriteFile(path+partialSuffix, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(path+partialSuffix, path); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	w.logger.Info("outputs finalized", "dir", w.cfg.Dir, "chunks", len(w.entries), "counts", CountsFile)
	return nil
}

// writeCounts stores starts and heatwave days per (year, lat, lon) for
// every year the run covered, zeros included.
func (w *ChunkWriter) writeCounts(path string) error {
	if len(w.years) == 0 {
		return fmt.Errorf("write %s: no chunks were loaded", CountsFile)
	}
	years := make([]int32, 0, len(w.years))
	for y := range w.years {
		years = append(years, int32(y))
	}
	sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })
	yearIndex := make(map[int]int, len(years))
	for i, y := range years {
		yearIndex[int(y)] = i
	}

	grid := w.cfg.Grid
	cells := grid.Cells()
	starts := make([]int32, len(years)*cells)
	days := make([]int32, len(years)*cells)
	for k, c := range w.counts {
		i := yearIndex[k.year]*cells + k.cell
		starts[i] = int32(c.Starts)
		days[i] = int32(c.Days)
	}

	dims := []string{"year", "lat", "lon"}
	vars := []namedVar{
		{name: "year", v: api.Variable{Values: years, Dimensions: []string{"year"}}, attrs: attrList{{"long_name", "calendar year"}}},
		latVar(grid.Lats),
		lonVar(grid.Lons),
		{
			name:  "heatwave_count",
			v:     api.Variable{Values: cubeInt32(starts, len(years), grid), Dimensions: dims},
			attrs: attrList{{"long_name", "number of heatwaves starting in the year"}, {"units", "1"}},
		},
		{
			name:  "heatwave_days",
			v:     api.Variable{Values: cubeInt32(days, len(years), grid), Dimensions: dims},
			attrs: attrList{{"long_name", "number of days belonging to a heatwave"}, {"units", "days"}},
		},
	}
	return w.writeFile(path, vars, w.globalAttrs(-1))
}

func (w *ChunkWriter) globalAttrs(chunk int) attrList {
	m := w.cfg.Metadata
	attrs := attrList{
		{"Conventions", "CF-1.8"},
		{"title", m.Title},
		{"institution", m.Institution},
		{"source", m.Source},
		{"history", m.History},
		{"threshold_percentile", w.cfg.Climatology.Percentile},
		{"baseline", w.cfg.Climatology.Baseline.String()},
	}
	if chunk >= 0 {
		attrs = append(attrs, attr{"chunk", int32(chunk)})
	}
	return attrs
}

// writeFile writes a NetCDF file under a temporary name and moves it into
// place, compressing it when the target name ends in .zst.
func (w *ChunkWriter) writeFile(path string, vars []namedVar, global attrList) error {
	tmp := path + partialSuffix
	if filepath.Ext(path) == ".zst" {
		tmp = path[:len(path)-len(".zst")] + partialSuffix
	}
	if err := writeNetCDF(tmp, vars, global); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if filepath.Ext(path) != ".zst" {
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
		return nil
	}
	defer os.Remove(tmp)
	if err := compressFile(tmp, path); err != nil {
		return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
	}
	return nil
}

// compressFile zstd-compresses src into dst atomically.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst + partialSuffix)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(dst+partialSuffix, dst)
}

// Decompress expands a .nc.zst file written by ChunkWriter into dst.
func Decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type attr struct {
	key string
	val any
}

type attrList []attr

func (l attrList) orderedMap() (api.AttributeMap, error) {
	keys := make([]string, 0, len(l))
	vals := make(map[string]any, len(l))
	for _, a := range l {
		if s, ok := a.val.(string); ok && s == "" {
			continue
		}
		keys = append(keys, a.key)
		vals[a.key] = a.val
	}
	return util.NewOrderedMap(keys, vals)
}

type namedVar struct {
	name  string
	v     api.Variable
	attrs attrList
}

func writeNetCDF(path string, vars []namedVar, global attrList) error {
	cw, err := cdf.OpenWriter(path)
	if err != nil {
		return err
	}
	for _, nv := range vars {
		attrs, err := nv.attrs.orderedMap()
		if err != nil {
			cw.Close()
			return fmt.Errorf("attributes of %s: %w", nv.name, err)
		}
		nv.v.Attributes = attrs
		if err := cw.AddVar(nv.name, nv.v); err != nil {
			cw.Close()
			return fmt.Errorf("add %s: %w", nv.name, err)
		}
	}
	gattrs, err := global.orderedMap()
	if err != nil {
		cw.Close()
		return fmt.Errorf("global attributes: %w", err)
	}
	if err := cw.AddGlobalAttrs(gattrs); err != nil {
		cw.Close()
		return fmt.Errorf("global attributes: %w", err)
	}
	return cw.Close()
}

func timeVar(axis domain.TimeAxis, times []domain.TimeStep) namedVar {
	offsets := make([]float64, len(times))
	for i, ts := range times {
		offsets[i] = ts.Offset
	}
	return namedVar{
		name: "time",
		v:    api.Variable{Values: offsets, Dimensions: []string{"time"}},
		attrs: attrList{
			{"standard_name", "time"},
			{"units", axis.Units},
			{"calendar", string(axis.Calendar)},
			{"axis", "T"},
		},
	}
}

func latVar(lats []float64) namedVar {
	return namedVar{
		name: "lat",
		v:    api.Variable{Values: append([]float64(nil), lats...), Dimensions: []string{"lat"}},
		attrs: attrList{
			{"standard_name", "latitude"},
			{"units", "degrees_north"},
			{"axis", "Y"},
		},
	}
}

func lonVar(lons []float64) namedVar {
	return namedVar{
		name: "lon",
		v:    api.Variable{Values: append([]float64(nil), lons...), Dimensions: []string{"lon"}},
		attrs: attrList{
			{"standard_name", "longitude"},
			{"units", "degrees_east"},
			{"axis", "X"},
		},
	}
}

// cube reshapes row-major flags into [time][lat][lon].
func cube(flat []int8, steps int, grid domain.Grid) [][][]int8 {
	nlat, nlon := len(grid.Lats), len(grid.Lons)
	out := make([][][]int8, steps)
	for t := range out {
		out[t] = make([][]int8, nlat)
		for y := range out[t] {
			i := (t*nlat + y) * nlon
			out[t][y] = flat[i : i+nlon]
		}
	}
	return out
}

func cubeInt32(flat []int32, n int, grid domain.Grid) [][][]int32 {
	nlat, nlon := len(grid.Lats), len(grid.Lons)
	out := make([][][]int32, n)
	for t := range out {
		out[t] = make([][]int32, nlat)
		for y := range out[t] {
			i := (t*nlat + y) * nlon
			out[t][y] = flat[i : i+nlon]
		}
	}
	return out
}

func cubeFloat32(flat []float64, steps int, grid domain.Grid, fill float32) [][][]float32 {
	nlat, nlon := len(grid.Lats), len(grid.Lons)
	out := make([][][]float32, steps)
	for t := range out {
		out[t] = make([][]float32, nlat)
		for y := range out[t] {
			row := make([]float32, nlon)
			i := (t*nlat + y) * nlon
			for x := range row {
				v := flat[i+x]
				if math.IsNaN(v) {
					row[x] = fill
				} else {
					row[x] = float32(v)
				}
			}
			out[t][y] = row
		}
	}
	return out
}
