// Command validate checks a NetCDF archive before a production run. It
// compares the normal-approximation thresholds against empirical
// percentiles on a sample of cells and days, and verifies that chunked
// detection reproduces a single pass over the same steps.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -glob 'data/tasmax_*.nc' \
//	  -variable tasmax \
//	  -percentile 0.9 \
//	  -chunk 37
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"slices"

	"github.com/montanaflynn/stats"

	"github.com/couchcryptid/heatwave-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/couchcryptid/heatwave-etl/internal/pipeline"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
	notes  []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) notef(format string, args ...any) {
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	glob       string
	variable   string
	percentile float64
	baseline   domain.Baseline
	cellStride int
	days       []int
	tolerance  float64
	chunk      int
	steps      int
}

func main() {
	opts := options{}
	flag.StringVar(&opts.glob, "glob", "data/tasmax_*.nc", "archive file pattern")
	flag.StringVar(&opts.variable, "variable", "tasmax", "temperature variable name")
	flag.Float64Var(&opts.percentile, "percentile", 0.9, "threshold quantile")
	flag.IntVar(&opts.baseline.StartYear, "baseline-start", 0, "first baseline year (0 = start of record)")
	flag.IntVar(&opts.baseline.EndYear, "baseline-end", 0, "last baseline year (0 = end of record)")
	flag.IntVar(&opts.cellStride, "cell-stride", 97, "sample every n-th grid cell")
	flag.Float64Var(&opts.tolerance, "tolerance", 2.0, "largest allowed |normal - exact| threshold difference, in data units")
	flag.IntVar(&opts.chunk, "chunk", 37, "core steps per chunk for the invariance check")
	flag.IntVar(&opts.steps, "steps", 730, "steps covered by the invariance check")
	flag.Parse()

	if opts.cellStride <= 0 || opts.chunk <= 0 || opts.steps <= 0 {
		flag.Usage()
		os.Exit(1)
	}
	opts.days = []int{15, 105, 196, 288}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, opts options) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Println("=== Heatwave Archive Validation ===")
	fmt.Println()

	archive, err := netcdf.Open(opts.glob, opts.variable, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open archive: %v\n", err)
		return 1
	}
	defer archive.Close()

	from, to := opts.baseline.Range(archive.Times())
	if from == to {
		fmt.Fprintf(os.Stderr, "FATAL: baseline %s has no steps in the archive\n", opts.baseline)
		return 1
	}
	spans, err := domain.PlanChunks(from, to, 365, 0, archive.Steps())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: plan baseline: %v\n", err)
		return 1
	}
	clim, err := pipeline.BuildClimatology(ctx, archive.Chunks(spans), archive.Grid(), opts.baseline, opts.percentile, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: build climatology: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateThresholds(ctx, archive, clim, spans, opts),
		validateChunkInvariance(ctx, archive, clim, opts),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
		for _, n := range p.notes {
			fmt.Printf("      %s\n", n)
		}
	}

	fmt.Println()
	fmt.Printf("Archive: %d steps, %d cells, units %q, calendar %s\n",
		archive.Steps(), archive.Grid().Cells(), archive.Units(), archive.TimeAxis().Calendar)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

type sampleKey struct{ doy, cell int }

// validateThresholds gathers the baseline values of the sampled
// (day-of-year, cell) pairs and compares the normal threshold with the
// empirical percentile of the same values.
func validateThresholds(ctx context.Context, archive *netcdf.Archive, clim *domain.Climatology, spans []domain.Span, opts options) *phase {
	p := &phase{name: "Normal approximation vs exact percentile"}

	samples := make(map[sampleKey][]float64)
	cells := archive.Grid().Cells()
	reader := archive.Chunks(spans)
	for {
		chunk, err := reader.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.errorf("read baseline: %v", err)
			return p
		}
		f := chunk.Field
		for t, ts := range f.Times {
			if !opts.baseline.Contains(ts.Year) || !slices.Contains(opts.days, ts.DayOfYear) {
				continue
			}
			for cell := 0; cell < cells; cell += opts.cellStride {
				k := sampleKey{ts.DayOfYear, cell}
				samples[k] = append(samples[k], f.At(t, cell))
			}
		}
	}

	var diffs []float64
	for k, values := range samples {
		exact, err := domain.ExactPercentile(values, opts.percentile)
		if errors.Is(err, stats.ErrEmptyInput) {
			continue
		}
		if err != nil {
			p.errorf("doy %d cell %d: %v", k.doy, k.cell, err)
			continue
		}
		diff := clim.Threshold(k.doy, k.cell) - exact
		diffs = append(diffs, math.Abs(diff))
		if math.Abs(diff) > opts.tolerance {
			p.errorf("doy %d cell %d: normal %.3f, exact %.3f (%d samples)",
				k.doy, k.cell, clim.Threshold(k.doy, k.cell), exact, len(values))
		}
	}
	if len(diffs) == 0 {
		p.errorf("no baseline samples for days %v", opts.days)
		return p
	}
	mean, _ := stats.Mean(diffs)
	worst, _ := stats.Max(diffs)
	p.notef("%d samples, mean |diff| %.3f, max |diff| %.3f", len(diffs), mean, worst)
	return p
}

// validateChunkInvariance runs the detector over the first steps of the
// archive once as a single chunk and once split into small chunks, and
// compares the start flags.
func validateChunkInvariance(ctx context.Context, archive *netcdf.Archive, clim *domain.Climatology, opts options) *phase {
	p := &phase{name: "Chunk invariance of start detection"}

	n := min(opts.steps, archive.Steps())
	whole, err := detect(ctx, archive, clim, n, n)
	if err != nil {
		p.errorf("single pass: %v", err)
		return p
	}
	chunked, err := detect(ctx, archive, clim, n, opts.chunk)
	if err != nil {
		p.errorf("chunked pass: %v", err)
		return p
	}
	if len(whole) != len(chunked) {
		p.errorf("flag count differs: %d vs %d", len(whole), len(chunked))
		return p
	}

	cells := archive.Grid().Cells()
	starts := 0
	for i := range whole {
		starts += int(whole[i])
		if whole[i] != chunked[i] && len(p.errors) < 20 {
			p.errorf("step %d cell %d: single pass %d, chunked %d", i/cells, i%cells, whole[i], chunked[i])
		}
	}
	p.notef("%d steps, chunk size %d, %d heatwave starts", n, opts.chunk, starts)
	return p
}

func detect(ctx context.Context, archive *netcdf.Archive, clim *domain.Climatology, n, core int) ([]int8, error) {
	spans, err := domain.PlanChunks(0, n, core, domain.Halo, archive.Steps())
	if err != nil {
		return nil, err
	}
	reader := archive.Chunks(spans)
	var flags []int8
	for {
		chunk, err := reader.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			return flags, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := domain.DetectChunk(chunk, clim, 0)
		if err != nil {
			return nil, err
		}
		flags = append(flags, res.Starts...)
	}
}
