package netcdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

func testResult(t *testing.T, index, start int) domain.ChunkResult {
	t.Helper()
	axis := testAxis(t)
	offsets := []float64{float64(start), float64(start + 1), float64(start + 2)}
	times, err := axis.Decode(offsets)
	require.NoError(t, err)

	starts := make([]int8, len(times)*testGrid.Cells())
	starts[0*testGrid.Cells()+2] = 1
	starts[2*testGrid.Cells()+5] = 1
	return domain.ChunkResult{
		Span:           domain.Span{Index: index, Start: start, End: start + 3},
		Grid:           testGrid,
		Times:          times,
		Starts:         starts,
		HeatwaveStarts: 2,
		HeatwaveDays:   6,
		Annual: []domain.AnnualCount{
			{Year: times[0].Year, Cell: 2, Point: testGrid.Point(2), Starts: 1, Days: 3},
			{Year: times[0].Year, Cell: 5, Point: testGrid.Point(5), Starts: 1, Days: 3},
		},
	}
}

func newTestWriter(t *testing.T, compress bool) (*ChunkWriter, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "out")
	w, err := NewChunkWriter(WriterConfig{
		Dir:      dir,
		Compress: compress,
		Metadata: domain.OutputMetadata{Title: "test run", Institution: "lab", History: "made in a test"},
		TimeAxis: testAxis(t),
		Grid:     testGrid,
		Climatology: domain.ClimatologyKey{
			Fingerprint: "abc", Variable: "tasmax", Percentile: 0.9,
			Baseline: domain.Baseline{StartYear: 2000, EndYear: 2000},
		},
	}, discardLogger())
	require.NoError(t, err)
	return w, dir
}

func readStarts(t *testing.T, path string) []float64 {
	t.Helper()
	g, err := netcdf.Open(path)
	require.NoError(t, err)
	defer g.Close()

	v, err := g.GetVariable(StartVariable)
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "lat", "lon"}, v.Dimensions)
	vals, err := toFloat64s(v.Values)
	require.NoError(t, err)

	title, ok := g.Attributes().Get("title")
	require.True(t, ok)
	assert.Equal(t, "test run", title)
	return vals
}

func TestChunkWriter_WritesChunkFiles(t *testing.T) {
	w, dir := newTestWriter(t, false)

	err := w.LoadBatch(context.Background(), []domain.ChunkResult{testResult(t, 0, 0), testResult(t, 1, 3)})
	require.NoError(t, err)

	path := filepath.Join(dir, "heatwave_start_20000101-20000103.nc")
	vals := readStarts(t, path)
	require.Len(t, vals, 18)
	assert.InDelta(t, 1.0, vals[2], 0)
	assert.InDelta(t, 1.0, vals[17], 0)
	assert.InDelta(t, 0.0, vals[0], 0)

	_, err = os.Stat(filepath.Join(dir, "heatwave_start_20000104-20000106.nc"))
	require.NoError(t, err)
}

func TestChunkWriter_Compressed(t *testing.T) {
	w, dir := newTestWriter(t, true)
	require.NoError(t, w.LoadBatch(context.Background(), []domain.ChunkResult{testResult(t, 0, 0)}))

	src := filepath.Join(dir, "heatwave_start_20000101-20000103.nc.zst")
	dst := filepath.Join(t.TempDir(), "chunk.nc")
	require.NoError(t, Decompress(src, dst))

	vals := readStarts(t, dst)
	assert.InDelta(t, 1.0, vals[2], 0)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+partialSuffix))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestChunkWriter_FinishWritesCountsAndManifest(t *testing.T) {
	w, dir := newTestWriter(t, false)
	ctx := context.Background()
	require.NoError(t, w.LoadBatch(ctx, []domain.ChunkResult{testResult(t, 1, 3)}))
	require.NoError(t, w.LoadBatch(ctx, []domain.ChunkResult{testResult(t, 0, 0)}))

	started := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	report := domain.RunReport{RunID: "run-1", Chunks: 2, HeatwaveStarts: 4, HeatwaveDays: 12, StartedAt: started, CompletedAt: started.Add(time.Minute)}
	require.NoError(t, w.Finish(ctx, report))

	g, err := netcdf.Open(filepath.Join(dir, CountsFile))
	require.NoError(t, err)
	defer g.Close()
	v, err := g.GetVariable("heatwave_count")
	require.NoError(t, err)
	counts, err := toFloat64s(v.Values)
	require.NoError(t, err)
	require.Len(t, counts, testGrid.Cells())
	assert.InDelta(t, 2.0, counts[2], 0, "both chunks fall in 2000")
	assert.InDelta(t, 2.0, counts[5], 0)
	assert.InDelta(t, 0.0, counts[0], 0)

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, "noleap", m.Calendar)
	assert.Equal(t, 4, m.HeatwaveStarts)
	require.Len(t, m.Chunks, 2)
	assert.Equal(t, 0, m.Chunks[0].Chunk, "manifest is ordered by chunk")
	assert.Equal(t, "2000-01-04", m.Chunks[1].Start)
	assert.Equal(t, "abc", m.Climatology.Fingerprint)
}

func TestChunkWriter_FailedBatchIsNotCounted(t *testing.T) {
	w, _ := newTestWriter(t, false)
	ctx := context.Background()
	good := testResult(t, 0, 0)
	bad := domain.ChunkResult{Span: domain.Span{Index: 1}}

	require.Error(t, w.LoadBatch(ctx, []domain.ChunkResult{good, bad}))
	assert.Empty(t, w.entries)
	assert.Empty(t, w.counts)
	assert.Empty(t, w.years)

	require.NoError(t, w.LoadBatch(ctx, []domain.ChunkResult{good}))
	assert.Len(t, w.entries, 1)
	assert.Equal(t, 1, w.counts[countKey{2000, 2}].Starts)
}

func TestChunkWriter_FinishWithoutChunks(t *testing.T) {
	w, dir := newTestWriter(t, false)
	require.Error(t, w.Finish(context.Background(), domain.RunReport{RunID: "empty"}))

	_, err := os.Stat(filepath.Join(dir, ManifestFile))
	assert.True(t, os.IsNotExist(err))
}
