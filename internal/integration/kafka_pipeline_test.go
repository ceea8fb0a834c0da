//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/heatwave-etl/internal/adapter/kafka"
	"github.com/couchcryptid/heatwave-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/heatwave-etl/internal/config"
	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/couchcryptid/heatwave-etl/internal/observability"
	"github.com/couchcryptid/heatwave-etl/internal/pipeline"
)

const testSummaryTopic = "test-heatwave-summaries"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("heatwave-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cconn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

type summaryMessage struct {
	Summary domain.ChunkSummary
	Key     string
	Headers map[string]string
}

func readSummary(ctx context.Context, t *testing.T, consumer *kafkago.Reader) summaryMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from summary topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var s domain.ChunkSummary
	require.NoError(t, json.Unmarshal(msg.Value, &s), "unmarshal summary")
	return summaryMessage{Summary: s, Key: string(msg.Key), Headers: headers}
}

func newConsumer(t *testing.T, broker string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSummaryTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

// TestKafkaWriterPublishesSummaries verifies that kafka.Writer publishes one
// keyed summary per chunk result.
func TestKafkaWriterPublishesSummaries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSummaryTopic)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaSummaryTopic: testSummaryTopic}
	writer := kafka.NewWriter(cfg, "run-1", discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	grid := domain.Grid{Lats: []float64{10}, Lons: []float64{20, 21}}
	results := []domain.ChunkResult{
		{Span: domain.Span{Index: 0, Start: 0, End: 365}, Grid: grid, HeatwaveStarts: 3, HeatwaveDays: 11},
		{Span: domain.Span{Index: 1, Start: 365, End: 730}, Grid: grid, HeatwaveStarts: 1, HeatwaveDays: 4},
	}
	require.NoError(t, writer.LoadBatch(ctx, results))

	consumer := newConsumer(t, broker)
	first := readSummary(ctx, t, consumer)
	second := readSummary(ctx, t, consumer)

	assert.Equal(t, "run-1-000000", first.Key)
	assert.Equal(t, "run-1-000001", second.Key)
	assert.Equal(t, "run-1", first.Headers["run_id"])
	_, err := time.Parse(time.RFC3339, first.Headers["processed_at"])
	assert.NoError(t, err, "processed_at should be valid RFC3339")

	assert.Equal(t, 3, first.Summary.HeatwaveStarts)
	assert.Equal(t, 365, second.Summary.FirstStep)
	assert.Equal(t, 4, second.Summary.HeatwaveDays)
	assert.Equal(t, 2, second.Summary.Cells)
}

// TestPipelineEndToEnd runs archive -> climatology -> detection -> Kafka and
// checks that the published summaries add up to the run report.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSummaryTopic)

	dir := t.TempDir()
	writeSeasonalArchive(t, dir)

	archive, err := netcdf.Open(filepath.Join(dir, "tasmax_*.nc"), "tasmax", discardLogger())
	require.NoError(t, err)
	t.Cleanup(archive.Close)

	all, err := domain.PlanChunks(0, archive.Steps(), archive.Steps(), 0, archive.Steps())
	require.NoError(t, err)
	clim, err := pipeline.BuildClimatology(ctx, archive.Chunks(all), archive.Grid(), domain.Baseline{StartYear: 2001, EndYear: 2001}, 0.9, discardLogger())
	require.NoError(t, err)

	spans, err := domain.PlanChunks(0, archive.Steps(), 100, domain.Halo, archive.Steps())
	require.NoError(t, err)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaSummaryTopic: testSummaryTopic}
	writer := kafka.NewWriter(cfg, "e2e", discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New("e2e",
		archive.Chunks(spans),
		pipeline.NewTransformer(clim, 3, nil, discardLogger()),
		[]pipeline.Sink{{Name: "kafka", Loader: writer}},
		discardLogger(), observability.NewMetricsForTesting(), 3)

	report, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, len(spans), report.Chunks)
	assert.Positive(t, report.HeatwaveStarts)

	consumer := newConsumer(t, broker)
	var starts, days int
	for i := range spans {
		msg := readSummary(ctx, t, consumer)
		assert.Equal(t, i, msg.Summary.Chunk, "summaries arrive in time order")
		assert.Equal(t, "e2e", msg.Headers["run_id"])
		starts += msg.Summary.HeatwaveStarts
		days += msg.Summary.HeatwaveDays
	}
	assert.Equal(t, report.HeatwaveStarts, starts)
	assert.Equal(t, report.HeatwaveDays, days)
}

// writeSeasonalArchive writes two years of noleap data split over two files:
// a seasonal cycle plus a five-day warm spell in each summer. With 2001 as
// the baseline, the 2002 spell clears the threshold in every cell.
func writeSeasonalArchive(t *testing.T, dir string) {
	t.Helper()
	axis, err := domain.ParseTimeAxis("days since 2001-01-01", "noleap")
	require.NoError(t, err)
	grid := domain.Grid{Lats: []float64{40, 41}, Lons: []float64{10, 11}}

	for year := 0; year < 2; year++ {
		offsets := make([]float64, 365)
		for i := range offsets {
			offsets[i] = float64(year*365 + i)
		}
		times, err := axis.Decode(offsets)
		require.NoError(t, err)

		f := domain.NewField(times, grid)
		for step, ts := range times {
			base := 290 + 10*math.Sin(2*math.Pi*float64(ts.DayOfYear-100)/365)
			for cell := 0; cell < grid.Cells(); cell++ {
				v := base + 0.3*math.Sin(float64(step*7+cell*13))
				if ts.DayOfYear >= 200+year*10 && ts.DayOfYear < 205+year*10 {
					v += 8
				}
				f.Set(step, cell, v)
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("tasmax_%d.nc", 2001+year))
		require.NoError(t, netcdf.WriteField(path, f, netcdf.FieldFile{
			Variable: "tasmax",
			Units:    "K",
			TimeAxis: axis,
		}))
	}
}
