package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/heatwave-etl/internal/config"
	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC)
	summary := domain.ChunkSummary{
		RunID:          "run-1",
		Chunk:          12,
		FirstStep:      4380,
		Steps:          365,
		Cells:          1024,
		HeatwaveStarts: 57,
		Hotspots:       []domain.Hotspot{{Point: domain.GridPoint{Lat: 30, Lon: 260}, Starts: 4, Place: "Texas"}},
		ProcessedAt:    now,
	}

	msg, err := serializeToMessage(summary)
	require.NoError(t, err)

	assert.Equal(t, []byte("run-1-000012"), msg.Key)
	assert.Contains(t, string(msg.Value), `"heatwave_starts":57`)
	assert.Contains(t, string(msg.Value), `"place":"Texas"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "run_id", msg.Headers[0].Key)
	assert.Equal(t, []byte("run-1"), msg.Headers[0].Value)
	assert.Equal(t, "processed_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[1].Value)

	var decoded domain.ChunkSummary
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 4380, decoded.FirstStep)
}

func TestNewWriter_UsesSummaryTopic(t *testing.T) {
	cfg := &config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaSummaryTopic: "hw"}
	w := NewWriter(cfg, "run-1", nil)
	t.Cleanup(func() { w.Close() })

	assert.Equal(t, "hw", w.writer.Topic)
	assert.Equal(t, "run-1", w.runID)
}
