package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapboxToken = "pk.test-token"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/tasmax_*.nc", cfg.DataGlob)
	assert.Equal(t, "tasmax", cfg.DataVariable)
	assert.Equal(t, "out", cfg.OutputDir)
	assert.True(t, cfg.OutputCompress)
	assert.Equal(t, 365, cfg.ChunkSteps)
	assert.Equal(t, 4, cfg.Workers)
	assert.InDelta(t, 0.9, cfg.Percentile, 1e-12)
	assert.Zero(t, cfg.BaselineStartYear)
	assert.Zero(t, cfg.BaselineEndYear)
	assert.Equal(t, 5, cfg.HotspotCount)
	assert.Equal(t, "heatwave.db", cfg.StorePath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.ExitAfterRun)
	assert.False(t, cfg.KafkaEnabled)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "heatwave-summaries", cfg.KafkaSummaryTopic)
	assert.False(t, cfg.MapboxEnabled)
	assert.Empty(t, cfg.MapboxToken)
	assert.Equal(t, 5*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 1000, cfg.MapboxCacheSize)
	assert.InDelta(t, 5.0, cfg.MapboxRPS, 1e-12)
	assert.Empty(t, cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("DATA_GLOB", "/archive/tas_day_*.nc")
	t.Setenv("DATA_VARIABLE", "tas")
	t.Setenv("OUTPUT_DIR", "/tmp/hw")
	t.Setenv("OUTPUT_COMPRESS", "false")
	t.Setenv("CHUNK_STEPS", "730")
	t.Setenv("WORKERS", "8")
	t.Setenv("PERCENTILE", "0.95")
	t.Setenv("BASELINE_START_YEAR", "1850")
	t.Setenv("BASELINE_END_YEAR", "1900")
	t.Setenv("HOTSPOT_COUNT", "10")
	t.Setenv("STORE_PATH", "/var/lib/hw.db")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("EXIT_AFTER_RUN", "true")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_SUMMARY_TOPIC", "custom-summaries")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_TIMEOUT", "10s")
	t.Setenv("MAPBOX_CACHE_SIZE", "500")
	t.Setenv("MAPBOX_RPS", "2.5")
	t.Setenv("S3_BUCKET", "climate-out")
	t.Setenv("S3_PREFIX", "runs/")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("S3_ACCESS_KEY_ID", "minio")
	t.Setenv("S3_SECRET_ACCESS_KEY", "minio123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/archive/tas_day_*.nc", cfg.DataGlob)
	assert.Equal(t, "tas", cfg.DataVariable)
	assert.Equal(t, "/tmp/hw", cfg.OutputDir)
	assert.False(t, cfg.OutputCompress)
	assert.Equal(t, 730, cfg.ChunkSteps)
	assert.Equal(t, 8, cfg.Workers)
	assert.InDelta(t, 0.95, cfg.Percentile, 1e-12)
	assert.Equal(t, 1850, cfg.BaselineStartYear)
	assert.Equal(t, 1900, cfg.BaselineEndYear)
	assert.Equal(t, 10, cfg.HotspotCount)
	assert.Equal(t, "/var/lib/hw.db", cfg.StorePath)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.ExitAfterRun)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-summaries", cfg.KafkaSummaryTopic)
	assert.True(t, cfg.MapboxEnabled)
	assert.Equal(t, testMapboxToken, cfg.MapboxToken)
	assert.Equal(t, 10*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 500, cfg.MapboxCacheSize)
	assert.InDelta(t, 2.5, cfg.MapboxRPS, 1e-12)
	assert.Equal(t, "climate-out", cfg.S3Bucket)
	assert.Equal(t, "runs/", cfg.S3Prefix)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
	assert.Equal(t, "eu-west-1", cfg.S3Region)
	assert.Equal(t, "minio", cfg.S3AccessKeyID)
	assert.Equal(t, "minio123", cfg.S3SecretAccessKey)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"zero chunk steps", "CHUNK_STEPS", "0"},
		{"non-numeric chunk steps", "CHUNK_STEPS", "year"},
		{"zero workers", "WORKERS", "0"},
		{"too many workers", "WORKERS", "65"},
		{"percentile zero", "PERCENTILE", "0"},
		{"percentile one", "PERCENTILE", "1"},
		{"percentile as percent", "PERCENTILE", "90"},
		{"negative baseline year", "BASELINE_START_YEAR", "-5"},
		{"hotspot count too large", "HOTSPOT_COUNT", "1000"},
		{"zero mapbox rps", "MAPBOX_RPS", "0"},
		{"bad mapbox timeout", "MAPBOX_TIMEOUT", "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoad_BaselineOrder(t *testing.T) {
	t.Setenv("BASELINE_START_YEAR", "1950")
	t.Setenv("BASELINE_END_YEAR", "1900")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BASELINE_START_YEAR")
}

func TestLoad_KafkaEnabledWithoutBrokers(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestLoad_KafkaExplicitlyDisabled(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("KAFKA_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoad_MapboxTokenImpliesEnabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MapboxEnabled)
}

func TestLoad_S3CredentialsTogether(t *testing.T) {
	t.Setenv("S3_BUCKET", "b")
	t.Setenv("S3_ACCESS_KEY_ID", "only-the-id")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_SECRET_ACCESS_KEY")
}
