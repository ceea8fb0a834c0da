package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DataGlob     string
	DataVariable string

	OutputDir         string
	OutputCompress    bool
	OutputTitle       string
	OutputInstitution string
	OutputSource      string

	ChunkSteps        int
	Workers           int
	Percentile        float64
	BaselineStartYear int
	BaselineEndYear   int
	HotspotCount      int

	StorePath string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	// ExitAfterRun stops the process once the run completes instead of
	// serving queries until a signal arrives.
	ExitAfterRun bool

	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaSummaryTopic string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
	MapboxRPS       float64

	// S3 upload of finished output. Disabled when S3Bucket is empty.
	S3Bucket          string
	S3Prefix          string
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	mapboxTimeoutStr := sharedcfg.EnvOrDefault("MAPBOX_TIMEOUT", "5s")
	mapboxTimeout, err2 := time.ParseDuration(mapboxTimeoutStr)
	if err2 != nil || mapboxTimeout <= 0 {
		return nil, errors.New("invalid MAPBOX_TIMEOUT")
	}

	chunkSteps, err := parsePositiveInt("CHUNK_STEPS", 365, 0)
	if err != nil {
		return nil, err
	}
	workers, err := parsePositiveInt("WORKERS", 4, 64)
	if err != nil {
		return nil, err
	}
	hotspots, err := parsePositiveInt("HOTSPOT_COUNT", 5, 100)
	if err != nil {
		return nil, err
	}
	percentile, err := parsePercentile()
	if err != nil {
		return nil, err
	}
	startYear, err := parseYear("BASELINE_START_YEAR")
	if err != nil {
		return nil, err
	}
	endYear, err := parseYear("BASELINE_END_YEAR")
	if err != nil {
		return nil, err
	}
	if startYear != 0 && endYear != 0 && startYear > endYear {
		return nil, fmt.Errorf("BASELINE_START_YEAR %d is after BASELINE_END_YEAR %d", startYear, endYear)
	}
	mapboxRPS, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("MAPBOX_RPS", "5"), 64)
	if err != nil || mapboxRPS <= 0 {
		return nil, errors.New("invalid MAPBOX_RPS")
	}

	mapboxCacheSize := parseMapboxCacheSize()

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	var brokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}
	kafkaEnabled := len(brokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		DataGlob:          sharedcfg.EnvOrDefault("DATA_GLOB", "data/tasmax_*.nc"),
		DataVariable:      sharedcfg.EnvOrDefault("DATA_VARIABLE", "tasmax"),
		OutputDir:         sharedcfg.EnvOrDefault("OUTPUT_DIR", "out"),
		OutputCompress:    sharedcfg.EnvOrDefault("OUTPUT_COMPRESS", "true") == "true",
		OutputTitle:       sharedcfg.EnvOrDefault("OUTPUT_TITLE", "Heatwave start days"),
		OutputInstitution: sharedcfg.EnvOrDefault("OUTPUT_INSTITUTION", "unknown"),
		OutputSource:      sharedcfg.EnvOrDefault("OUTPUT_SOURCE", "daily maximum near-surface air temperature"),
		ChunkSteps:        chunkSteps,
		Workers:           workers,
		Percentile:        percentile,
		BaselineStartYear: startYear,
		BaselineEndYear:   endYear,
		HotspotCount:      hotspots,
		StorePath:         sharedcfg.EnvOrDefault("STORE_PATH", "heatwave.db"),
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,
		ExitAfterRun:      os.Getenv("EXIT_AFTER_RUN") == "true",

		KafkaEnabled:      kafkaEnabled,
		KafkaBrokers:      brokers,
		KafkaSummaryTopic: sharedcfg.EnvOrDefault("KAFKA_SUMMARY_TOPIC", "heatwave-summaries"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: mapboxCacheSize,
		MapboxRPS:       mapboxRPS,

		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Prefix:          os.Getenv("S3_PREFIX"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          sharedcfg.EnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
	}

	if cfg.DataGlob == "" {
		return nil, errors.New("DATA_GLOB is required")
	}
	if cfg.DataVariable == "" {
		return nil, errors.New("DATA_VARIABLE is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("OUTPUT_DIR is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaSummaryTopic == "" {
		return nil, errors.New("KAFKA_SUMMARY_TOPIC is required")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if (cfg.S3AccessKeyID == "") != (cfg.S3SecretAccessKey == "") {
		return nil, errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	return cfg, nil
}

// parsePositiveInt reads a positive integer, bounded by upper when upper > 0.
func parsePositiveInt(name string, def, upper int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || (upper > 0 && n > upper) {
		if upper > 0 {
			return 0, fmt.Errorf("invalid %s %q: must be between 1 and %d", name, s, upper)
		}
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, s)
	}
	return n, nil
}

func parsePercentile() (float64, error) {
	s := sharedcfg.EnvOrDefault("PERCENTILE", "0.9")
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p <= 0 || p >= 1 {
		return 0, fmt.Errorf("invalid PERCENTILE %q: must be strictly between 0 and 1", s)
	}
	return p, nil
}

func parseYear(name string) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
