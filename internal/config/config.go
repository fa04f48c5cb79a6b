package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Cache TTLs per read path. Current weather is minutes-scale, forecasts
	// hours-scale, aligned with expected refresh intervals.
	CurrentTTL  time.Duration
	ForecastTTL time.Duration
	HistoryTTL  time.Duration

	// CacheStaleRetention is how long expired entries are kept around for
	// degraded-availability serving before the janitor removes them.
	CacheStaleRetention  time.Duration
	CacheJanitorInterval time.Duration

	MaxForecastHorizonDays int
	ConfidenceDecay        float64

	// DegradedOnBackendFailure enables serving stale cache entries when the
	// persistence collaborator is unreachable.
	DegradedOnBackendFailure bool

	// Reading ingest via Kafka.
	KafkaBrokers       []string
	KafkaReadingsTopic string
	KafkaGroupID       string
	IngestBatchSize    int

	// Background jobs.
	ForecastRefreshInterval time.Duration
	EvaluateInterval        time.Duration
	JobTimeout              time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first if
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	currentTTL, err := parseDuration("CURRENT_TTL", "5m")
	if err != nil {
		return nil, err
	}
	forecastTTL, err := parseDuration("FORECAST_TTL", "1h")
	if err != nil {
		return nil, err
	}
	historyTTL, err := parseDuration("HISTORY_TTL", "30m")
	if err != nil {
		return nil, err
	}
	staleRetention, err := parseDuration("CACHE_STALE_RETENTION", "1h")
	if err != nil {
		return nil, err
	}
	janitorInterval, err := parseDuration("CACHE_JANITOR_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}
	refreshInterval, err := parseDuration("FORECAST_REFRESH_INTERVAL", "1h")
	if err != nil {
		return nil, err
	}
	evaluateInterval, err := parseDuration("EVALUATE_INTERVAL", "15m")
	if err != nil {
		return nil, err
	}
	jobTimeout, err := parseDuration("JOB_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}

	horizonDays, err := parseInt("MAX_FORECAST_HORIZON_DAYS", 7)
	if err != nil {
		return nil, err
	}
	batchSize, err := parseInt("INGEST_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	decay, err := parseFloat("CONFIDENCE_DECAY", 0.92)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		CurrentTTL:           currentTTL,
		ForecastTTL:          forecastTTL,
		HistoryTTL:           historyTTL,
		CacheStaleRetention:  staleRetention,
		CacheJanitorInterval: janitorInterval,

		MaxForecastHorizonDays:   horizonDays,
		ConfidenceDecay:          decay,
		DegradedOnBackendFailure: os.Getenv("DEGRADED_ON_BACKEND_FAILURE") == "true",

		KafkaBrokers:       parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaReadingsTopic: envOrDefault("KAFKA_READINGS_TOPIC", "field-readings"),
		KafkaGroupID:       envOrDefault("KAFKA_GROUP_ID", "weather-engine"),
		IngestBatchSize:    batchSize,

		ForecastRefreshInterval: refreshInterval,
		EvaluateInterval:        evaluateInterval,
		JobTimeout:              jobTimeout,
	}

	if cfg.CurrentTTL <= 0 || cfg.ForecastTTL <= 0 || cfg.HistoryTTL <= 0 {
		return nil, errors.New("cache TTLs must be positive")
	}
	if cfg.MaxForecastHorizonDays < 1 || cfg.MaxForecastHorizonDays > 14 {
		return nil, errors.New("MAX_FORECAST_HORIZON_DAYS must be between 1 and 14")
	}
	if cfg.ConfidenceDecay <= 0 || cfg.ConfidenceDecay > 1 {
		return nil, errors.New("CONFIDENCE_DECAY must be in (0, 1]")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaReadingsTopic == "" {
		return nil, errors.New("KAFKA_READINGS_TOPIC is required")
	}
	if cfg.IngestBatchSize < 1 {
		return nil, errors.New("INGEST_BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return f, nil
}
