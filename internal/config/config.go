// Package config loads and validates the pipeline's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every env-configurable knob for the streaming analytics core.
// All fields carry the PIPELINE_ prefix per the external interface spec.
type Config struct {
	// Message bus
	KafkaBootstrapServers string `env:"PIPELINE_KAFKA_BOOTSTRAP_SERVERS" envDefault:"kafka:9092"`
	KafkaConsumerGroup    string `env:"PIPELINE_KAFKA_CONSUMER_GROUP" envDefault:"stream-processor"`
	KafkaAutoOffsetReset  string `env:"PIPELINE_KAFKA_AUTO_OFFSET_RESET" envDefault:"latest"`
	KafkaMaxPollRecords   int    `env:"PIPELINE_KAFKA_MAX_POLL_RECORDS" envDefault:"500"`

	// Storage
	RedisURL           string `env:"PIPELINE_REDIS_URL" envDefault:"redis://redis:6379/0"`
	RedisPoolSize      int    `env:"PIPELINE_REDIS_POOL_SIZE" envDefault:"20"`
	RedisPipelineBatch int    `env:"PIPELINE_REDIS_PIPELINE_BATCH" envDefault:"50"`
	RedisTSRetentionMs int64  `env:"PIPELINE_REDIS_TS_RETENTION_MS" envDefault:"86400000"`

	// Windowing and detection
	TumblingWindowSec int     `env:"PIPELINE_TUMBLING_WINDOW_SEC" envDefault:"10"`
	SlidingWindowSec  int     `env:"PIPELINE_SLIDING_WINDOW_SEC" envDefault:"60"`
	AnomalyZThreshold float64 `env:"PIPELINE_ANOMALY_Z_THRESHOLD" envDefault:"3.0"`
	AnomalyWindowSize int     `env:"PIPELINE_ANOMALY_WINDOW_SIZE" envDefault:"100"`
	TrendWindowSize   int     `env:"PIPELINE_TREND_WINDOW_SIZE" envDefault:"60"`

	// Broadcast
	WSThrottleMs int `env:"PIPELINE_WS_THROTTLE_MS" envDefault:"100"`

	// Topics
	TopicIotRaw      string `env:"PIPELINE_TOPIC_IOT_RAW" envDefault:"iot.sensors.raw"`
	TopicActivityRaw string `env:"PIPELINE_TOPIC_ACTIVITY_RAW" envDefault:"activity.events.raw"`
	TopicDLQ         string `env:"PIPELINE_TOPIC_DLQ" envDefault:"pipeline.dlq"`

	// Logging
	LogLevel  string `env:"PIPELINE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PIPELINE_LOG_FORMAT" envDefault:"json"`

	// Broadcast transport
	WSAddr string `env:"PIPELINE_WS_ADDR" envDefault:":8090"`

	Environment string `env:"PIPELINE_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: real env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for out-of-range or nonsensical values.
func (c *Config) Validate() error {
	if c.TumblingWindowSec <= 0 {
		return fmt.Errorf("PIPELINE_TUMBLING_WINDOW_SEC must be > 0, got %d", c.TumblingWindowSec)
	}
	if c.SlidingWindowSec <= 0 {
		return fmt.Errorf("PIPELINE_SLIDING_WINDOW_SEC must be > 0, got %d", c.SlidingWindowSec)
	}
	if c.AnomalyWindowSize < 10 {
		return fmt.Errorf("PIPELINE_ANOMALY_WINDOW_SIZE must be >= 10, got %d", c.AnomalyWindowSize)
	}
	if c.TrendWindowSize < 20 {
		return fmt.Errorf("PIPELINE_TREND_WINDOW_SIZE must be >= 20, got %d", c.TrendWindowSize)
	}
	if c.RedisPoolSize < 1 {
		return fmt.Errorf("PIPELINE_REDIS_POOL_SIZE must be > 0, got %d", c.RedisPoolSize)
	}
	if c.RedisPipelineBatch < 1 {
		return fmt.Errorf("PIPELINE_REDIS_PIPELINE_BATCH must be > 0, got %d", c.RedisPipelineBatch)
	}
	validOffsetReset := map[string]bool{"latest": true, "earliest": true}
	if !validOffsetReset[c.KafkaAutoOffsetReset] {
		return fmt.Errorf("PIPELINE_KAFKA_AUTO_OFFSET_RESET must be latest or earliest, got %q", c.KafkaAutoOffsetReset)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("PIPELINE_LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("PIPELINE_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// TumblingWindow returns the configured tumbling interval as a duration.
func (c *Config) TumblingWindow() time.Duration {
	return time.Duration(c.TumblingWindowSec) * time.Second
}

// SlidingWindow returns the configured sliding horizon as a duration.
func (c *Config) SlidingWindow() time.Duration {
	return time.Duration(c.SlidingWindowSec) * time.Second
}

// WSThrottle returns the per-subscriber minimum send interval.
func (c *Config) WSThrottle() time.Duration {
	return time.Duration(c.WSThrottleMs) * time.Millisecond
}

// RedisTSRetention returns the time-series retention horizon.
func (c *Config) RedisTSRetention() time.Duration {
	return time.Duration(c.RedisTSRetentionMs) * time.Millisecond
}

// LogConfig emits the resolved configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("kafka_brokers", c.KafkaBootstrapServers).
		Str("consumer_group", c.KafkaConsumerGroup).
		Str("auto_offset_reset", c.KafkaAutoOffsetReset).
		Int("max_poll_records", c.KafkaMaxPollRecords).
		Str("redis_url", c.RedisURL).
		Int("redis_pool_size", c.RedisPoolSize).
		Int("redis_pipeline_batch", c.RedisPipelineBatch).
		Int64("redis_ts_retention_ms", c.RedisTSRetentionMs).
		Int("tumbling_window_sec", c.TumblingWindowSec).
		Int("sliding_window_sec", c.SlidingWindowSec).
		Float64("anomaly_z_threshold", c.AnomalyZThreshold).
		Int("anomaly_window_size", c.AnomalyWindowSize).
		Int("ws_throttle_ms", c.WSThrottleMs).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
