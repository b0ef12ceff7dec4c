// Command processor runs the streaming analytics core: it consumes IoT and
// activity events off the bus, maintains the windowing/anomaly/trend
// engines, persists to the storage layer, and broadcasts dashboard
// snapshots over websocket.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/streamcore/analytics/internal/aggregator"
	"github.com/streamcore/analytics/internal/anomaly"
	"github.com/streamcore/analytics/internal/broadcast"
	"github.com/streamcore/analytics/internal/config"
	"github.com/streamcore/analytics/internal/consumer"
	"github.com/streamcore/analytics/internal/logging"
	"github.com/streamcore/analytics/internal/processor"
	"github.com/streamcore/analytics/internal/resourcemon"
	"github.com/streamcore/analytics/internal/storage"
	"github.com/streamcore/analytics/internal/trend"
)

func main() {
	baseLogger := logging.New("json", "info")

	cfg, err := config.Load(&baseLogger)
	if err != nil {
		baseLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("via automaxprocs, rounds down to integer cores")
	cfg.LogConfig(logger)

	redisStore, err := storage.NewRedisStore(cfg.RedisURL, cfg.RedisPoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	storageClient := storage.NewClient(redisStore, logging.For(logger, "storage"))
	defer storageClient.Close()

	cache := storage.NewMetricsCache(storageClient)
	tsWriter := storage.NewTimeSeriesWriter(storageClient, cfg.RedisPipelineBatch, cfg.RedisTSRetention())

	agg := aggregator.New(cfg.SlidingWindowSec)
	detector := anomaly.New(cfg.AnomalyWindowSize, cfg.AnomalyZThreshold)
	analyzer := trend.New(cfg.TrendWindowSize)

	proc := processor.New(agg, detector, analyzer, tsWriter, cache, cfg.TumblingWindow(), logging.For(logger, "processor"))

	brokers := splitBrokers(cfg.KafkaBootstrapServers)

	bus, err := consumer.NewKafkaConsumer(consumer.KafkaConsumerConfig{
		Brokers:         brokers,
		ConsumerGroup:   cfg.KafkaConsumerGroup,
		Topics:          []string{cfg.TopicIotRaw, cfg.TopicActivityRaw},
		AutoOffsetReset: cfg.KafkaAutoOffsetReset,
		MaxPollRecords:  cfg.KafkaMaxPollRecords,
		Logger:          logging.For(logger, "kafka-consumer"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create kafka consumer")
	}

	dlq, err := consumer.NewKafkaDLQ(brokers, cfg.TopicDLQ, logging.For(logger, "kafka-dlq"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create kafka dlq producer")
	}

	handlers := map[string]consumer.Handler{
		cfg.TopicIotRaw:      proc.HandleIotReading,
		cfg.TopicActivityRaw: proc.HandleActivityEvent,
	}
	runner := consumer.NewRunner(bus, dlq, handlers, logging.For(logger, "consumer"))

	broadcastManager := broadcast.NewManager(cfg.WSThrottle(), logging.For(logger, "broadcast"))
	bridge := broadcast.NewBridge(redisStore, broadcastManager, logging.For(logger, "broadcast-bridge"))
	limiter := broadcast.NewConnectionRateLimiter(50.0, 300, 1.0, 10, logging.For(logger, "ratelimit"))
	wsServer := broadcast.NewServer(broadcastManager, limiter, logging.For(logger, "ws"))

	resMon, err := resourcemon.New(30*time.Second, logging.For(logger, "resourcemon"))
	if err != nil {
		logger.Warn().Err(err).Msg("resource monitor unavailable, continuing without it")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if storageClient.Ping(r.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	httpServer := &http.Server{Addr: cfg.WSAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())

	go runner.Run(ctx)
	go proc.Run(ctx)
	go bridge.Run(ctx)
	if resMon != nil {
		go resMon.Run(ctx)
	}
	go func() {
		logger.Info().Str("addr", cfg.WSAddr).Msg("websocket server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("websocket server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received, draining")
	shutdown(cancel, httpServer, runner, proc, limiter, resMon, dlq, bus, tsWriter, logger)
}

// shutdown runs the graceful teardown sequence: stop accepting new
// connections, stop the consumer loop (no in-flight work is abandoned,
// only unparsed input), stop the flush task, flush any pending
// time-series writes one last time, then release the bus and storage
// handles.
func shutdown(cancel context.CancelFunc, httpServer *http.Server, runner *consumer.Runner, proc *processor.Processor, limiter *broadcast.ConnectionRateLimiter, resMon *resourcemon.Monitor, dlq *consumer.KafkaDLQ, bus consumer.BusConsumer, tsWriter *storage.TimeSeriesWriter, logger zerolog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	runner.Stop()
	proc.Stop()
	if resMon != nil {
		resMon.Stop()
	}
	limiter.Close()
	cancel()

	if err := tsWriter.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final time-series flush failed")
	}
	if err := dlq.Close(); err != nil {
		logger.Error().Err(err).Msg("dlq producer close failed")
	}
	if err := bus.Close(); err != nil {
		logger.Error().Err(err).Msg("consumer close failed")
	}

	logger.Info().Msg("shutdown complete")
}

func splitBrokers(raw string) []string {
	result := make([]string, 0)
	for _, b := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
