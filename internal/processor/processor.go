// Package processor wires the consumer, the windowing/anomaly/trend
// engines, and the storage layer together, and runs the periodic flush
// task that publishes dashboard snapshots.
package processor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/aggregator"
	"github.com/streamcore/analytics/internal/anomaly"
	"github.com/streamcore/analytics/internal/consumer"
	"github.com/streamcore/analytics/internal/metrics"
	"github.com/streamcore/analytics/internal/schema"
	"github.com/streamcore/analytics/internal/storage"
	"github.com/streamcore/analytics/internal/trend"
)

// Processor owns the engines and storage facades and exposes the topic
// handlers the consumer dispatches into, plus the periodic flush task.
type Processor struct {
	agg        *aggregator.Aggregator
	detector   *anomaly.Detector
	analyzer   *trend.Analyzer
	tsWriter   *storage.TimeSeriesWriter
	cache      *storage.MetricsCache
	logger     zerolog.Logger
	tumblingSec time.Duration

	now func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Processor bound to the given engines and storage facades.
func New(agg *aggregator.Aggregator, detector *anomaly.Detector, analyzer *trend.Analyzer, tsWriter *storage.TimeSeriesWriter, cache *storage.MetricsCache, tumblingSec time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		agg:         agg,
		detector:    detector,
		analyzer:    analyzer,
		tsWriter:    tsWriter,
		cache:       cache,
		logger:      logger,
		tumblingSec: tumblingSec,
		now:         time.Now,
	}
}

// HandleIotReading implements consumer.Handler for the iot.sensors.raw
// topic: decode, aggregate, anomaly-check, push alerts, write raw sample,
// update the latest-value cache.
func (p *Processor) HandleIotReading(ctx context.Context, msg consumer.Message) error {
	reading, err := schema.DecodeSensorReading(msg.Value)
	if err != nil {
		return consumer.NewDecodeError(err)
	}

	ts := time.UnixMilli(int64(reading.Timestamp))
	aggKey := fmt.Sprintf("iot:%s:%s", reading.SensorType, reading.DeviceID)

	p.agg.Add(aggKey, reading.Value, ts)

	if event, fired := p.detector.Check(aggKey, reading.Value, ts); fired {
		metrics.AnomaliesDetected.WithLabelValues(string(event.Severity)).Inc()
		if err := p.cache.PushAlert(ctx, event); err != nil {
			p.logger.Error().Err(err).Str("key", aggKey).Msg("failed to push anomaly alert")
		}
	}

	p.analyzer.Add(aggKey, reading.Value, ts)

	if err := p.tsWriter.Write(ctx, aggKey, reading.Timestamp, reading); err != nil {
		p.logger.Error().Err(err).Str("key", aggKey).Msg("time-series write failed")
	}

	if err := p.cache.SetIotLatest(ctx, reading.DeviceID, reading); err != nil {
		p.logger.Error().Err(err).Str("device_id", reading.DeviceID).Msg("latest cache update failed")
	}

	return nil
}

// HandleActivityEvent implements consumer.Handler for the
// activity.events.raw topic: decode, count-aggregate, purchase-leaderboard
// update, write raw sample, update the latest-value cache.
func (p *Processor) HandleActivityEvent(ctx context.Context, msg consumer.Message) error {
	event, err := schema.DecodeActivityEvent(msg.Value)
	if err != nil {
		return consumer.NewDecodeError(err)
	}

	ts := time.UnixMilli(int64(event.Timestamp))
	aggKey := fmt.Sprintf("activity:%s", event.EventType)

	// count() must observe this sample: add() happens-before the query
	// below by construction (both run on this goroutine, in this order).
	p.agg.Add(aggKey, 1.0, ts)

	if event.EventType == schema.EventPurchase && event.Value != nil {
		if err := p.cache.IncrPurchaseRank(ctx, event.Page, *event.Value); err != nil {
			p.logger.Error().Err(err).Str("page", event.Page).Msg("purchase leaderboard update failed")
		}
	}

	if err := p.tsWriter.Write(ctx, aggKey, event.Timestamp, event); err != nil {
		p.logger.Error().Err(err).Str("key", aggKey).Msg("time-series write failed")
	}

	count := 0
	if result, ok := p.agg.QuerySliding(aggKey); ok {
		count = result.Count
	}
	snapshot := map[string]any{
		"event_type": event.EventType,
		"count":      count,
		"timestamp":  event.Timestamp,
	}
	if err := p.cache.SetActivityLatest(ctx, string(event.EventType), snapshot); err != nil {
		p.logger.Error().Err(err).Str("event_type", string(event.EventType)).Msg("latest cache update failed")
	}

	return nil
}

// Run starts the periodic flush task, ticking every tumbling-window
// interval until Stop is called or ctx is canceled. Each tick is
// best-effort: failures are logged and swallowed so the loop never dies.
func (p *Processor) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()
	defer close(p.done)

	ticker := time.NewTicker(p.tumblingSec)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushTick(ctx)
		}
	}
}

func (p *Processor) flushTick(ctx context.Context) {
	start := p.now()
	defer func() {
		metrics.FlushDuration.Observe(p.now().Sub(start).Seconds())
		if rec := recover(); rec != nil {
			p.logger.Error().Interface("panic", rec).Msg("flush tick panicked, continuing")
		}
	}()

	tumbling := p.agg.FlushTumbling()
	sliding := p.agg.GetAllSliding()
	trends := p.analyzer.GetAllTrends()

	if err := p.tsWriter.Flush(ctx); err != nil {
		p.logger.Error().Err(err).Msg("pending time-series flush failed")
	}

	snapshot := buildSnapshot(p.now(), tumbling, sliding, trends)
	if err := p.cache.PublishDashboardUpdate(ctx, snapshot); err != nil {
		p.logger.Error().Err(err).Msg("dashboard snapshot publish failed")
	}
}

// Stop signals the flush task to exit after the in-flight tick and blocks
// until it has.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

type tumblingSnapshot struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P99   float64 `json:"p99"`
}

type slidingSnapshot struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type trendSnapshot struct {
	Key        string  `json:"key"`
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Confidence float64 `json:"confidence"`
}

func buildSnapshot(now time.Time, tumbling, sliding []aggregator.Result, trends []trend.Result) map[string]any {
	tumblingOut := make([]tumblingSnapshot, len(tumbling))
	for i, r := range tumbling {
		tumblingOut[i] = tumblingSnapshot{
			Key: r.Key, Count: r.Count,
			Avg: round3(r.Avg), Min: round3(r.Min), Max: round3(r.Max), P99: round3(r.P99),
		}
	}
	slidingOut := make([]slidingSnapshot, len(sliding))
	for i, r := range sliding {
		slidingOut[i] = slidingSnapshot{
			Key: r.Key, Count: r.Count,
			Avg: round3(r.Avg), Min: round3(r.Min), Max: round3(r.Max),
		}
	}
	trendsOut := make([]trendSnapshot, len(trends))
	for i, r := range trends {
		trendsOut[i] = trendSnapshot{
			Key: r.Key, Direction: string(r.Direction), Slope: r.Slope, Confidence: r.Confidence,
		}
	}

	return map[string]any{
		"type":      "window_flush",
		"timestamp": now.UnixMilli(),
		"tumbling":  tumblingOut,
		"sliding":   slidingOut,
		"trends":    trendsOut,
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
