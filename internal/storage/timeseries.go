package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// pendingWrite is one buffered time-series sample awaiting flush.
type pendingWrite struct {
	key    string
	ts     float64
	record any
}

// TimeSeriesWriter buffers writes and flushes them as a single pipelined
// round trip once a batch threshold is reached.
type TimeSeriesWriter struct {
	client        *Client
	batchSize     int
	retentionMs   float64
	pending       []pendingWrite
}

// NewTimeSeriesWriter builds a writer with the given batch size and
// retention horizon.
func NewTimeSeriesWriter(client *Client, batchSize int, retention time.Duration) *TimeSeriesWriter {
	return &TimeSeriesWriter{
		client:      client,
		batchSize:   batchSize,
		retentionMs: float64(retention.Milliseconds()),
	}
}

// Write buffers a sample. Auto-flushes once len(pending) >= batchSize.
func (w *TimeSeriesWriter) Write(ctx context.Context, key string, ts float64, record any) error {
	w.pending = append(w.pending, pendingWrite{key: key, ts: ts, record: record})
	if len(w.pending) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush emits every pending write in one pipelined round trip: a ZADD per
// sample, then one ZREMRANGEBYSCORE per distinct key touched, trimming
// entries scored at or below (max_ts_in_batch - retention_ms). The bound is
// inclusive: an entry exactly at that score is removed too.
func (w *TimeSeriesWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil

	return w.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		pipe := store.Pipeline()

		maxTs := make(map[string]float64)
		for _, pw := range batch {
			payload, err := json.Marshal(pw.record)
			if err != nil {
				return fmt.Errorf("marshal time-series record: %w", err)
			}
			tsKey := "ts:" + pw.key
			pipe.ZAdd(tsKey, pw.ts, string(payload))
			if pw.ts > maxTs[tsKey] {
				maxTs[tsKey] = pw.ts
			}
		}
		for tsKey, max := range maxTs {
			pipe.ZRemRangeByScore(tsKey, math.Inf(-1), max-w.retentionMs)
		}
		if err := pipe.Exec(ctx); err != nil {
			return WrapConnError(err)
		}
		return nil
	})
}

// Pending returns the number of buffered-but-unflushed writes (test hook).
func (w *TimeSeriesWriter) Pending() int {
	return len(w.pending)
}

// TimeSeriesReader serves range and latest-value queries over time-series
// data stored as Redis sorted sets.
type TimeSeriesReader struct {
	client *Client
}

// NewTimeSeriesReader builds a reader bound to client.
func NewTimeSeriesReader(client *Client) *TimeSeriesReader {
	return &TimeSeriesReader{client: client}
}

// Point is one decoded time-series sample with its score (timestamp).
type Point struct {
	Timestamp float64
	Data      map[string]any
}

// GetRange queries [start, end] and downsamples deterministically by
// stride when the result exceeds maxPoints (skip, not average).
func (r *TimeSeriesReader) GetRange(ctx context.Context, key string, start, end float64, maxPoints int) ([]Point, error) {
	var out []Point
	err := r.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		raw, err := store.ZRangeByScore(ctx, "ts:"+key, start, end)
		if err != nil {
			return WrapConnError(err)
		}
		points := make([]Point, 0, len(raw))
		for _, sm := range raw {
			var data map[string]any
			if err := json.Unmarshal([]byte(sm.Member), &data); err != nil {
				return fmt.Errorf("unmarshal time-series payload: %w", err)
			}
			data["_timestamp"] = sm.Score
			points = append(points, Point{Timestamp: sm.Score, Data: data})
		}
		if len(points) > maxPoints && maxPoints > 0 {
			stride := len(points) / maxPoints
			downsampled := make([]Point, 0, maxPoints)
			for i := 0; i < len(points); i += stride {
				downsampled = append(downsampled, points[i])
			}
			points = downsampled
		}
		out = points
		return nil
	})
	return out, err
}

// GetKeyCount returns an approximate count of distinct time-series keys
// matching "ts:*", via repeated SCAN. This is racy under concurrent writes
// (a key created or deleted mid-scan may be double-counted or missed) and
// is not used on any hot path; it exists only for diagnostic/debug queries.
func (r *TimeSeriesReader) GetKeyCount(ctx context.Context) (int, error) {
	count := 0
	err := r.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		var cursor uint64
		for {
			keys, next, err := store.Scan(ctx, cursor, "ts:*", 100)
			if err != nil {
				return WrapConnError(err)
			}
			count += len(keys)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return count, err
}

// GetLatest returns the single most recent sample for key, or nil if none.
func (r *TimeSeriesReader) GetLatest(ctx context.Context, key string) (*Point, error) {
	var out *Point
	err := r.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		raw, err := store.ZRevRange(ctx, "ts:"+key, 0, 0)
		if err != nil {
			return WrapConnError(err)
		}
		if len(raw) == 0 {
			return nil
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw[0].Member), &data); err != nil {
			return fmt.Errorf("unmarshal time-series payload: %w", err)
		}
		data["_timestamp"] = raw[0].Score
		out = &Point{Timestamp: raw[0].Score, Data: data}
		return nil
	})
	return out, err
}
