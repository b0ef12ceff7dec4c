package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxAlerts bounds the alerts:anomalies list.
const maxAlerts = 100

// MetricsCache implements the latest-value hashes, bounded alert list,
// purchase leaderboard, and dashboard pub/sub channel. Every operation is
// routed through Client.ExecuteWithRetry so it shares the breaker/retry
// behavior of the rest of the storage layer.
type MetricsCache struct {
	client *Client
}

// NewMetricsCache builds a cache bound to client.
func NewMetricsCache(client *Client) *MetricsCache {
	return &MetricsCache{client: client}
}

// SetIotLatest updates metrics:iot:latest[deviceID] with the given reading.
func (c *MetricsCache) SetIotLatest(ctx context.Context, deviceID string, reading any) error {
	return c.setLatest(ctx, "metrics:iot:latest", deviceID, reading)
}

// SetActivityLatest updates metrics:activity:latest[eventType] with the
// given aggregate snapshot.
func (c *MetricsCache) SetActivityLatest(ctx context.Context, eventType string, snapshot any) error {
	return c.setLatest(ctx, "metrics:activity:latest", eventType, snapshot)
}

func (c *MetricsCache) setLatest(ctx context.Context, key, field string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal latest value: %w", err)
	}
	return c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		if err := store.HSet(ctx, key, field, string(payload)); err != nil {
			return WrapConnError(err)
		}
		return nil
	})
}

// GetIotLatest returns the decoded metrics:iot:latest hash, keyed by device_id.
func (c *MetricsCache) GetIotLatest(ctx context.Context) (map[string]json.RawMessage, error) {
	return c.getLatest(ctx, "metrics:iot:latest")
}

// GetActivityLatest returns the decoded metrics:activity:latest hash, keyed
// by event_type.
func (c *MetricsCache) GetActivityLatest(ctx context.Context) (map[string]json.RawMessage, error) {
	return c.getLatest(ctx, "metrics:activity:latest")
}

func (c *MetricsCache) getLatest(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		raw, err := store.HGetAll(ctx, key)
		if err != nil {
			return WrapConnError(err)
		}
		out = make(map[string]json.RawMessage, len(raw))
		for field, value := range raw {
			out[field] = json.RawMessage(value)
		}
		return nil
	})
	return out, err
}

// PushAlert prepends an anomaly alert to alerts:anomalies and trims it to
// the most recent maxAlerts entries, atomically via a single pipeline.
func (c *MetricsCache) PushAlert(ctx context.Context, alert any) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		pipe := store.Pipeline()
		pipe.LPush("alerts:anomalies", string(payload))
		pipe.LTrim("alerts:anomalies", 0, maxAlerts-1)
		if err := pipe.Exec(ctx); err != nil {
			return WrapConnError(err)
		}
		return nil
	})
}

// GetAlerts returns up to limit most-recent anomaly alerts, newest first.
func (c *MetricsCache) GetAlerts(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		raw, err := store.LRange(ctx, "alerts:anomalies", 0, limit-1)
		if err != nil {
			return WrapConnError(err)
		}
		out = make([]json.RawMessage, len(raw))
		for i, r := range raw {
			out[i] = json.RawMessage(r)
		}
		return nil
	})
	return out, err
}

// IncrPurchaseRank increments page's purchase total in
// rank:activity:purchases by amount.
func (c *MetricsCache) IncrPurchaseRank(ctx context.Context, page string, amount float64) error {
	return c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		if err := store.ZIncrBy(ctx, "rank:activity:purchases", amount, page); err != nil {
			return WrapConnError(err)
		}
		return nil
	})
}

// RankEntry is one leaderboard row: a page and its purchase total.
type RankEntry struct {
	Page  string  `json:"page"`
	Total float64 `json:"total"`
}

// GetPurchaseLeaderboard returns the top-N pages by total purchase amount.
func (c *MetricsCache) GetPurchaseLeaderboard(ctx context.Context, topN int64) ([]RankEntry, error) {
	var out []RankEntry
	err := c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		raw, err := store.ZRevRange(ctx, "rank:activity:purchases", 0, topN-1)
		if err != nil {
			return WrapConnError(err)
		}
		out = make([]RankEntry, len(raw))
		for i, sm := range raw {
			out[i] = RankEntry{Page: sm.Member, Total: sm.Score}
		}
		return nil
	})
	return out, err
}

// PublishDashboardUpdate publishes payload on channel:dashboard_updates for
// the broadcast bridge to relay to connected websocket clients.
func (c *MetricsCache) PublishDashboardUpdate(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dashboard update: %w", err)
	}
	return c.client.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		if err := store.Publish(ctx, "channel:dashboard_updates", string(data)); err != nil {
			return WrapConnError(err)
		}
		return nil
	})
}
