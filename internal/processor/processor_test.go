package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/aggregator"
	"github.com/streamcore/analytics/internal/anomaly"
	"github.com/streamcore/analytics/internal/consumer"
	"github.com/streamcore/analytics/internal/schema"
	"github.com/streamcore/analytics/internal/storage"
	"github.com/streamcore/analytics/internal/trend"
)

// memStore is a minimal in-memory storage.KVStore for processor tests.
type memStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	lists  map[string][]string
	zsets  map[string]map[string]float64
	pubs   []string
}

func newMemStore() *memStore {
	return &memStore{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (m *memStore) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
	return nil
}

func (m *memStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *memStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop || len(list) == 0 {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([]string{}, list[start:stop+1]...)
	return nil
}

func (m *memStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if stop >= int64(len(list)) || stop < 0 {
		stop = int64(len(list)) - 1
	}
	if start > stop || len(list) == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *memStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

func (m *memStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] += increment
	return nil
}

func (m *memStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]storage.ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ScoredMember
	for mem, s := range m.zsets[key] {
		if s >= min && s <= max {
			out = append(out, storage.ScoredMember{Member: mem, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (m *memStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]storage.ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []storage.ScoredMember
	for mem, s := range m.zsets[key] {
		all = append(all, storage.ScoredMember{Member: mem, Score: s})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if stop >= int64(len(all)) || stop < 0 {
		stop = int64(len(all)) - 1
	}
	if start > stop || len(all) == 0 {
		return nil, nil
	}
	return all[start : stop+1], nil
}

func (m *memStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mem, s := range m.zsets[key] {
		if s >= min && s <= max {
			delete(m.zsets[key], mem)
		}
	}
	return nil
}

func (m *memStore) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubs = append(m.pubs, payload)
	return nil
}

func (m *memStore) Subscribe(ctx context.Context, channel string) (storage.PubSub, error) {
	return nil, nil
}

func (m *memStore) Pipeline() storage.Pipeline {
	return &memPipeline{store: m}
}

func (m *memStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return nil, 0, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

type memPipeline struct {
	store *memStore
	ops   []func(*memStore)
}

func (p *memPipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(m *memStore) { m.ZAdd(context.Background(), key, score, member) })
}
func (p *memPipeline) ZRemRangeByScore(key string, min, max float64) {
	p.ops = append(p.ops, func(m *memStore) { m.ZRemRangeByScore(context.Background(), key, min, max) })
}
func (p *memPipeline) LPush(key, value string) {
	p.ops = append(p.ops, func(m *memStore) { m.LPush(context.Background(), key, value) })
}
func (p *memPipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(m *memStore) { m.LTrim(context.Background(), key, start, stop) })
}
func (p *memPipeline) Exec(ctx context.Context) error {
	for _, op := range p.ops {
		op(p.store)
	}
	return nil
}

func newTestProcessor(store *memStore) *Processor {
	client := storage.NewClient(store, zerolog.Nop())
	agg := aggregator.New(60)
	detector := anomaly.New(10, 3.0)
	analyzer := trend.New(20)
	tsWriter := storage.NewTimeSeriesWriter(client, 50, time.Hour)
	cache := storage.NewMetricsCache(client)
	return New(agg, detector, analyzer, tsWriter, cache, 10*time.Second, zerolog.Nop())
}

func float64Ptr(v float64) *float64 { return &v }

func TestHandleIotReading_UpdatesAggregateAndCache(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	reading := schema.SensorReading{
		DeviceID: "dev1", SensorType: schema.SensorTemperature,
		Value: 21.5, Unit: "C", Timestamp: 1000, Location: "room1",
	}
	payload, err := schema.EncodeSensorReading(&reading)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := p.HandleIotReading(ctx, consumer.Message{Topic: "iot.sensors.raw", Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, ok := store.hashes["metrics:iot:latest"]["dev1"]; !ok {
		t.Fatal("expected latest cache entry for dev1")
	}

	result, ok := p.agg.QuerySliding("iot:temperature:dev1")
	if !ok || result.Count != 1 {
		t.Fatalf("expected sliding window with 1 sample, got %+v ok=%v", result, ok)
	}
}

func TestHandleIotReading_DecodeErrorRoutedAsDecodeError(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store)

	err := p.HandleIotReading(context.Background(), consumer.Message{Topic: "iot.sensors.raw", Value: []byte("not msgpack")})
	if err == nil {
		t.Fatal("expected decode error")
	}
	var de *consumer.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected wrapped decode error, got %v", err)
	}
}

func TestHandleActivityEvent_PurchaseUpdatesLeaderboard(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	event := schema.ActivityEvent{
		SessionID: "s1", UserID: "u1", EventType: schema.EventPurchase,
		Page: "checkout", Value: float64Ptr(49.99), Timestamp: 1000,
	}
	payload, err := schema.EncodeActivityEvent(&event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := p.HandleActivityEvent(ctx, consumer.Message{Topic: "activity.events.raw", Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if store.zsets["rank:activity:purchases"]["checkout"] != 49.99 {
		t.Fatalf("expected leaderboard entry for checkout, got %v", store.zsets["rank:activity:purchases"])
	}

	raw, ok := store.hashes["metrics:activity:latest"]["purchase"]
	if !ok {
		t.Fatal("expected latest cache entry for purchase")
	}
	if raw == "" {
		t.Fatal("expected non-empty latest cache payload")
	}
}

func TestFlushTick_PublishesSnapshot(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	p.agg.Add("iot:temperature:dev1", 10, time.Now())
	p.agg.Add("iot:temperature:dev1", 20, time.Now())

	p.flushTick(ctx)

	if len(store.pubs) != 1 {
		t.Fatalf("expected 1 dashboard publish, got %d", len(store.pubs))
	}
}
