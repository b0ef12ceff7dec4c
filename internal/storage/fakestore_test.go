package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
)

// fakeStore is an in-memory KVStore used by tests, per the design notes'
// call to inject mocks rather than requiring a live Redis.
type fakeStore struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	lists    map[string][]string
	zsets    map[string]map[string]float64
	failNext int
	failErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
	}
}

// failNTimes makes the next n operations return err.
func (f *fakeStore) failNTimes(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

func (f *fakeStore) maybeFail() error {
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	return nil
}

func (f *fakeStore) HSet(ctx context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) LPush(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop || len(list) == 0 {
		f.lists[key] = nil
		return nil
	}
	f.lists[key] = append([]string{}, list[start:stop+1]...)
	return nil
}

func (f *fakeStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
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

func (f *fakeStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *fakeStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] += increment
	return nil
}

func (f *fakeStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ScoredMember
	for m, s := range f.zsets[key] {
		if s >= min && s <= max {
			out = append(out, ScoredMember{Member: m, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (f *fakeStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []ScoredMember
	for m, s := range f.zsets[key] {
		all = append(all, ScoredMember{Member: m, Score: s})
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

func (f *fakeStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m, s := range f.zsets[key] {
		if s >= min && s <= max {
			delete(f.zsets[key], m)
		}
	}
	return nil
}

func (f *fakeStore) Publish(ctx context.Context, channel, payload string) error {
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, channel string) (PubSub, error) {
	return nil, errors.New("not supported by fakeStore")
}

// Scan returns every stored key matching match in one call (cursor always
// comes back 0), which is sufficient for exercising GetKeyCount in tests.
func (f *fakeStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor != 0 {
		return nil, 0, nil
	}
	var keys []string
	for k := range f.hashes {
		if ok, _ := filepath.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range f.lists {
		if ok, _ := filepath.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range f.zsets {
		if ok, _ := filepath.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, 0, nil
}

func (f *fakeStore) Pipeline() Pipeline {
	return &fakePipeline{store: f}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.maybeFail()
}

func (f *fakeStore) Close() error { return nil }

type fakeOp func(*fakeStore)

type fakePipeline struct {
	store *fakeStore
	ops   []fakeOp
}

func (p *fakePipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(f *fakeStore) { f.ZAdd(context.Background(), key, score, member) })
}

func (p *fakePipeline) ZRemRangeByScore(key string, min, max float64) {
	p.ops = append(p.ops, func(f *fakeStore) { f.ZRemRangeByScore(context.Background(), key, min, max) })
}

func (p *fakePipeline) LPush(key, value string) {
	p.ops = append(p.ops, func(f *fakeStore) { f.LPush(context.Background(), key, value) })
}

func (p *fakePipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(f *fakeStore) { f.LTrim(context.Background(), key, start, stop) })
}

func (p *fakePipeline) Exec(ctx context.Context) error {
	if err := p.store.maybeFail(); err != nil {
		return err
	}
	for _, op := range p.ops {
		op(p.store)
	}
	return nil
}
