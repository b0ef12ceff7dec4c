package storage

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

// formatScore renders a score bound for ZRANGEBYSCORE-family commands,
// using Redis's own -inf/+inf spelling at the extremes.
func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return fmt.Sprintf("%f", v)
	}
}

// RedisStore implements KVStore on top of github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials a Redis connection pool from a redis:// URL.
func NewRedisStore(url string, poolSize int) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = poolSize
	return &RedisStore{client: redis.NewClient(opt)}, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key, value string) error {
	return s.client.LPush(ctx, key, value).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) error {
	return s.client.ZIncrBy(ctx, key, increment, member).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	raw, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(raw), nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	raw, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(raw), nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (PubSub, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return &redisPubSub{sub: sub, ch: out}, nil
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.Pipeline()}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toScoredMembers(raw []redis.Z) []ScoredMember {
	out := make([]ScoredMember, len(raw))
	for i, z := range raw {
		member, _ := z.Member.(string)
		out[i] = ScoredMember{Member: member, Score: z.Score}
	}
	return out
}

type redisPubSub struct {
	sub *redis.PubSub
	ch  chan string
}

func (p *redisPubSub) Channel() <-chan string { return p.ch }
func (p *redisPubSub) Close() error           { return p.sub.Close() }

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) ZRemRangeByScore(key string, min, max float64) {
	p.pipe.ZRemRangeByScore(context.Background(), key, formatScore(min), formatScore(max))
}

func (p *redisPipeline) LPush(key, value string) {
	p.pipe.LPush(context.Background(), key, value)
}

func (p *redisPipeline) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}
