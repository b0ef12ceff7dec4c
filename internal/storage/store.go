package storage

import "context"

// KVStore abstracts the minimal Redis-equivalent surface the pipeline
// needs, so production code can run against go-redis while tests inject an
// in-memory fake. Per the design notes, this covers hashes, lists, sorted
// sets, pub/sub, pipelining, and liveness.
type KVStore interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZIncrBy(ctx context.Context, key string, increment float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (PubSub, error)

	// Scan advances a cursor-based key scan matching pattern, returning the
	// next cursor (0 once exhausted). Used only for the approximate,
	// off-hot-path key-count query.
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, nextCursor uint64, err error)

	// Pipeline returns a batch handle that buffers ZAdd/ZRemRangeByScore/
	// LPush/LTrim calls and executes them in one round trip on Exec.
	Pipeline() Pipeline

	Ping(ctx context.Context) error
	Close() error
}

// ScoredMember is a sorted-set member with its score, as returned by
// range/reverse-range queries.
type ScoredMember struct {
	Member string
	Score  float64
}

// Pipeline batches writes for a single round trip, mirroring the Redis
// pipeline primitive the design notes call out.
type Pipeline interface {
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64)
	LPush(key, value string)
	LTrim(key string, start, stop int64)
	Exec(ctx context.Context) error
}

// PubSub is a live subscription to a single channel.
type PubSub interface {
	// Channel returns a stream of raw message payloads. Closed when the
	// subscription is torn down.
	Channel() <-chan string
	Close() error
}
