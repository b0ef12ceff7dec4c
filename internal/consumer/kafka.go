package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConsumer adapts a franz-go client to the BusConsumer interface,
// consuming with manual offset commits.
type KafkaConsumer struct {
	client  *kgo.Client
	logger  zerolog.Logger
	maxPoll int
}

// KafkaConsumerConfig configures a KafkaConsumer.
type KafkaConsumerConfig struct {
	Brokers        []string
	ConsumerGroup  string
	Topics         []string
	AutoOffsetReset string // "latest" or "earliest"
	MaxPollRecords  int
	Logger          zerolog.Logger
}

// NewKafkaConsumer dials a franz-go client with manual commits, matching
// the durable-consumer contract: no auto-commit, offsets advance only
// after a batch has been dispatched.
func NewKafkaConsumer(cfg KafkaConsumerConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	resetOffset := kgo.NewOffset().AtEnd()
	if cfg.AutoOffsetReset == "earliest" {
		resetOffset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaConsumer{client: client, logger: cfg.Logger, maxPoll: cfg.MaxPollRecords}, nil
}

// Poll fetches the next batch of at most MaxPollRecords records (no cap
// when it is <= 0), grouped by partition in arrival order.
func (k *KafkaConsumer) Poll(ctx context.Context, timeout time.Duration) (Batch, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := k.client.PollRecords(pollCtx, k.maxPoll)
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			if fe.Err == context.DeadlineExceeded || fe.Err == context.Canceled {
				continue
			}
			k.logger.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
		}
	}

	batch := Batch{ByPartition: make(map[int32][]Message)}
	fetches.EachRecord(func(rec *kgo.Record) {
		batch.ByPartition[rec.Partition] = append(batch.ByPartition[rec.Partition], Message{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       string(rec.Key),
			Value:     rec.Value,
		})
	})
	return batch, nil
}

// Commit synchronously commits consumed offsets.
func (k *KafkaConsumer) Commit(ctx context.Context) error {
	return k.client.CommitUncommittedOffsets(ctx)
}

// Close shuts down the underlying client.
func (k *KafkaConsumer) Close() error {
	k.client.Close()
	return nil
}
