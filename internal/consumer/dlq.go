package consumer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQEnvelope is the JSON payload written to the dead-letter topic for a
// message that could not be decoded or handled.
type DLQEnvelope struct {
	OriginalTopic string `json:"original_topic"`
	Partition     int32  `json:"partition"`
	Offset        int64  `json:"offset"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	StackTrace    string `json:"stack_trace"`
	FailedAt      int64  `json:"failed_at"`
	// OriginalValue is lowercase hex, not base64, despite the field name
	// matching the source system's convention.
	OriginalValue *string `json:"original_value_b64"`
}

// KafkaDLQ publishes dead-letter envelopes to the DLQ topic via franz-go.
// Send failures are logged and swallowed: the dead-letter path must never
// block the consumer hot path.
type KafkaDLQ struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewKafkaDLQ builds a dedicated producer client for the DLQ topic.
func NewKafkaDLQ(brokers []string, topic string, logger zerolog.Logger) (*KafkaDLQ, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create dlq producer: %w", err)
	}
	return &KafkaDLQ{client: client, topic: topic, logger: logger, now: time.Now}, nil
}

// Send builds and publishes a DLQEnvelope for msg. Errors are logged, never
// returned as fatal: a DLQ outage must not stall message processing.
func (d *KafkaDLQ) Send(ctx context.Context, msg Message, errType, errMsg, stackTrace string) error {
	var originalValue *string
	if msg.Value != nil {
		encoded := hex.EncodeToString(msg.Value)
		originalValue = &encoded
	}

	envelope := DLQEnvelope{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		ErrorType:     errType,
		ErrorMessage:  errMsg,
		StackTrace:    stackTrace,
		FailedAt:      d.now().UnixMilli(),
		OriginalValue: originalValue,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to marshal dlq envelope")
		return nil
	}

	rec := &kgo.Record{Topic: d.topic, Key: []byte(msg.Key), Value: payload}
	result := d.client.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		d.logger.Error().Err(err).Str("topic", d.topic).Msg("dlq publish failed")
	}
	return nil
}

// Close flushes outstanding DLQ writes with a bounded timeout, then closes
// the producer.
func (d *KafkaDLQ) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Flush(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("dlq flush timed out")
	}
	d.client.Close()
	return nil
}
