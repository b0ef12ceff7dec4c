// Package consumer implements the durable message-bus consumer: manual
// offset commits, per-partition strict-FIFO handler dispatch, and routing
// of decode/handler failures to the dead-letter sink.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/metrics"
)

// DecodeError marks a handler failure as a wire-decode failure rather than
// a downstream processing failure, so the dead-letter envelope's
// error_type reflects which stage failed.
type DecodeError struct{ err error }

func (e *DecodeError) Error() string { return e.err.Error() }
func (e *DecodeError) Unwrap() error { return e.err }

// NewDecodeError wraps a wire-decode failure for DLQ routing.
func NewDecodeError(err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{err: err}
}

// Message is one decoded-or-not record pulled off the bus.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
}

// Batch groups messages by partition, preserving arrival order within each
// partition: strict FIFO per partition, unordered across partitions.
type Batch struct {
	ByPartition map[int32][]Message
}

// BusConsumer abstracts the message-bus client so production code runs
// against franz-go while tests inject a mock, per the design notes.
type BusConsumer interface {
	Poll(ctx context.Context, timeout time.Duration) (Batch, error)
	Commit(ctx context.Context) error
	Close() error
}

// Handler processes one decoded message. A non-nil error routes the
// message to the dead-letter sink; processing continues with the next
// message: no abort on handler or decode failure.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterSink receives an envelope for any message that could not be
// decoded or handled.
type DeadLetterSink interface {
	Send(ctx context.Context, msg Message, errType, errMsg, stackTrace string) error
}

// Runner drives the poll/dispatch/commit loop until Stop is called.
type Runner struct {
	bus      BusConsumer
	dlq      DeadLetterSink
	handlers map[string]Handler
	logger   zerolog.Logger

	pollTimeout time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRunner builds a Runner dispatching by topic to the given handlers.
func NewRunner(bus BusConsumer, dlq DeadLetterSink, handlers map[string]Handler, logger zerolog.Logger) *Runner {
	return &Runner{
		bus:         bus,
		dlq:         dlq,
		handlers:    handlers,
		logger:      logger,
		pollTimeout: 500 * time.Millisecond,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run polls in a loop, dispatching each partition's messages in strict
// arrival order, until Stop is called or ctx is canceled. The stop flag is
// only observed between polls, so a stop never drains an in-flight batch
// halfway.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		batch, err := r.bus.Poll(ctx, r.pollTimeout)
		if err != nil {
			r.logger.Error().Err(err).Msg("poll failed")
			continue
		}
		if len(batch.ByPartition) == 0 {
			continue
		}

		r.dispatchBatch(ctx, batch)

		if err := r.bus.Commit(ctx); err != nil {
			r.logger.Error().Err(err).Msg("offset commit failed, continuing at-least-once")
		}
	}
}

// dispatchBatch invokes handlers synchronously in arrival order within each
// partition. Partitions themselves are processed without cross-partition
// ordering guarantees.
func (r *Runner) dispatchBatch(ctx context.Context, batch Batch) {
	for _, msgs := range batch.ByPartition {
		for _, msg := range msgs {
			r.handleOne(ctx, msg)
		}
	}
}

func (r *Runner) handleOne(ctx context.Context, msg Message) {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		r.logger.Warn().Str("topic", msg.Topic).Msg("no handler registered for topic")
		return
	}

	err, stack := r.safeInvoke(ctx, handler, msg)
	if err == nil {
		metrics.MessagesProcessed.WithLabelValues(msg.Topic).Inc()
		return
	}

	r.logger.Error().
		Err(err).
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("message handling failed, routing to dead-letter sink")

	errType := "handler_error"
	var de *DecodeError
	if errors.As(err, &de) {
		errType = "decode_error"
	}

	metrics.MessagesDeadLettered.WithLabelValues(errType).Inc()
	if dlqErr := r.dlq.Send(ctx, msg, errType, err.Error(), stack); dlqErr != nil {
		r.logger.Error().Err(dlqErr).Msg("dead-letter send failed, dropping")
	}
}

// safeInvoke recovers a panicking handler so one bad message can never take
// down the consumer loop, converting the panic into a DLQ-routable error
// with its stack trace attached.
func (r *Runner) safeInvoke(ctx context.Context, handler Handler, msg Message) (err error, stack string) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
			stack = string(debug.Stack())
		}
	}()
	return handler(ctx, msg), ""
}

// Stop signals the run loop to exit after the current poll/dispatch cycle
// and blocks until it has.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stop)
	<-r.done
}
