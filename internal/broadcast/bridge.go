package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/storage"
)

// reconnectDelay is the fixed backoff between subscribe attempts after a
// pub/sub failure.
const reconnectDelay = 2 * time.Second

// Bridge relays channel:dashboard_updates messages from the storage layer's
// pub/sub into the broadcast manager, reconnecting on failure.
type Bridge struct {
	store   storage.KVStore
	manager *Manager
	logger  zerolog.Logger
}

// NewBridge builds a Bridge wired to a live KVStore and broadcast Manager.
func NewBridge(store storage.KVStore, manager *Manager, logger zerolog.Logger) *Bridge {
	return &Bridge{store: store, manager: manager, logger: logger}
}

// Run subscribes and relays until ctx is canceled, reconnecting on any
// subscribe or stream failure with a fixed backoff.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := b.runOnce(ctx); err != nil {
			b.logger.Error().Err(err).Msg("dashboard pub/sub bridge failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bridge) runOnce(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, "channel:dashboard_updates")
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			b.relay(payload)
		}
	}
}

func (b *Bridge) relay(payload string) {
	var data any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode dashboard update payload")
		return
	}
	b.manager.Broadcast("metrics", data)
}
