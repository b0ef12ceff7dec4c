package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/storage"
)

type fakePubSub struct {
	ch chan string
}

func (p *fakePubSub) Channel() <-chan string { return p.ch }
func (p *fakePubSub) Close() error           { close(p.ch); return nil }

type fakeBridgeStore struct {
	storage.KVStore
	sub *fakePubSub
}

func (f *fakeBridgeStore) Subscribe(ctx context.Context, channel string) (storage.PubSub, error) {
	return f.sub, nil
}

func TestBridge_RelaysDecodedPayload(t *testing.T) {
	ch := make(chan string, 1)
	store := &fakeBridgeStore{sub: &fakePubSub{ch: ch}}
	manager := NewManager(0, zerolog.Nop())
	sender := &fakeSender{}
	manager.Connect("c1", sender)
	manager.UpdateFilters("c1", []string{"metrics"})

	bridge := NewBridge(store, manager, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	ch <- `{"type":"window_flush"}`
	go bridge.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("expected 1 relayed broadcast, got %d", sender.count())
	}
}
