// Package broadcast fans dashboard snapshots out to connected websocket
// subscribers, throttled per-subscriber and filtered by channel.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/metrics"
)

// defaultChannels is the filter set a subscriber gets if it never
// customizes one.
var defaultChannels = map[string]struct{}{
	"iot": {}, "activity": {}, "alerts": {}, "trends": {},
}

// Sender is a transport handle capable of pushing one frame to a client.
// The websocket transport and test doubles both implement this.
type Sender interface {
	Send(payload []byte) error
}

// subscriber tracks one connected client's transport, channel filters, and
// throttle state.
type subscriber struct {
	mu       sync.Mutex
	sender   Sender
	filters  map[string]struct{}
	lastSend time.Time
}

// Manager maintains the subscriber set and dispatches throttled,
// filtered broadcasts.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	throttle    time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewManager builds a Manager with the given per-subscriber throttle
// interval, used as given (the configuration default is 100ms; 0 disables
// throttling).
func NewManager(throttle time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		subscribers: make(map[string]*subscriber),
		throttle:    throttle,
		logger:      logger,
		now:         time.Now,
	}
}

// Connect registers a new subscriber with the default channel filter set.
func (m *Manager) Connect(id string, sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filters := make(map[string]struct{}, len(defaultChannels))
	for c := range defaultChannels {
		filters[c] = struct{}{}
	}
	m.subscribers[id] = &subscriber{sender: sender, filters: filters}
	metrics.ActiveSubscribers.Set(float64(len(m.subscribers)))
}

// Disconnect removes a subscriber.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
	metrics.ActiveSubscribers.Set(float64(len(m.subscribers)))
}

// UpdateFilters replaces a subscriber's channel filter set.
func (m *Manager) UpdateFilters(id string, channels []string) {
	m.mu.RLock()
	sub, ok := m.subscribers[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	filters := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		filters[c] = struct{}{}
	}
	sub.mu.Lock()
	sub.filters = filters
	sub.mu.Unlock()
}

// broadcastEnvelope is the wire frame sent to each subscriber.
type broadcastEnvelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Broadcast serializes payload once and dispatches it to every subscriber
// whose filter set includes channel and whose throttle window has elapsed,
// concurrently, isolating per-subscriber send failures.
func (m *Manager) Broadcast(channel string, payload any) {
	frame, err := json.Marshal(broadcastEnvelope{Channel: channel, Data: payload})
	if err != nil {
		m.logger.Error().Err(err).Str("channel", channel).Msg("failed to serialize broadcast frame")
		return
	}

	m.mu.RLock()
	subs := make([]*subscriber, 0, len(m.subscribers))
	ids := make([]string, 0, len(m.subscribers))
	for id, sub := range m.subscribers {
		subs = append(subs, sub)
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	var wg sync.WaitGroup
	for i, sub := range subs {
		id := ids[i]
		sub.mu.Lock()
		_, subscribed := sub.filters[channel]
		throttled := now.Sub(sub.lastSend) < m.throttle
		if subscribed && !throttled {
			sub.lastSend = now
		}
		sub.mu.Unlock()

		if !subscribed || throttled {
			continue
		}

		wg.Add(1)
		go func(id string, sub *subscriber) {
			defer wg.Done()
			if err := sub.sender.Send(frame); err != nil {
				m.logger.Warn().Err(err).Str("subscriber", id).Msg("broadcast send failed, dropping subscriber")
				metrics.BroadcastDrops.Inc()
				m.Disconnect(id)
			}
		}(id, sub)
	}
	wg.Wait()
}

// Count returns the number of connected subscribers (test/metrics hook).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}
