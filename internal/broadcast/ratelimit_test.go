package broadcast

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectionRateLimiter_AllowsWithinBurst(t *testing.T) {
	l := NewConnectionRateLimiter(100, 10, 100, 5, zerolog.Nop())
	defer l.Close()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1:5000") {
			t.Fatalf("expected connection %d within per-ip burst to be allowed", i)
		}
	}
}

func TestConnectionRateLimiter_RejectsPastPerIPBurst(t *testing.T) {
	l := NewConnectionRateLimiter(1000, 1000, 0.001, 2, zerolog.Nop())
	defer l.Close()

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.2:1") {
			t.Fatalf("expected connection %d within burst to be allowed", i)
		}
	}
	if l.Allow("10.0.0.2:1") {
		t.Fatal("expected third rapid connection from same ip to be rejected")
	}
}

func TestConnectionRateLimiter_DifferentIPsTrackedSeparately(t *testing.T) {
	l := NewConnectionRateLimiter(1000, 1000, 0.001, 1, zerolog.Nop())
	defer l.Close()

	if !l.Allow("10.0.0.3:1") {
		t.Fatal("expected first connection from ip3 to be allowed")
	}
	if !l.Allow("10.0.0.4:1") {
		t.Fatal("expected first connection from a different ip to be allowed independently")
	}
}

func TestConnectionRateLimiter_RejectsPastGlobalBurst(t *testing.T) {
	l := NewConnectionRateLimiter(0.001, 1, 1000, 1000, zerolog.Nop())
	defer l.Close()

	if !l.Allow("10.0.0.5:1") {
		t.Fatal("expected first connection within global burst to be allowed")
	}
	if l.Allow("10.0.0.6:1") {
		t.Fatal("expected second connection to be rejected by the global limiter regardless of source ip")
	}
}

func TestConnectionRateLimiter_HostOfStripsPort(t *testing.T) {
	if got := hostOf("192.168.1.1:54321"); got != "192.168.1.1" {
		t.Fatalf("expected host without port, got %q", got)
	}
	if got := hostOf("not-an-addr"); got != "not-an-addr" {
		t.Fatalf("expected fallback to raw string, got %q", got)
	}
}

func TestConnectionRateLimiter_ReapRemovesStaleEntries(t *testing.T) {
	l := NewConnectionRateLimiter(1000, 1000, 1000, 1000, zerolog.Nop())
	defer l.Close()
	l.Allow("10.0.0.7:1")

	l.mu.Lock()
	entry := l.perIP["10.0.0.7"]
	entry.lastSeen = time.Now().Add(-10 * time.Minute)
	l.mu.Unlock()

	l.reap(time.Now())
	l.mu.Lock()
	_, stillPresent := l.perIP["10.0.0.7"]
	l.mu.Unlock()

	if stillPresent {
		t.Fatal("expected stale entry to be reapable once past ttl")
	}
}
