package broadcast

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// connLimiterEntry pairs a per-IP token bucket with its last-seen time so
// stale entries can be reaped.
type connLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionRateLimiter bounds new websocket connection attempts, globally
// and per source IP, protecting the broadcast server from connection
// floods (grounded on the reference rate limiter's two-level design).
type ConnectionRateLimiter struct {
	mu       sync.Mutex
	perIP    map[string]*connLimiterEntry
	ipBurst  int
	ipRate   rate.Limit
	ipTTL    time.Duration
	global   *rate.Limiter
	logger   zerolog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

// NewConnectionRateLimiter builds a limiter allowing globalRate conns/sec
// (burst globalBurst) system-wide, and ipRate conns/sec (burst ipBurst) per
// source IP. Entries idle longer than 5 minutes are reaped every minute.
func NewConnectionRateLimiter(globalRate float64, globalBurst int, ipRate float64, ipBurst int, logger zerolog.Logger) *ConnectionRateLimiter {
	l := &ConnectionRateLimiter{
		perIP:   make(map[string]*connLimiterEntry),
		ipBurst: ipBurst,
		ipRate:  rate.Limit(ipRate),
		ipTTL:   5 * time.Minute,
		global:  rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Allow reports whether a new connection from addr may proceed, checking
// the global bucket before the per-IP bucket.
func (l *ConnectionRateLimiter) Allow(addr string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("addr", addr).Msg("connection rejected: global rate limit exceeded")
		return false
	}

	ip := hostOf(addr)
	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &connLimiterEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	allowed := entry.limiter.Allow()
	l.mu.Unlock()

	if !allowed {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit exceeded")
	}
	return allowed
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (l *ConnectionRateLimiter) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reap(time.Now())
		}
	}
}

// reap deletes per-IP entries not seen within ipTTL of now.
func (l *ConnectionRateLimiter) reap(now time.Time) {
	cutoff := now.Add(-l.ipTTL)
	l.mu.Lock()
	for ip, entry := range l.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
		}
	}
	l.mu.Unlock()
}

// Close stops the reaper goroutine.
func (l *ConnectionRateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
