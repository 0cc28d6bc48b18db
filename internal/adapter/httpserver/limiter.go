package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTimeout     = 10 * time.Minute
)

// LimitReason describes why a connection was refused admission.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionLimits admits long-lived websocket and SSE connections. It bounds
// the process-wide total, the concurrent connections per IP and the rate of
// new connections per IP.
type ConnectionLimits struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	globalMax int
	perIPMax  int
	total     int
	perIP     map[string]int
	rate      rate.Limit
	burst     int
	limiters  map[string]*rateEntry
	cleanupAt time.Time
}

func NewConnectionLimits(globalMax, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return newConnectionLimits(clockwork.NewRealClock(), globalMax, perIPMax, connectionsPerSecond, burst)
}

func newConnectionLimits(clock clockwork.Clock, globalMax, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	limit := rate.Limit(connectionsPerSecond)
	if connectionsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &ConnectionLimits{
		clock:     clock,
		globalMax: globalMax,
		perIPMax:  perIPMax,
		perIP:     make(map[string]int),
		rate:      limit,
		burst:     burst,
		limiters:  make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// Acquire reserves a slot for ip. The rate check runs first because it is
// the cheapest and does not need a matching Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(limiterCleanupInterval)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}

	if l.globalMax > 0 && l.total >= l.globalMax {
		return false, LimitReasonGlobal
	}
	if l.perIPMax > 0 && l.perIP[ip] >= l.perIPMax {
		return false, LimitReasonPerIP
	}

	l.total++
	l.perIP[ip]++
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total > 0 {
		l.total--
	}
	if count := l.perIP[ip]; count > 1 {
		l.perIP[ip] = count - 1
	} else {
		delete(l.perIP, ip)
	}
}

func (l *ConnectionLimits) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *ConnectionLimits) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

// cleanup drops rate limiters idle for limiterIdleTimeout. Caller holds mu.
func (l *ConnectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTimeout)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
