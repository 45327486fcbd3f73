package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTimeout     = 30 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (typically per-IP) rate limiting
// using a token bucket. Idle entries are swept periodically so the map
// does not grow without bound.
type RateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	logger   *slog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond
// sustained requests with the given burst per identifier, and starts
// the background sweep.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from the identifier is within limits.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[identifier]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[identifier] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	cutoff := time.Now().Add(-defaultIdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, entry := range rl.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.entries, id)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}
