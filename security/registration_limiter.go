package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRegistrationsPerWindow caps client registrations per IP
	// within the sliding window.
	DefaultRegistrationsPerWindow = 10

	// DefaultRegistrationWindow is the sliding window length.
	DefaultRegistrationWindow = time.Hour

	// defaultRegistrationMaxIPs bounds the number of tracked IPs.
	defaultRegistrationMaxIPs = 10000

	registrationCleanupInterval = 15 * time.Minute
)

type registrationRecord struct {
	ip       string
	attempts []time.Time
	lastSeen time.Time
}

// RegistrationLimiter rate-limits dynamic client registration per IP
// with a sliding window. Tracked IPs are bounded by LRU eviction so an
// address-spraying attacker cannot grow memory without limit.
type RegistrationLimiter struct {
	mu        sync.Mutex
	byIP      map[string]*list.Element
	lru       *list.List
	perWindow int
	window    time.Duration
	maxIPs    int
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistrationLimiter creates a limiter allowing perWindow
// registrations per IP within window. Non-positive arguments fall back
// to the defaults.
func NewRegistrationLimiter(perWindow int, window time.Duration, logger *slog.Logger) *RegistrationLimiter {
	if perWindow <= 0 {
		perWindow = DefaultRegistrationsPerWindow
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &RegistrationLimiter{
		byIP:      make(map[string]*list.Element),
		lru:       list.New(),
		perWindow: perWindow,
		window:    window,
		maxIPs:    defaultRegistrationMaxIPs,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a registration from ip may proceed and, if so,
// counts it against the window.
func (l *RegistrationLimiter) Allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.byIP[ip]
	if !ok {
		if len(l.byIP) >= l.maxIPs {
			l.evictOldest()
		}
		rec := &registrationRecord{ip: ip, attempts: []time.Time{now}, lastSeen: now}
		l.byIP[ip] = l.lru.PushFront(rec)
		return true
	}

	l.lru.MoveToFront(elem)
	rec := elem.Value.(*registrationRecord)
	rec.lastSeen = now

	n := 0
	for _, t := range rec.attempts {
		if t.After(cutoff) {
			rec.attempts[n] = t
			n++
		}
	}
	rec.attempts = rec.attempts[:n]

	if len(rec.attempts) >= l.perWindow {
		l.logger.Warn("client registration rate limit exceeded",
			"ip", ip,
			"attempts", len(rec.attempts),
			"window", l.window)
		return false
	}
	rec.attempts = append(rec.attempts, now)
	return true
}

func (l *RegistrationLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	rec := elem.Value.(*registrationRecord)
	delete(l.byIP, rec.ip)
	l.lru.Remove(elem)
}

func (l *RegistrationLimiter) cleanupLoop() {
	ticker := time.NewTicker(registrationCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.stop:
			return
		}
	}
}

// removeIdle drops IPs not seen for two full windows.
func (l *RegistrationLimiter) removeIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-2 * l.window)
	var next *list.Element
	for elem := l.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		rec := elem.Value.(*registrationRecord)
		if rec.lastSeen.Before(cutoff) {
			delete(l.byIP, rec.ip)
			l.lru.Remove(elem)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *RegistrationLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
