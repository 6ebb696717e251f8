package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTrackedIdentifiers bounds the number of token buckets kept in
	// memory. Without a bound, a distributed attack with unique source IPs
	// grows the map until the process dies.
	defaultMaxTrackedIdentifiers = 10000

	// sweepInterval is how often idle buckets are reclaimed
	sweepInterval = 5 * time.Minute

	// bucketIdleTimeout is how long a bucket may sit unused before the sweep
	// reclaims it
	bucketIdleTimeout = 30 * time.Minute
)

// bucket pairs a token bucket with its LRU bookkeeping.
type bucket struct {
	identifier string
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// RateLimiter applies a per-identifier token bucket. Identifiers are
// typically client IPs or subject IDs. Capacity is bounded: when the tracked
// set is full the least recently seen bucket is evicted.
type RateLimiter struct {
	mu      sync.RWMutex
	byID    map[string]*list.Element
	lru     *list.List // front = most recently seen
	rps     int
	burst   int
	maxSize int
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
	sweeps    int64
}

// NewRateLimiter creates a limiter with the default capacity bound.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxTrackedIdentifiers, logger)
}

// NewRateLimiterWithConfig creates a limiter tracking at most maxEntries
// identifiers. Zero means unbounded; negative values fall back to the
// default.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Negative rate limiter capacity, using default",
			"max_entries", defaultMaxTrackedIdentifiers)
		maxEntries = defaultMaxTrackedIdentifiers
	}

	rl := &RateLimiter{
		byID:    make(map[string]*list.Element),
		lru:     list.New(),
		rps:     requestsPerSecond,
		burst:   burst,
		maxSize: maxEntries,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether the identifier may proceed, consuming a token if so.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.byID[identifier]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = time.Now()
		return b.limiter.Allow()
	}

	if rl.maxSize > 0 && len(rl.byID) >= rl.maxSize {
		rl.evictOldest()
	}

	b := &bucket{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastSeen:   time.Now(),
	}
	rl.byID[identifier] = rl.lru.PushFront(b)
	return b.limiter.Allow()
}

// evictOldest drops the least recently seen bucket. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(rl.byID, b.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Evicted rate limiter bucket",
		"identifier", b.identifier,
		"evictions", rl.evictions,
		"tracked", len(rl.byID))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(bucketIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup reclaims buckets that have not been seen for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdleTime)
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*bucket)
		if b.lastSeen.Before(cutoff) {
			delete(rl.byID, b.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.sweeps++
		rl.logger.Debug("Swept idle rate limiter buckets",
			"removed", removed,
			"remaining", len(rl.byID))
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats describes the limiter's current occupancy for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percent of capacity in use, 0 when unbounded
}

// GetStats returns a snapshot of occupancy counters.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	s := Stats{
		CurrentEntries: len(rl.byID),
		MaxEntries:     rl.maxSize,
		TotalEvictions: rl.evictions,
		TotalCleanups:  rl.sweeps,
	}
	if rl.maxSize > 0 {
		s.MemoryPressure = float64(s.CurrentEntries) / float64(rl.maxSize) * 100
	}
	return s
}
