package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Token bucket refilled at rate tokens per second up to burst
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

// Every converts a minimum gap between events into a rate. A non-positive
// interval means no limit.
func Every(interval time.Duration) float64 {
	if interval <= 0 {
		return math.MaxFloat64
	}
	return float64(time.Second) / float64(interval)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}

	return false
}

func (l *Limiter) idleSince(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate.Before(t)
}

// Lazily created limiters keyed by user id
type ClientLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	now             func() time.Time
	mu              sync.RWMutex
	cleanupInterval time.Duration
	idleTTL         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		idleTTL:         10 * time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[clientID]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[clientID]; ok {
		return limiter
	}

	limiter = newLimiter(cl.rate, cl.burst, cl.now)
	cl.limiters[clientID] = limiter
	return limiter
}

// Allow spends one token from the client's limiter
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle()
		}
	}
}

// evictIdle drops limiters that have not been used within idleTTL; missed
// Remove calls would otherwise leak them
func (cl *ClientLimiters) evictIdle() {
	cutoff := cl.now().Add(-cl.idleTTL)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, l := range cl.limiters {
		if l.idleSince(cutoff) {
			delete(cl.limiters, id)
		}
	}
}
