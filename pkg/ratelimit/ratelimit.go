// Package ratelimit throttles ingestion per device or client address with
// token buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/readlogapp/readlog/pkg/errcodes"
	echologger "github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/logger"
	"golang.org/x/time/rate"
)

// idleTTL is how long a key may go unused before its bucket is dropped.
const idleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter gives every key its own token bucket.
type KeyedLimiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New allows rps requests per second per key with bursts of up to burst. A
// non-positive rps disables limiting.
func New(rps float64, burst int) *KeyedLimiter {
	l := rate.Limit(rps)
	if rps <= 0 {
		l = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	kl := &KeyedLimiter{
		entries: make(map[string]*entry),
		limit:   l,
		burst:   burst,
		now:     time.Now,
		done:    make(chan struct{}),
	}

	go kl.sweepLoop(idleTTL)

	return kl
}

func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.get(key).AllowN(kl.now(), 1)
}

func (kl *KeyedLimiter) get(key string) *rate.Limiter {
	now := kl.now()

	kl.mu.RLock()
	e, ok := kl.entries[key]
	kl.mu.RUnlock()
	if ok {
		kl.mu.Lock()
		e.lastSeen = now
		kl.mu.Unlock()
		return e.limiter
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()

	if e, ok = kl.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst), lastSeen: now}
	kl.entries[key] = e
	return e.limiter
}

// sweep drops buckets unused for longer than ttl.
func (kl *KeyedLimiter) sweep(ttl time.Duration) {
	cutoff := kl.now().Add(-ttl)

	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(kl.entries, key)
		}
	}
}

func (kl *KeyedLimiter) size() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.entries)
}

func (kl *KeyedLimiter) sweepLoop(ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kl.sweep(ttl)
		case <-kl.done:
			return
		}
	}
}

func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() {
		close(kl.done)
	})
}

// Middleware rejects requests with 429 once the key returned by keyFunc runs
// out of tokens. Requests default to being keyed by client address.
func Middleware(kl *KeyedLimiter, keyFunc func(c echo.Context) string) echo.MiddlewareFunc {
	if keyFunc == nil {
		keyFunc = func(c echo.Context) string { return c.RealIP() }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := keyFunc(c)
			if !kl.Allow(key) {
				echologger.FromEchoContext(c).Warn("rate limit exceeded", logger.Data{
					"key":  key,
					"path": c.Path(),
				})
				return errcodes.TooManyRequests()
			}
			return next(c)
		}
	}
}
