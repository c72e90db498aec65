// Package ratelimit provides the per-client token bucket guarding the
// admission pipeline. Each client key owns a bucket; buckets idle for more
// than an hour are swept in the background.
package ratelimit

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	idleExpiry    = time.Hour
	sweepInterval = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-key token bucket set. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   int
	perSec  rate.Limit
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a limiter allowing burst requests at once and perSecond
// sustained, per client key.
func New(burst, perSecond int) *Limiter {
	if burst <= 0 {
		burst = 100
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		burst:   burst,
		perSec:  rate.Limit(perSecond),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetClock replaces the time source. Intended for tests. Existing buckets are
// dropped so refill accounting starts from the injected clock.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.buckets = make(map[string]*bucket)
}

// Check consumes one token from key's bucket. It returns false when the
// bucket is empty.
func (l *Limiter) Check(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idleExpiry)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// ClientKey derives the bucket key for a request: first X-Forwarded-For
// entry, else X-Real-Ip, else a non-cryptographic fingerprint of
// User-Agent+Accept-Language so anonymous clients still share a bucket.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		if key := strings.TrimSpace(xff); key != "" {
			return key
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	h := fnv.New64a()
	h.Write([]byte(r.Header.Get("User-Agent")))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Accept-Language")))
	return "fp:" + strconv.FormatUint(h.Sum64(), 16)
}
