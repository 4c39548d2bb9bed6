// Package ratelimit holds token-bucket limiters keyed by client IP and by
// bearer-token fingerprint.
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const idleTTL = 5 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	mu sync.Mutex

	ipBuckets  map[string]*entry
	keyBuckets map[string]*entry

	ipRPS    float64
	ipBurst  int
	keyRPS   float64
	keyBurst int

	rejected atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLimiter(ipRPS float64, ipBurst int, keyRPS float64, keyBurst int) *Limiter {
	l := &Limiter{
		ipBuckets:  make(map[string]*entry),
		keyBuckets: make(map[string]*entry),
		ipRPS:      ipRPS,
		ipBurst:    ipBurst,
		keyRPS:     keyRPS,
		keyBurst:   keyBurst,
		stopCh:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func lookup(m map[string]*entry, k string, rps float64, burst int, now time.Time) *rate.Limiter {
	e, ok := m[k]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		m[k] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow consumes one token from the IP bucket and, when key is set, from
// the key bucket.
func (l *Limiter) Allow(clientIP, key string) bool {
	ok, _ := l.Reserve(clientIP, key)
	return ok
}

// Reserve is Allow that also reports how long a rejected caller should
// wait before retrying.
func (l *Limiter) Reserve(clientIP, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	ib := lookup(l.ipBuckets, clientIP, l.ipRPS, l.ipBurst, now)
	if !ib.AllowN(now, 1) {
		l.rejected.Add(1)
		return false, retryAfter(l.ipRPS)
	}

	if key != "" {
		kb := lookup(l.keyBuckets, key, l.keyRPS, l.keyBurst, now)
		if !kb.AllowN(now, 1) {
			l.rejected.Add(1)
			return false, retryAfter(l.keyRPS)
		}
	}
	return true, 0
}

func retryAfter(rps float64) time.Duration {
	if rps <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(1/rps)) * time.Second
}

func (l *Limiter) Status() map[string]interface{} {
	l.mu.Lock()
	ipCount := len(l.ipBuckets)
	keyCount := len(l.keyBuckets)
	l.mu.Unlock()

	return map[string]interface{}{
		"active_ip_limiters":  ipCount,
		"active_key_limiters": keyCount,
		"total_rejected":      l.rejected.Load(),
		"ip_rps":              l.ipRPS,
		"ip_burst":            l.ipBurst,
		"per_key_rps":         l.keyRPS,
		"per_key_burst":       l.keyBurst,
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.ipBuckets {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.ipBuckets, k)
		}
	}
	for k, e := range l.keyBuckets {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.keyBuckets, k)
		}
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}
