// Package ratelimiter throttles message execution per delivery route.
package ratelimiter

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Route names the bucket for deliveries of one transport from src to dst.
func Route(transport string, src, dst uint64) string {
	return transport + ":" + strconv.FormatUint(src, 10) + "->" + strconv.FormatUint(dst, 10)
}

// MapLimiter keeps one token bucket per key. Buckets idle for longer than
// idleTTL are dropped on the next sweep.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	*rate.Limiter
	lastUsed time.Time
}

// New returns nil for a non-positive rate or burst; a nil limiter lets
// everything through.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token for key at now if one is available.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	b := l.take(key, now)
	return b == nil || b.AllowN(now, 1)
}

// Wait blocks until key has a token or ctx is done.
func (l *MapLimiter) Wait(ctx context.Context, key string) error {
	b := l.take(key, time.Now())
	if b == nil {
		return ctx.Err()
	}
	return b.Wait(ctx)
}

// Len is the number of live buckets.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MapLimiter) take(key string, now time.Time) *bucket {
	key = strings.TrimSpace(key)
	if l == nil || key == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.nextSweep) {
		l.sweepLocked(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b
}

func (l *MapLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.nextSweep = now.Add(l.idleTTL / 2)
}
