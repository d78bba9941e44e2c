package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterTTL    = 10 * time.Minute
	limiterMaxIPs = 10000
	sweepInterval = time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles connection attempts per client IP with token
// buckets. Buckets for IPs not seen within limiterTTL are swept so the
// map cannot grow without bound under address churn.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	cancel  context.CancelFunc
}

// NewRateLimiter creates a per-IP limiter allowing r events per second
// with the given burst, and starts its background sweeper.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		r:       r,
		burst:   burst,
		cancel:  cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// Allow reports whether one more attempt from ip may proceed now.
// When the tracked-IP cap is reached, unknown IPs are refused outright
// rather than allocating a bucket for them.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= limiterMaxIPs {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{lim: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// UpdateRate swaps in new limit parameters. All buckets are dropped so
// every IP picks up the new rate on its next attempt.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.buckets = make(map[string]*bucket)
}

// Stop terminates the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterTTL)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
