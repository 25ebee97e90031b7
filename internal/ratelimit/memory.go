package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

var _ Limiter = &MemoryLimiter{}

// MemoryLimiter keeps per-key request timestamps in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	opts     Options
	idleTTL  time.Duration
	now      func() time.Time
}

func NewMemoryLimiter(opts Options, idleTTL time.Duration, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	opts = opts.withDefaults()
	if idleTTL < opts.Window {
		idleTTL = opts.Window
	}
	return &MemoryLimiter{
		requests: make(map[string][]time.Time),
		opts:     opts,
		idleTTL:  idleTTL,
		now:      now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(l.requests[key], now)

	if len(recent) >= l.opts.MaxRequests {
		l.requests[key] = recent
		return false, nil
	}

	l.requests[key] = append(recent, now)
	return true, nil
}

// Sweep drops keys whose newest request is older than the idle TTL and
// returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, timestamps := range l.requests {
		if len(timestamps) == 0 || now.Sub(timestamps[len(timestamps)-1]) >= l.idleTTL {
			delete(l.requests, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle keys every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				log.Printf("🧹 Rate limiter swept %d idle keys", removed)
			}
		}
	}
}

func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *MemoryLimiter) prune(timestamps []time.Time, now time.Time) []time.Time {
	recent := timestamps[:0]
	for _, ts := range timestamps {
		if now.Sub(ts) < l.opts.Window {
			recent = append(recent, ts)
		}
	}
	return recent
}
