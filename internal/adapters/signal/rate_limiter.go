package signal

import (
	"context"
	"sync"
	"time"
)

// RoomRateLimiter caps join-room attempts per client token in a sliding window.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for key. A zero limit disables the check.
func (rl *RoomRateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)
	return true
}

// Sweep forgets keys with no attempt inside the window.
func (rl *RoomRateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.now().Add(-rl.interval)
	for key, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, key)
		}
	}
}

// Run sweeps once per interval until ctx is done.
func (rl *RoomRateLimiter) Run(ctx context.Context) error {
	if rl.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
