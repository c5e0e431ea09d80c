package bot

import (
	"sync"
	"time"
)

// RateLimiter implements per-user per-action in-memory rate limiting.
// For production, can be swapped to Redis or similar store

type RateLimiter struct {
	mu       sync.Mutex
	adminID  int64
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
}

func NewRateLimiter(adminID int64) *RateLimiter {
	return &RateLimiter{
		adminID:  adminID,
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"buy_key":    10 * time.Second,
			"trial_key":  10 * time.Second,
			"rename_key": 5 * time.Second,
			"key_info":   5 * time.Second,
		},
	}
}

// IsLimited returns true if user is rate-limited for this action. Allocation
// entry points call it before touching the fleet.
func (r *RateLimiter) IsLimited(userID int64, action string) bool {
	// Админ не лимитируется
	if userID == r.adminID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[action]
	if !ok {
		limit = 2 * time.Second // default limit
	}
	last := r.lastCall[userID][action]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][action] = now
	return false
}
