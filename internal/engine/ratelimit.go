package engine

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedSenders = 10000
	senderIdleTTL     = 10 * time.Minute
)

// SenderLimiter enforces a per-sender message budget with a token bucket per
// phone number. Idle buckets are evicted; a sender that comes back after
// senderIdleTTL starts with a full bucket again.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewSenderLimiter allows perMinute messages per sender per minute, with a
// burst of the same size.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &SenderLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedSenders, nil, senderIdleTTL),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

// Allow reports whether sender may send one more message now.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	lim, ok := l.limiters.Get(sender)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle expiry.
	l.limiters.Add(sender, lim)
	l.mu.Unlock()

	return lim.Allow()
}
