package guardians

import (
	"sync"
	"time"
)

// rateLimiter enforces a sliding 60-second window per topic: once a
// topic has recorded `limit` hits inside the window, further hits are
// rejected until the window advances past the oldest hit.
//
// A token bucket (golang.org/x/time/rate) was considered and rejected:
// continuous refill would admit the blocked publisher fractions of a
// second later, which breaks the "blocked until the window advances"
// contract.
//
// Thread-safety: all methods are safe for concurrent use.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    now,
	}
}

// allow records a hit for topic and reports whether it was inside the
// limit. The hit is only recorded when allowed, so blocked attempts do
// not extend the window.
func (r *rateLimiter) allow(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.hits[topic][:0]
	for _, ts := range r.hits[topic] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.limit {
		r.hits[topic] = kept
		return false
	}

	r.hits[topic] = append(kept, now)
	return true
}

// forget removes the most recent hit for topic. The gate calls it when
// an event that passed the rate check is blocked by a later check, so
// only accepted events consume window capacity.
func (r *rateLimiter) forget(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hits := r.hits[topic]; len(hits) > 0 {
		r.hits[topic] = hits[:len(hits)-1]
	}
}

// trackedTopics returns the number of topics with live counters.
func (r *rateLimiter) trackedTopics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}
