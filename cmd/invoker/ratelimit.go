package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subjectLimiter caps submissions per authenticated subject. A zero limit
// disables it.
type subjectLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*cachedLimiter
}

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSubjectLimiter(perSecond float64, burst int) *subjectLimiter {
	if burst < 1 {
		burst = 1
	}
	return &subjectLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*cachedLimiter),
	}
}

func (s *subjectLimiter) Allow(subject string) bool {
	if s == nil || s.limit <= 0 {
		return true
	}
	if subject == "" {
		subject = "anonymous"
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(now)
	c, ok := s.limiters[subject]
	if !ok {
		c = &cachedLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[subject] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (s *subjectLimiter) evict(now time.Time) {
	for subject, c := range s.limiters {
		if now.Sub(c.lastSeen) > s.ttl {
			delete(s.limiters, subject)
		}
	}
}
