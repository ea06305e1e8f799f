package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited carries the retry-after hint back to the wire layer.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError wraps ErrRateLimited with the suggested wait.
type RateLimitError struct {
	Subject    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: subject %q, retry after %s", e.Subject, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// RateLimiterConfig bounds per-subject request rates.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// MemoryDuration is how long an idle subject's bucket is kept.
	MemoryDuration time.Duration
}

// DefaultRateLimiterConfig matches the standard deployment.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 1000,
		Burst:             2000,
		MemoryDuration:    10 * time.Minute,
	}
}

type subjectBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per subject, evicting buckets idle
// longer than the memory window.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu      sync.Mutex
	buckets map[string]*subjectBucket
}

// NewRateLimiter builds a limiter with the given config.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}
	if cfg.MemoryDuration <= 0 {
		cfg.MemoryDuration = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*subjectBucket),
	}
}

// Check consumes one token for the subject, returning a RateLimitError
// with a retry-after hint when the bucket is empty.
func (l *RateLimiter) Check(subject string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[subject]
	if !ok {
		bucket = &subjectBucket{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		}
		l.buckets[subject] = bucket
	}
	bucket.lastSeen = time.Now()
	l.evictIdleLocked()
	l.mu.Unlock()

	if bucket.limiter.Allow() {
		return nil
	}

	reservation := bucket.limiter.Reserve()
	retryAfter := reservation.Delay()
	reservation.Cancel()
	return &RateLimitError{Subject: subject, RetryAfter: retryAfter}
}

func (l *RateLimiter) evictIdleLocked() {
	cutoff := time.Now().Add(-l.cfg.MemoryDuration)
	for subject, bucket := range l.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.buckets, subject)
		}
	}
}

// Reset clears one subject's bucket.
func (l *RateLimiter) Reset(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, subject)
}

// ResetAll clears every bucket.
func (l *RateLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*subjectBucket)
}

// RateLimiterStats summarizes tracked subjects.
type RateLimiterStats struct {
	TrackedSubjects int
}

// Stats returns the limiter's counters.
func (l *RateLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RateLimiterStats{TrackedSubjects: len(l.buckets)}
}
