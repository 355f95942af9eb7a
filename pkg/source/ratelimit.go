package source

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.01
	backOffBy = 2.0
	recoverBy = 1.5
)

// RateLimiter keeps requests to an API under a given rate. A
// RoundTripper obtained from it reacts to the API saying we've made
// too many requests (`HTTP 429`, or `HTTP 403` with no requests
// remaining, which is how GitHub says it) by halving the limit; each
// successful response recovers the limit modestly back towards the
// given ideal.
type RateLimiter struct {
	RPS    float64
	Burst  int
	Logger log.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func (limiters *RateLimiter) clip(limit float64) float64 {
	if limit < minLimit {
		return minLimit
	}
	if limit > limiters.RPS {
		return limiters.RPS
	}
	return limit
}

func (limiters *RateLimiter) get() *rate.Limiter {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	if limiters.limiter == nil {
		limiters.limiter = rate.NewLimiter(rate.Limit(limiters.RPS), limiters.Burst)
	}
	return limiters.limiter
}

func (limiters *RateLimiter) adjust(factor float64, what string) {
	limiter := limiters.get()
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	oldLimit := float64(limiter.Limit())
	newLimit := limiters.clip(oldLimit * factor)
	if oldLimit != newLimit && limiters.Logger != nil {
		limiters.Logger.Log("info", what+" rate limit", "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
	}
	limiter.SetLimit(rate.Limit(newLimit))
}

func (limiters *RateLimiter) backOff() {
	limiters.adjust(1/backOffBy, "reducing")
}

// Recover bumps the limit back up again.
func (limiters *RateLimiter) Recover() {
	limiters.adjust(recoverBy, "increasing")
}

// Limit returns the current limit in requests per second.
func (limiters *RateLimiter) Limit() float64 {
	return float64(limiters.get().Limit())
}

// RoundTripper wraps rt so that requests through it are rate limited.
func (limiters *RateLimiter) RoundTripper(rt http.RoundTripper) http.RoundTripper {
	return &roundTripRateLimiter{
		limiters: limiters,
		tx:       rt,
	}
}

type roundTripRateLimiter struct {
	limiters *RateLimiter
	tx       http.RoundTripper
}

func (t *roundTripRateLimiter) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait errors out if the request cannot be processed within
	// the deadline. This is pre-emptive, instead of waiting the
	// entire duration.
	if err := t.limiters.get().Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.tx.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	switch {
	case isRateLimited(resp):
		t.limiters.backOff()
	case resp.StatusCode < 300:
		t.limiters.Recover()
	}
	return resp, err
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}
