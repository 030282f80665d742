// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/relayq/internal/log"
	"github.com/hemant/relayq/internal/rdb"
)

// RateLimiter tracks request counts per identifier against a fixed window.
//
// Each Check atomically increments a counter keyed by the identifier; the
// counter's expiry is set in the same atomic step that creates it and never
// refreshed, so the window has a hard end. Identifiers are free-form; use a
// user id, an IP, or a composite such as "user42:/api/export" to scope the
// limit per route.
//
// RateLimiter is logically independent of the queue; it shares the same
// store and the same atomic-increment primitive.
//
// Availability policy: when the store cannot be reached, Check FAILS OPEN.
// It returns an allowed decision with full remaining quota rather than
// rejecting all traffic because the rate-limit store is down. This is a
// deliberate availability-over-strictness trade-off; callers that need
// strict enforcement must not use this type.
type RateLimiter struct {
	rdb    *rdb.RDB
	logger *log.Logger
	// When a RateLimiter has been created with an existing Redis connection,
	// we do not want to close it.
	sharedConnection bool
}

// NewRateLimiter returns a new RateLimiter given a redis connection option.
func NewRateLimiter(r RedisConnOpt) *RateLimiter {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("relayq: unsupported RedisConnOpt type %T", r))
	}
	rl := NewRateLimiterFromRedisClient(redisClient)
	rl.sharedConnection = false
	return rl
}

// NewRateLimiterFromRedisClient returns a new RateLimiter given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by relayq, you are responsible for closing it.
func NewRateLimiterFromRedisClient(c redis.UniversalClient) *RateLimiter {
	return &RateLimiter{
		rdb:              rdb.NewRDB(c),
		logger:           log.NewLogger(nil),
		sharedConnection: true,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request is within the limit.
	Allowed bool

	// Remaining is the quota left in the current window, never negative.
	Remaining int

	// ResetTime is when the current window expires and the counter resets.
	ResetTime time.Time

	// CurrentCount is the counter value after this check.
	CurrentCount int64

	// FailedOpen reports that the store was unreachable and the decision
	// is the documented fail-open default, not a real count.
	FailedOpen bool
}

// Check increments the request counter for the given identifier and reports
// whether the request is within limit requests per window.
//
// The counter key's TTL is set only by the increment that creates the key;
// increments within an existing window never extend it.
//
// On store unavailability Check returns an allowed decision with full
// remaining quota and logs the error (fail-open; see the type documentation).
func (rl *RateLimiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) (*Decision, error) {
	state, err := rl.rdb.IncrementRateLimit(ctx, identifier, window)
	if err != nil {
		rl.logger.Warnf("Rate limit store unavailable; failing open for %q: %v", identifier, err)
		return &Decision{
			Allowed:    true,
			Remaining:  limit,
			ResetTime:  time.Now().Add(window),
			FailedOpen: true,
		}, nil
	}
	remaining := limit - int(state.Count)
	if remaining < 0 {
		remaining = 0
	}
	ttl := state.TTL
	if ttl < 0 {
		ttl = window
	}
	return &Decision{
		Allowed:      state.Count <= int64(limit),
		Remaining:    remaining,
		ResetTime:    time.Now().Add(ttl),
		CurrentCount: state.Count,
	}, nil
}

// Reset deletes the counter for the given identifier outright.
// An administrative operation, not part of normal request flow.
func (rl *RateLimiter) Reset(ctx context.Context, identifier string) error {
	return rl.rdb.ResetRateLimit(ctx, identifier)
}

// SetLogger sets the logger used for fail-open warnings.
func (rl *RateLimiter) SetLogger(l Logger) {
	rl.logger = log.NewLogger(l)
}

// Close closes the connection with redis.
func (rl *RateLimiter) Close() error {
	if rl.sharedConnection {
		return fmt.Errorf("redis connection is shared so the rate limiter can't be closed through relayq")
	}
	return rl.rdb.Close()
}
