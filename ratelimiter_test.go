// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterCheck(t *testing.T) {
	rc, _ := setupRedis(t)
	rl := NewRateLimiterFromRedisClient(rc)
	ctx := context.Background()

	// limit=5: five requests pass, the sixth is denied.
	for i := 1; i <= 5; i++ {
		d, err := rl.Check(ctx, "user42", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 5-i, d.Remaining)
		assert.Equal(t, int64(i), d.CurrentCount)
	}

	d, err := rl.Check(ctx, "user42", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.FailedOpen)
}

func TestRateLimiterIsolatesIdentifiers(t *testing.T) {
	rc, _ := setupRedis(t)
	rl := NewRateLimiterFromRedisClient(rc)
	ctx := context.Background()

	_, err := rl.Check(ctx, "user1", 1, time.Minute)
	require.NoError(t, err)
	d, err := rl.Check(ctx, "user1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// A different identifier has its own counter.
	d, err = rl.Check(ctx, "user2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rc, s := setupRedis(t)
	rl := NewRateLimiterFromRedisClient(rc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.Check(ctx, "user42", 2, time.Minute)
		require.NoError(t, err)
	}
	d, err := rl.Check(ctx, "user42", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	s.FastForward(2 * time.Minute)

	d, err = rl.Check(ctx, "user42", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.CurrentCount)
}

func TestRateLimiterReset(t *testing.T) {
	rc, _ := setupRedis(t)
	rl := NewRateLimiterFromRedisClient(rc)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rl.Check(ctx, "user42", 1, time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, rl.Reset(ctx, "user42"))

	d, err := rl.Check(ctx, "user42", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.CurrentCount)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rc, s := setupRedis(t)
	rl := NewRateLimiterFromRedisClient(rc)
	s.Close()

	d, err := rl.Check(context.Background(), "user42", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
	assert.True(t, d.FailedOpen)
}
