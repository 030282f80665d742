// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCheckKeyUnknown(t *testing.T) {
	rc, _ := setupRedis(t)
	ledger := NewLedgerFromRedisClient(rc)

	entry, err := ledger.CheckKey(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLedgerStoreAndUpdate(t *testing.T) {
	rc, _ := setupRedis(t)
	ledger := NewLedgerFromRedisClient(rc)
	ctx := context.Background()

	ok, err := ledger.StoreKey(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := ledger.CheckKey(ctx, "evt-123")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, IdempotencyPending, entry.Status)

	// A duplicate delivery cannot claim the key again.
	ok, err = ledger.StoreKey(ctx, "evt-123")
	require.NoError(t, err)
	assert.False(t, ok)

	resp := []byte(`{"accepted":true}`)
	require.NoError(t, ledger.UpdateKeyResult(ctx, "evt-123", IdempotencyCompleted, resp))

	entry, err = ledger.CheckKey(ctx, "evt-123")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, IdempotencyCompleted, entry.Status)
	assert.Equal(t, resp, entry.Response)
	assert.False(t, entry.CompletedAt.IsZero())
}

func TestLedgerUpdateInvalidStatus(t *testing.T) {
	rc, _ := setupRedis(t)
	ledger := NewLedgerFromRedisClient(rc)
	ctx := context.Background()

	ok, err := ledger.StoreKey(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Error(t, ledger.UpdateKeyResult(ctx, "evt-123", "done", nil))
	assert.Error(t, ledger.UpdateKeyResult(ctx, "evt-123", IdempotencyPending, nil))
}

func TestLedgerConcurrentClaims(t *testing.T) {
	rc, _ := setupRedis(t)
	ledger := NewLedgerFromRedisClient(rc)
	ctx := context.Background()

	// Exactly one of many concurrent duplicate deliveries wins the claim.
	var wg sync.WaitGroup
	var winners int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.StoreKey(ctx, "evt-concurrent")
			if err == nil && ok {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners)
}

func TestLedgerEntryExpires(t *testing.T) {
	rc, s := setupRedis(t)
	ledger := NewLedgerFromRedisClient(rc)
	ledger.SetTTL(time.Minute)
	ctx := context.Background()

	ok, err := ledger.StoreKey(ctx, "evt-123")
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(2 * time.Minute)

	// After the retention window the key can be claimed anew.
	entry, err := ledger.CheckKey(ctx, "evt-123")
	require.NoError(t, err)
	assert.Nil(t, entry)

	ok, err = ledger.StoreKey(ctx, "evt-123")
	require.NoError(t, err)
	assert.True(t, ok)
}
