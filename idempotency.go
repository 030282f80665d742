// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/rdb"
)

// Statuses recorded for an idempotency entry.
const (
	IdempotencyPending   = "pending"
	IdempotencyCompleted = "completed"
	IdempotencyFailed    = "failed"
)

// DefaultIdempotencyTTL is how long idempotency entries are retained.
// Retried deliveries of the same external event arriving after this window
// will be treated as new.
const DefaultIdempotencyTTL = 24 * time.Hour

// Ledger records which externally-supplied idempotency keys have already
// been processed, so that a retried delivery of the same event (a webhook
// redelivery, a double-submitted form) executes its side effects at most
// once even though the queue itself is at-least-once.
//
// The calling contract for consumers wrapping a webhook handler:
//
//	entry, err := ledger.CheckKey(ctx, key)
//	if entry != nil && entry.Status == relayq.IdempotencyCompleted {
//		return entry.Response // replay, do NOT re-run any side effect
//	}
//	ok, err := ledger.StoreKey(ctx, key)
//	if !ok {
//		// another delivery claimed the key first; it is either still
//		// running or finished between our check and claim. Reject or
//		// poll CheckKey, never do the work again.
//	}
//	resp := doTheWork()
//	ledger.UpdateKeyResult(ctx, key, relayq.IdempotencyCompleted, resp)
//
// StoreKey must be called before the underlying work begins; it is the
// atomic claim that makes the sequence safe under concurrent duplicate
// deliveries.
type Ledger struct {
	rdb *rdb.RDB
	ttl time.Duration
	// When a Ledger has been created with an existing Redis connection, we
	// do not want to close it.
	sharedConnection bool
}

// IdempotencyEntry describes the stored state for one idempotency key.
type IdempotencyEntry struct {
	// Status is IdempotencyPending while the first delivery is in flight,
	// then IdempotencyCompleted or IdempotencyFailed.
	Status string

	// Response recorded by the first completion, replayed to duplicates.
	Response []byte

	// CreatedAt is the time the key was first claimed.
	CreatedAt time.Time

	// CompletedAt is the time the result was recorded; zero while pending.
	CompletedAt time.Time
}

// NewLedger returns a new Ledger given a redis connection option.
func NewLedger(r RedisConnOpt) *Ledger {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("relayq: unsupported RedisConnOpt type %T", r))
	}
	l := NewLedgerFromRedisClient(redisClient)
	l.sharedConnection = false
	return l
}

// NewLedgerFromRedisClient returns a new Ledger given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by relayq, you are responsible for closing it.
func NewLedgerFromRedisClient(c redis.UniversalClient) *Ledger {
	return &Ledger{
		rdb:              rdb.NewRDB(c),
		ttl:              DefaultIdempotencyTTL,
		sharedConnection: true,
	}
}

// SetTTL overrides the retention window for entries created after the call.
func (l *Ledger) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		l.ttl = ttl
	}
}

// CheckKey returns the stored entry for the given key, or nil if the key
// has never been seen (or its entry has expired). Read-only.
func (l *Ledger) CheckKey(ctx context.Context, key string) (*IdempotencyEntry, error) {
	entry, err := l.rdb.GetIdempotencyEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return fromInternalEntry(entry), nil
}

// StoreKey claims the given key by creating a pending entry.
// It returns false when an entry already exists; in that case the caller
// must not execute the underlying work.
func (l *Ledger) StoreKey(ctx context.Context, key string) (bool, error) {
	return l.rdb.ClaimIdempotencyKey(ctx, key, l.ttl)
}

// UpdateKeyResult transitions a claimed key to the given terminal status
// and records the response that future duplicate deliveries receive.
func (l *Ledger) UpdateKeyResult(ctx context.Context, key, status string, response []byte) error {
	if status != IdempotencyCompleted && status != IdempotencyFailed {
		return fmt.Errorf("relayq: invalid idempotency status %q", status)
	}
	return l.rdb.UpdateIdempotencyKey(ctx, key, status, response)
}

// Close closes the connection with redis.
func (l *Ledger) Close() error {
	if l.sharedConnection {
		return fmt.Errorf("redis connection is shared so the ledger can't be closed through relayq")
	}
	return l.rdb.Close()
}

func fromInternalEntry(e *base.IdempotencyEntry) *IdempotencyEntry {
	return &IdempotencyEntry{
		Status:      e.Status,
		Response:    e.Response,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
	}
}
