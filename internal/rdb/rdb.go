// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/errors"
	"github.com/hemant/relayq/internal/timeutil"
)

const statsTTL = 90 * 24 * time.Hour // 90 days

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value.
// If the script fails, returns non-nil error.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// retentionSeconds returns the terminal-state retention window for the
// given message in seconds.
func retentionSeconds(msg *base.JobMessage) int64 {
	if msg.Retention > 0 {
		return msg.Retention
	}
	return int64(base.DefaultRetention.Seconds())
}

// enqueueCmd enqueues a given job message.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:j:<job_id>
// KEYS[2] -> relayq:{<qname>}:pending
// --
// ARGV[1] -> job message data
// ARGV[2] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "msg", ARGV[1],
           "state", "pending")
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

// Enqueue adds the given job to the pending list of the queue.
func (r *RDB) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.PendingKey(msg.Queue),
	}
	argv := []interface{}{
		encoded,
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIDConflict)
	}
	return nil
}

// enqueueUniqueCmd enqueues the job message if the job is unique.
//
// KEYS[1] -> unique key
// KEYS[2] -> relayq:{<qname>}:j:<jobid>
// KEYS[3] -> relayq:{<qname>}:pending
// --
// ARGV[1] -> job ID
// ARGV[2] -> uniqueness lock TTL
// ARGV[3] -> job message data
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID conflicts with another job
// Returns -1 if job unique key already exists
var enqueueUniqueCmd = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2])
if not ok then
	return -1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2],
           "msg", ARGV[3],
           "state", "pending")
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`)

// EnqueueUnique inserts the given job if the job's uniqueness lock can be acquired.
// It returns ErrDuplicateTask if the lock cannot be acquired.
func (r *RDB) EnqueueUnique(ctx context.Context, msg *base.JobMessage, ttl time.Duration) error {
	var op errors.Op = "rdb.EnqueueUnique"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode job message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		msg.UniqueKey,
		base.JobKey(msg.Queue, msg.ID),
		base.PendingKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		int(ttl.Seconds()),
		encoded,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueUniqueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == -1 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateTask)
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIDConflict)
	}
	return nil
}

// dequeueCmd pops a job id off the tail of the pending list and marks the
// job record as processing. Ids whose record has already expired are
// discarded and the pop continues.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:pending
// KEYS[2] -> relayq:{<qname>}:processing
// --
// ARGV[1] -> current unix time
// ARGV[2] -> job key prefix
//
// Output:
// Returns nil if no processable job is found in the given queue.
// Returns an encoded JobMessage.
var dequeueCmd = redis.NewScript(`
while true do
	local id = redis.call("RPOP", KEYS[1])
	if not id then
		return nil
	end
	local key = ARGV[2] .. id
	if redis.call("EXISTS", key) == 1 then
		redis.call("LPUSH", KEYS[2], id)
		redis.call("HSET", key,
		           "state", "processing",
		           "started_at", ARGV[1])
		return redis.call("HGET", key, "msg")
	end
end
`)

// markProcessingCmd transitions a job popped via a blocking pop into the
// processing state. The id is already off the pending list at this point.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:j:<job_id>
// KEYS[2] -> relayq:{<qname>}:processing
// --
// ARGV[1] -> job ID
// ARGV[2] -> current unix time
//
// Output:
// Returns nil if the job record no longer exists.
// Returns an encoded JobMessage.
var markProcessingCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return nil
end
redis.call("LPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1],
           "state", "processing",
           "started_at", ARGV[2])
return redis.call("HGET", KEYS[1], "msg")
`)

// Dequeue queries the given queues in order and pops a job message
// off a queue if one exists and returns the message.
//
// Due delayed jobs are promoted to the pending list before each pop, so
// delayed jobs become eligible without a separate scheduler process. Note
// that promotion only happens when somebody is polling: with no worker
// calling Dequeue (and no running forwarder), a due delayed job sits
// unpromoted indefinitely.
//
// When every queue is empty and timeout is positive, Dequeue blocks on the
// pending lists up to the timeout. Dequeue returns ErrNoProcessableTask
// if no job could be obtained within the timeout; this is the normal idle
// condition, not an error.
func (r *RDB) Dequeue(ctx context.Context, timeout time.Duration, qnames ...string) (*base.JobMessage, error) {
	var op errors.Op = "rdb.Dequeue"
	if len(qnames) == 0 {
		return nil, errors.E(op, errors.FailedPrecondition, "no queue name given")
	}
	if err := r.ForwardIfReady(qnames...); err != nil {
		return nil, err
	}
	for _, qname := range qnames {
		msg, err := r.dequeueOne(ctx, qname)
		if errors.Is(err, errors.ErrNoProcessableTask) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
	if timeout <= 0 {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
	}
	return r.dequeueBlocking(ctx, timeout, qnames...)
}

func (r *RDB) dequeueOne(ctx context.Context, qname string) (*base.JobMessage, error) {
	var op errors.Op = "rdb.dequeueOne"
	keys := []string{
		base.PendingKey(qname),
		base.ProcessingKey(qname),
	}
	argv := []interface{}{
		r.clock.Now().Unix(),
		base.JobKeyPrefix(qname),
	}
	encoded, err := dequeueCmd.Run(ctx, r.client, keys, argv...).Text()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	return msg, nil
}

// dequeueBlocking waits on the pending lists of all given queues at once
// using the store's blocking pop, then marks the popped job as processing.
func (r *RDB) dequeueBlocking(ctx context.Context, timeout time.Duration, qnames ...string) (*base.JobMessage, error) {
	var op errors.Op = "rdb.dequeueBlocking"
	pendingKeys := make([]string, 0, len(qnames))
	qnameByKey := make(map[string]string, len(qnames))
	for _, qname := range qnames {
		key := base.PendingKey(qname)
		pendingKeys = append(pendingKeys, key)
		qnameByKey[key] = qname
	}
	res, err := r.client.BRPop(ctx, timeout, pendingKeys...).Result()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "brpop", Err: err})
	}
	qname, id := qnameByKey[res[0]], res[1]
	keys := []string{
		base.JobKey(qname, id),
		base.ProcessingKey(qname),
	}
	argv := []interface{}{
		id,
		r.clock.Now().Unix(),
	}
	encoded, err := markProcessingCmd.Run(ctx, r.client, keys, argv...).Text()
	if err == redis.Nil {
		// The record expired while the id sat in the pending list.
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	return msg, nil
}

// markAsCompleteCmd transitions a job to the completed terminal state and
// records its result for later retrieval. Completion is idempotent: once a
// job is terminal the command leaves the record untouched.
//
// KEYS[1] -> relayq:{<qname>}:processing
// KEYS[2] -> relayq:{<qname>}:completed
// KEYS[3] -> relayq:{<qname>}:j:<job_id>
// KEYS[4] -> relayq:{<qname>}:processed
// --
// ARGV[1] -> job ID
// ARGV[2] -> current unix time
// ARGV[3] -> unix time to expire the job record
// ARGV[4] -> job message data
// ARGV[5] -> stats expiration timestamp
//
// Output:
// Returns 1 if successfully updated
// Returns 0 if job record doesn't exist
var markAsCompleteCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 0 then
	return 0
end
local state = redis.call("HGET", KEYS[3], "state")
if state == "completed" or state == "failed" then
	return 1
end
redis.call("HSET", KEYS[3],
           "msg", ARGV[4],
           "state", "completed",
           "completed_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("EXPIREAT", KEYS[3], ARGV[3])
local n = redis.call("INCR", KEYS[4])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[4], ARGV[5])
end
return 1
`)

// MarkAsComplete removes the job from processing and sets the job record to
// the completed state with the retention window of the message. The job
// record and its result stay readable until the retention expires.
//
// An unknown job id is a tolerated condition; callers treat JobNotFoundError
// as a no-op since the record may simply have expired.
func (r *RDB) MarkAsComplete(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.MarkAsComplete"
	now := r.clock.Now()
	expireAt := now.Add(time.Duration(retentionSeconds(msg)) * time.Second)
	msg.CompletedAt = now.Unix()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.ProcessingKey(msg.Queue),
		base.CompletedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.ProcessedTotalKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		now.Unix(),
		expireAt.Unix(),
		encoded,
		now.Add(statsTTL).Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, markAsCompleteCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// Done is an alias of MarkAsComplete using the default retention window.
func (r *RDB) Done(ctx context.Context, msg *base.JobMessage) error {
	return r.MarkAsComplete(ctx, msg)
}

// requeueCmd puts a dequeued-but-unprocessed job back to the consume end of
// the pending list; used when a worker shuts down mid-flight.
//
// KEYS[1] -> relayq:{<qname>}:processing
// KEYS[2] -> relayq:{<qname>}:pending
// KEYS[3] -> relayq:{<qname>}:j:<job_id>
// ARGV[1] -> job ID
var requeueCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 0 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "pending")
return 1
`)

// Requeue moves the job from processing back to the pending list.
func (r *RDB) Requeue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Requeue"
	keys := []string{
		base.ProcessingKey(msg.Queue),
		base.PendingKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, requeueCmd, keys, msg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// scheduleCmd adds the job to the delayed set keyed by its due timestamp.
//
// KEYS[1] -> relayq:{<qname>}:j:<job_id>
// KEYS[2] -> relayq:{<qname>}:delayed
// -------
// ARGV[1] -> job message data
// ARGV[2] -> process_at time in Unix time
// ARGV[3] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "msg", ARGV[1],
           "state", "pending")
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Schedule adds the job to the delayed set to be processed in the future.
// The job is not visible on the pending list until its due timestamp passes
// and some caller promotes it.
func (r *RDB) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.Schedule"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.DelayedKey(msg.Queue),
	}
	argv := []interface{}{
		encoded,
		processAt.Unix(),
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIDConflict)
	}
	return nil
}

// scheduleUniqueCmd adds the job to the delayed set if the job is unique.
//
// KEYS[1] -> unique key
// KEYS[2] -> relayq:{<qname>}:j:<jobid>
// KEYS[3] -> relayq:{<qname>}:delayed
// -------
// ARGV[1] -> job ID
// ARGV[2] -> uniqueness lock TTL
// ARGV[3] -> job message data
// ARGV[4] -> process_at time in Unix time
//
// Output:
// Returns 1 if successfully scheduled
// Returns 0 if job ID already exists
// Returns -1 if job unique key already exists
var scheduleUniqueCmd = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2])
if not ok then
	return -1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2],
           "msg", ARGV[3],
           "state", "pending")
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// ScheduleUnique adds the job to the delayed set if the job's uniqueness
// lock can be acquired. It returns ErrDuplicateTask if the lock cannot be acquired.
func (r *RDB) ScheduleUnique(ctx context.Context, msg *base.JobMessage, processAt time.Time, ttl time.Duration) error {
	var op errors.Op = "rdb.ScheduleUnique"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode job message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		msg.UniqueKey,
		base.JobKey(msg.Queue, msg.ID),
		base.DelayedKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		int(ttl.Seconds()),
		encoded,
		processAt.Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleUniqueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == -1 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateTask)
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIDConflict)
	}
	return nil
}

// retryCmd re-enqueues a failed job for another attempt.
// Retries with no backoff are pushed to the consume end of the pending list
// so in-flight work completes ahead of fresh work; retries with a backoff
// go through the delayed set instead.
//
// KEYS[1] -> relayq:{<qname>}:processing
// KEYS[2] -> relayq:{<qname>}:pending
// KEYS[3] -> relayq:{<qname>}:delayed
// KEYS[4] -> relayq:{<qname>}:j:<job_id>
// KEYS[5] -> relayq:{<qname>}:failed_total
// -------
// ARGV[1] -> job ID
// ARGV[2] -> updated job message
// ARGV[3] -> retry_at unix timestamp
// ARGV[4] -> current unix time
// ARGV[5] -> "true" if the retry is the result of a failure, "false" otherwise
// ARGV[6] -> stats expiration timestamp
//
// Output:
// Returns 1 if successfully updated
// Returns 0 if job record doesn't exist
var retryCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
if redis.call("EXISTS", KEYS[4]) == 0 then
	return 0
end
redis.call("HSET", KEYS[4], "msg", ARGV[2], "state", "retrying")
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
	redis.call("RPUSH", KEYS[2], ARGV[1])
else
	redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
end
if ARGV[5] == "true" then
	local n = redis.call("INCR", KEYS[5])
	if tonumber(n) == 1 then
		redis.call("EXPIREAT", KEYS[5], ARGV[6])
	end
end
return 1
`)

// Retry moves the job from processing to the retrying state, recording the
// error message, and makes the job runnable again at processAt.
// if isFailure is true increments the retried counter and the queue's
// cumulative failure count.
func (r *RDB) Retry(ctx context.Context, msg *base.JobMessage, processAt time.Time, errMsg string, isFailure bool) error {
	var op errors.Op = "rdb.Retry"
	now := r.clock.Now()
	modified := *msg
	if isFailure {
		modified.Retried++
	}
	modified.ErrorMsg = errMsg
	modified.LastFailedAt = now.Unix()
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.ProcessingKey(msg.Queue),
		base.PendingKey(msg.Queue),
		base.DelayedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.FailedTotalKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		encoded,
		processAt.Unix(),
		now.Unix(),
		fmt.Sprintf("%v", isFailure),
		now.Add(statsTTL).Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, retryCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// markFailedCmd transitions a job to the failed terminal state.
//
// KEYS[1] -> relayq:{<qname>}:processing
// KEYS[2] -> relayq:{<qname>}:failed
// KEYS[3] -> relayq:{<qname>}:j:<job_id>
// KEYS[4] -> relayq:{<qname>}:failed_total
// -------
// ARGV[1] -> job ID
// ARGV[2] -> updated job message
// ARGV[3] -> current unix time
// ARGV[4] -> unix time to expire the job record
// ARGV[5] -> cutoff unix time to trim old entries from the failed set
// ARGV[6] -> stats expiration timestamp
//
// Output:
// Returns 1 if successfully updated
// Returns 0 if job record doesn't exist
var markFailedCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 0 then
	return 0
end
redis.call("HSET", KEYS[3],
           "msg", ARGV[2],
           "state", "failed",
           "completed_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[5])
redis.call("EXPIREAT", KEYS[3], ARGV[4])
local n = redis.call("INCR", KEYS[4])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[4], ARGV[6])
end
return 1
`)

// MarkFailed sends the job to the failed terminal state; the error field of
// the record holds the last failure reason for operator inspection. Used
// when a job exhausts its retries or fails with a non-retryable error.
// There is no automatic escalation beyond the record itself.
func (r *RDB) MarkFailed(ctx context.Context, msg *base.JobMessage, errMsg string) error {
	var op errors.Op = "rdb.MarkFailed"
	now := r.clock.Now()
	retention := time.Duration(retentionSeconds(msg)) * time.Second
	modified := *msg
	modified.Retried++
	modified.ErrorMsg = errMsg
	modified.LastFailedAt = now.Unix()
	modified.CompletedAt = now.Unix()
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.ProcessingKey(msg.Queue),
		base.FailedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.FailedTotalKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		encoded,
		now.Unix(),
		now.Add(retention).Unix(),
		now.Add(-retention).Unix(),
		now.Add(statsTTL).Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, markFailedCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// forwardCmd promotes due jobs from the delayed set to the pending list.
// Each candidate is removed from the set first and only pushed when the
// removal succeeded, so two workers promoting concurrently can never both
// push the same job id.
//
// KEYS[1] -> relayq:{<qname>}:delayed
// KEYS[2] -> relayq:{<qname>}:pending
// ARGV[1] -> current unix time
// ARGV[2] -> job key prefix
// ARGV[3] -> batch size
//
// Output:
// Returns the number of jobs promoted.
var forwardCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
local promoted = 0
for _, id in ipairs(ids) do
	if redis.call("ZREM", KEYS[1], id) == 1 then
		redis.call("LPUSH", KEYS[2], id)
		redis.call("HSET", ARGV[2] .. id, "state", "pending")
		promoted = promoted + 1
	end
end
return promoted
`)

// forwardBatchSize bounds the number of delayed jobs promoted per script call.
const forwardBatchSize = 100

// forward moves due delayed jobs from the delayed set of the given queue to
// the pending list.
func (r *RDB) forward(qname string) (int, error) {
	var op errors.Op = "rdb.forward"
	keys := []string{
		base.DelayedKey(qname),
		base.PendingKey(qname),
	}
	argv := []interface{}{
		r.clock.Now().Unix(),
		base.JobKeyPrefix(qname),
		forwardBatchSize,
	}
	res, err := forwardCmd.Run(context.Background(), r.client, keys, argv...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("could not cast the return value %v from %s to int64", res, forwardCmd.Hash()))
	}
	return int(n), nil
}

// ForwardIfReady checks delayed sets of the given queues and prepends any
// jobs that are ready to be processed to the pending lists.
func (r *RDB) ForwardIfReady(qnames ...string) error {
	var op errors.Op = "rdb.ForwardIfReady"
	for _, qname := range qnames {
		for {
			n, err := r.forward(qname)
			if err != nil {
				return errors.E(op, errors.CanonicalCode(err), err)
			}
			if n < forwardBatchSize {
				break
			}
		}
	}
	return nil
}

// deleteExpiredCmd deletes expired terminal job records and trims them out
// of the given terminal set.
//
// KEYS[1] -> relayq:{<qname>}:completed or relayq:{<qname>}:failed
// ARGV[1] -> cutoff unix timestamp
// ARGV[2] -> job key prefix
// ARGV[3] -> batch size
//
// Output:
// Returns the number of jobs deleted.
var deleteExpiredCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[2] .. id)
	redis.call("ZREM", KEYS[1], id)
end
return table.getn(ids)
`)

// DeleteExpiredJobs deletes terminal job records from the given queue whose
// retention window has passed. The completed set is scored by expire-at and
// the failed set by failure time, hence the different cutoffs.
func (r *RDB) DeleteExpiredJobs(qname string, batchSize int) error {
	var op errors.Op = "rdb.DeleteExpiredJobs"
	now := r.clock.Now()
	runs := []struct {
		key    string
		cutoff int64
	}{
		{base.CompletedKey(qname), now.Unix()},
		{base.FailedKey(qname), now.Add(-base.DefaultRetention).Unix()},
	}
	for _, run := range runs {
		argv := []interface{}{
			run.cutoff,
			base.JobKeyPrefix(qname),
			batchSize,
		}
		if err := r.runScript(context.Background(), op, deleteExpiredCmd, []string{run.key}, argv...); err != nil {
			return err
		}
	}
	return nil
}

// WriteResult writes the given result data for the specified job record.
func (r *RDB) WriteResult(qname, jobID string, data []byte) (int, error) {
	var op errors.Op = "rdb.WriteResult"
	if err := r.client.HSet(context.Background(), base.JobKey(qname, jobID), "result", data).Err(); err != nil {
		return 0, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hset", Err: err})
	}
	return len(data), nil
}

// rateLimitCmd atomically increments the counter and, only when the
// increment created the key, sets its expiry in the same script. Later
// increments within the window must not touch the TTL or the window never
// closes. Doing the INCR and PEXPIRE as two client calls would leave a race
// where the key ends up permanently non-expiring.
//
// KEYS[1] -> relayq:ratelimit:<identifier>
// ARGV[1] -> window in milliseconds
//
// Output:
// Returns {count, pttl}.
var rateLimitCmd = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if tonumber(count) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// IncrementRateLimit bumps the request counter for the given identifier and
// returns the resulting count together with the remaining window.
func (r *RDB) IncrementRateLimit(ctx context.Context, identifier string, window time.Duration) (*base.RateLimitState, error) {
	var op errors.Op = "rdb.IncrementRateLimit"
	keys := []string{base.RateLimitKey(identifier)}
	res, err := rateLimitCmd.Run(ctx, r.client, keys, window.Milliseconds()).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("redis eval error: %v", err))
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	count, ok := vals[0].(int64)
	if !ok {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected counter value from Lua script: %v", vals[0]))
	}
	pttl, ok := vals[1].(int64)
	if !ok {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected ttl value from Lua script: %v", vals[1]))
	}
	return &base.RateLimitState{
		Count: count,
		TTL:   time.Duration(pttl) * time.Millisecond,
	}, nil
}

// ResetRateLimit deletes the counter for the given identifier outright.
func (r *RDB) ResetRateLimit(ctx context.Context, identifier string) error {
	var op errors.Op = "rdb.ResetRateLimit"
	if err := r.client.Del(ctx, base.RateLimitKey(identifier)).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "del", Err: err})
	}
	return nil
}

// claimIdempotencyKeyCmd creates a pending entry for the given key only if
// no entry exists yet, so two concurrent callers cannot both claim the work.
//
// KEYS[1] -> relayq:idempotency:<key>
// ARGV[1] -> current unix time
// ARGV[2] -> entry TTL in milliseconds
//
// Output:
// Returns 1 if the key was claimed
// Returns 0 if an entry already exists
var claimIdempotencyKeyCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "status", "pending",
           "created_at", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// ClaimIdempotencyKey records a pending entry for the given key.
// It returns false when an entry already exists, in which case the caller
// must not execute the underlying work again.
func (r *RDB) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.ClaimIdempotencyKey"
	keys := []string{base.IdempotencyKey(key)}
	argv := []interface{}{
		r.clock.Now().Unix(),
		ttl.Milliseconds(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, claimIdempotencyKeyCmd, keys, argv...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIdempotencyEntry returns the stored entry for the given key, or nil if
// no entry exists.
func (r *RDB) GetIdempotencyEntry(ctx context.Context, key string) (*base.IdempotencyEntry, error) {
	var op errors.Op = "rdb.GetIdempotencyEntry"
	fields, err := r.client.HGetAll(ctx, base.IdempotencyKey(key)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := &base.IdempotencyEntry{
		Status:   fields["status"],
		Response: []byte(fields["response"]),
	}
	if v := cast.ToInt64(fields["created_at"]); v != 0 {
		entry.CreatedAt = time.Unix(v, 0)
	}
	if v := cast.ToInt64(fields["completed_at"]); v != 0 {
		entry.CompletedAt = time.Unix(v, 0)
	}
	return entry, nil
}

// updateIdempotencyKeyCmd transitions an existing entry to a terminal status
// and records the response to replay to duplicate callers. The entry TTL is
// left untouched.
//
// KEYS[1] -> relayq:idempotency:<key>
// ARGV[1] -> status
// ARGV[2] -> response data
// ARGV[3] -> current unix time
//
// Output:
// Returns 1 if successfully updated
// Returns 0 if no entry exists for the key
var updateIdempotencyKeyCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1],
           "status", ARGV[1],
           "response", ARGV[2],
           "completed_at", ARGV[3])
return 1
`)

// UpdateIdempotencyKey records the outcome for a previously claimed key.
func (r *RDB) UpdateIdempotencyKey(ctx context.Context, key, status string, response []byte) error {
	var op errors.Op = "rdb.UpdateIdempotencyKey"
	keys := []string{base.IdempotencyKey(key)}
	argv := []interface{}{
		status,
		response,
		r.clock.Now().Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, updateIdempotencyKeyCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, fmt.Sprintf("no idempotency entry for key %q", key))
	}
	return nil
}
