// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in relayq package.
package base

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hemant/relayq/internal/errors"
)

// Version of relayq library.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// DefaultQueue is the redis key for the default queue.
var DefaultQueue = PendingKey(DefaultQueueName)

// DefaultRetention is how long job records are kept around after reaching a
// terminal state. Job records are operational bookkeeping, not a permanent
// ledger; they expire after this window regardless of outcome.
const DefaultRetention = 24 * time.Hour

// DefaultMaxRetry is the max number of times a job is retried if not
// overridden at enqueue time.
const DefaultMaxRetry = 3

// AllQueues is the redis key for the set of all queue names.
const AllQueues = "relayq:queues" // SET

// JobState denotes the state of a job.
type JobState int

const (
	JobStatePending JobState = iota + 1
	JobStateProcessing
	JobStateRetrying
	JobStateCompleted
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "pending"
	case JobStateProcessing:
		return "processing"
	case JobStateRetrying:
		return "retrying"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	}
	panic(fmt.Sprintf("internal error: unknown job state %d", s))
}

func JobStateFromString(s string) (JobState, error) {
	switch s {
	case "pending":
		return JobStatePending, nil
	case "processing":
		return JobStateProcessing, nil
	case "retrying":
		return JobStateRetrying, nil
	case "completed":
		return JobStateCompleted, nil
	case "failed":
		return JobStateFailed, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported job state", s))
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
// The hash tag keeps all keys for one queue on the same node in cluster mode.
func QueueKeyPrefix(qname string) string {
	return "relayq:{" + qname + "}:"
}

// JobKeyPrefix returns a prefix for job record keys.
func JobKeyPrefix(qname string) string {
	return QueueKeyPrefix(qname) + "j:"
}

// JobKey returns a redis key for the given job record.
func JobKey(qname, id string) string {
	return JobKeyPrefix(qname) + id
}

// PendingKey returns a redis key for the pending list of the given queue.
func PendingKey(qname string) string {
	return QueueKeyPrefix(qname) + "pending"
}

// ProcessingKey returns a redis key for the jobs currently held by workers.
func ProcessingKey(qname string) string {
	return QueueKeyPrefix(qname) + "processing"
}

// DelayedKey returns a redis key for the delayed set of the given queue.
// The delayed set holds both delay-scheduled jobs and retry-backoff jobs,
// scored by their due timestamp.
func DelayedKey(qname string) string {
	return QueueKeyPrefix(qname) + "delayed"
}

// CompletedKey returns a redis key for the completed set of the given queue.
func CompletedKey(qname string) string {
	return QueueKeyPrefix(qname) + "completed"
}

// FailedKey returns a redis key for the failed set of the given queue.
func FailedKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed"
}

// ProcessedTotalKey returns a redis key for total processed count for the given queue.
func ProcessedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "processed"
}

// FailedTotalKey returns a redis key for total failure count for the given queue.
func FailedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed_total"
}

// RateLimitKeyPrefix is the prefix for all rate limit counter keys.
const RateLimitKeyPrefix = "relayq:ratelimit:"

// RateLimitKey returns a redis key for the rate limit counter of the given identifier.
func RateLimitKey(identifier string) string {
	return RateLimitKeyPrefix + identifier
}

// IdempotencyKeyPrefix is the prefix for all idempotency ledger keys.
const IdempotencyKeyPrefix = "relayq:idempotency:"

// IdempotencyKey returns a redis key for the idempotency entry of the given key.
func IdempotencyKey(key string) string {
	return IdempotencyKeyPrefix + key
}

// UniqueKey returns a redis key with the given type, payload, and queue name.
func UniqueKey(qname, taskType string, payload []byte) string {
	if payload == nil {
		return QueueKeyPrefix(qname) + "unique:" + taskType + ":"
	}
	checksum := md5.Sum(payload)
	return QueueKeyPrefix(qname) + "unique:" + taskType + ":" + hex.EncodeToString(checksum[:])
}

// JobMessage is the internal representation of a job with additional metadata fields.
// Serialized data of this type gets written to redis.
type JobMessage struct {
	// Type indicates the kind of the task to be performed.
	Type string `json:"type"`

	// Payload holds data needed to process the job.
	// It is opaque to the queue and passed verbatim to the task handler.
	Payload []byte `json:"payload"`

	// ID is a unique identifier for each job. Immutable once created.
	ID string `json:"id"`

	// Queue is a name this message should be enqueued to.
	Queue string `json:"queue"`

	// Retry is the max number of retry for this job.
	Retry int `json:"retry"`

	// Retried is the number of times we've retried this job so far.
	Retried int `json:"retried"`

	// ErrorMsg holds the error message from the last failure.
	ErrorMsg string `json:"error_msg,omitempty"`

	// Time of last failure in Unix time,
	// the number of seconds elapsed since January 1, 1970 UTC.
	//
	// Use zero to indicate no last failure
	LastFailedAt int64 `json:"last_failed_at,omitempty"`

	// CreatedAt is the time the job was enqueued in Unix time.
	CreatedAt int64 `json:"created_at"`

	// UniqueKey holds the redis key used for uniqueness lock for this job.
	//
	// Empty string indicates that no uniqueness lock was used.
	UniqueKey string `json:"unique_key,omitempty"`

	// Retention specifies the number of seconds the job record should be
	// retained after reaching a terminal state.
	//
	// Use zero to fall back to the default retention window.
	Retention int64 `json:"retention,omitempty"`

	// CompletedAt is the time the job reached a terminal state in Unix time.
	//
	// Use zero to indicate no value.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// EncodeMessage marshals the given job message and returns an encoded bytes.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
func DecodeMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// JobInfo describes a job message and its metadata.
type JobInfo struct {
	Message       *JobMessage
	State         JobState
	NextProcessAt time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	Result        []byte
}

// Z represents sorted set member.
type Z struct {
	Message *JobMessage
	Score   int64
}

// QueueStats is a snapshot of the size of each structure belonging to a queue.
type QueueStats struct {
	// Name of the queue.
	Queue string
	// Size of each structure at the time of the snapshot.
	Pending    int64
	Processing int64
	Delayed    int64
	Completed  int64
	Failed     int64
	// Total number of job records (including results) currently stored.
	Jobs int64
	// Cumulative counters since the queue was created.
	ProcessedTotal int64
	FailedTotal    int64
	// Time the snapshot was taken.
	Timestamp time.Time
}

// RateLimitState is the outcome of one atomic rate limit increment.
type RateLimitState struct {
	// Count is the counter value after the increment.
	Count int64
	// TTL is the remaining window for the counter key.
	// Negative when the key carries no expiry.
	TTL time.Duration
}

// IdempotencyEntry is the stored record for one idempotency key.
// Entries are stored as redis hashes so status transitions can update
// individual fields atomically without a read-modify-write cycle.
type IdempotencyEntry struct {
	// Status is "pending" while the work is in flight, then "completed" or "failed".
	Status string

	// Response recorded by the first completion, replayed to duplicate callers.
	Response []byte

	// CreatedAt is the time the key was claimed.
	CreatedAt time.Time

	// CompletedAt is the time the result was recorded.
	// Zero until the entry reaches a terminal status.
	CompletedAt time.Time
}

// Broker is a message broker that supports operations to manage job queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error
	Enqueue(ctx context.Context, msg *JobMessage) error
	EnqueueUnique(ctx context.Context, msg *JobMessage, ttl time.Duration) error

	// Dequeue pops one job off the pending list of the given queues,
	// promoting due delayed jobs first. It blocks up to timeout when all
	// queues are empty; with a zero timeout it returns immediately.
	Dequeue(ctx context.Context, timeout time.Duration, qnames ...string) (*JobMessage, error)

	Done(ctx context.Context, msg *JobMessage) error
	MarkAsComplete(ctx context.Context, msg *JobMessage) error
	Requeue(ctx context.Context, msg *JobMessage) error
	Schedule(ctx context.Context, msg *JobMessage, processAt time.Time) error
	ScheduleUnique(ctx context.Context, msg *JobMessage, processAt time.Time, ttl time.Duration) error
	Retry(ctx context.Context, msg *JobMessage, processAt time.Time, errMsg string, isFailure bool) error
	MarkFailed(ctx context.Context, msg *JobMessage, errMsg string) error
	ForwardIfReady(qnames ...string) error

	// Job retention related method
	DeleteExpiredJobs(qname string, batchSize int) error

	WriteResult(qname, id string, data []byte) (n int, err error)
}
