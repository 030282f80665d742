// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/errors"
	"github.com/hemant/relayq/internal/rdb"
)

// Inspector is a client interface to inspect and mutate the state of
// queues and jobs.
type Inspector struct {
	rdb *rdb.RDB
	// When an Inspector has been created with an existing Redis connection,
	// we do not want to close it.
	sharedConnection bool
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt) *Inspector {
	c, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("relayq: unsupported RedisConnOpt type %T", r))
	}
	inspector := NewInspectorFromRedisClient(c)
	inspector.sharedConnection = false
	return inspector
}

// NewInspectorFromRedisClient returns a new instance of Inspector given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by relayq, you are responsible for closing it.
func NewInspectorFromRedisClient(c redis.UniversalClient) *Inspector {
	return &Inspector{rdb: rdb.NewRDB(c), sharedConnection: true}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	if i.sharedConnection {
		return fmt.Errorf("redis connection is shared so the inspector can't be closed through relayq")
	}
	return i.rdb.Close()
}

// Queues returns a list of all queue names.
func (i *Inspector) Queues(ctx context.Context) ([]string, error) {
	return i.rdb.AllQueues(ctx)
}

// QueueStats represents a snapshot of a queue's state at a point in time.
type QueueStats struct {
	// Name of the queue.
	Queue string

	// Number of jobs in each state.
	Pending    int64
	Processing int64
	Delayed    int64
	Completed  int64
	Failed     int64

	// Number of job records currently stored for the queue.
	Size int64

	// Total number of jobs processed (both succeeded and failed) since the
	// queue was created. Decays with the daily stats retention.
	ProcessedTotal int64

	// Total number of jobs that exhausted their retries since the queue
	// was created.
	FailedTotal int64

	// Time the snapshot was taken.
	Timestamp time.Time
}

// GetQueueStats returns a current stats snapshot of the given queue.
func (i *Inspector) GetQueueStats(ctx context.Context, qname string) (*QueueStats, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, err
	}
	stats, err := i.rdb.CurrentStats(ctx, qname)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Queue:          stats.Queue,
		Pending:        stats.Pending,
		Processing:     stats.Processing,
		Delayed:        stats.Delayed,
		Completed:      stats.Completed,
		Failed:         stats.Failed,
		Size:           stats.Jobs,
		ProcessedTotal: stats.ProcessedTotal,
		FailedTotal:    stats.FailedTotal,
		Timestamp:      stats.Timestamp,
	}, nil
}

// GetJobInfo returns the current state and metadata of the job with the
// given id in the given queue.
//
// Returns an error wrapping ErrJobNotFound if a job with the given id
// doesn't exist in the queue (or its record has already expired).
func (i *Inspector) GetJobInfo(ctx context.Context, qname, id string) (*JobInfo, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, err
	}
	info, err := i.rdb.GetJobInfo(ctx, qname, id)
	switch {
	case errors.IsJobNotFound(err):
		return nil, fmt.Errorf("relayq: %w", ErrJobNotFound)
	case err != nil:
		return nil, fmt.Errorf("relayq: %v", err)
	}
	return newJobInfo(info), nil
}

// GetResult returns the result data recorded for the job with the given id.
// Nil data with a nil error means the job exists but has no result yet.
//
// Returns an error wrapping ErrJobNotFound if a job with the given id
// doesn't exist in the queue.
func (i *Inspector) GetResult(ctx context.Context, qname, id string) ([]byte, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, err
	}
	data, err := i.rdb.GetResult(ctx, qname, id)
	switch {
	case errors.IsJobNotFound(err):
		return nil, fmt.Errorf("relayq: %w", ErrJobNotFound)
	case err != nil:
		return nil, fmt.Errorf("relayq: %v", err)
	}
	return data, nil
}

// ListJobs returns up to limit jobs in the given queue and state.
// Pass limit <= 0 for the default page size of 100.
func (i *Inspector) ListJobs(ctx context.Context, qname string, state JobState, limit int) ([]*JobInfo, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, err
	}
	infos, err := i.rdb.ListJobs(ctx, qname, toInternalState(state), limit)
	if err != nil {
		return nil, fmt.Errorf("relayq: %v", err)
	}
	res := make([]*JobInfo, 0, len(infos))
	for _, info := range infos {
		res = append(res, newJobInfo(info))
	}
	return res, nil
}

// CancelJob cancels a job that is still waiting to run, moving it to the
// failed state. A job already picked up by a worker or already terminal
// cannot be canceled; in that case an error wrapping ErrJobNotCancelable
// is returned.
func (i *Inspector) CancelJob(ctx context.Context, qname, id string) error {
	if err := base.ValidateQueueName(qname); err != nil {
		return err
	}
	err := i.rdb.CancelJob(ctx, qname, id)
	switch {
	case errors.IsJobNotFound(err):
		return fmt.Errorf("relayq: %w", ErrJobNotFound)
	case errors.Is(err, errors.ErrJobNotCancelable):
		return fmt.Errorf("relayq: %w", ErrJobNotCancelable)
	case err != nil:
		return fmt.Errorf("relayq: %v", err)
	}
	return nil
}

// DeleteQueue removes the specified queue.
//
// If force is set to true, DeleteQueue will remove the queue regardless of
// the queue size as long as no jobs are being processed for the queue.
// If force is set to false, DeleteQueue will remove the queue only if
// the queue is empty.
//
// If the specified queue does not exist, DeleteQueue returns an error
// wrapping ErrQueueNotFound.
// If force is set to false and the specified queue is not empty, DeleteQueue
// returns an error wrapping ErrQueueNotEmpty.
func (i *Inspector) DeleteQueue(ctx context.Context, qname string, force bool) error {
	err := i.rdb.RemoveQueue(ctx, qname, force)
	switch {
	case errors.IsQueueNotFound(err):
		return fmt.Errorf("relayq: %w", ErrQueueNotFound)
	case errors.Is(err, errors.ErrQueueNotEmpty):
		return fmt.Errorf("relayq: %w", ErrQueueNotEmpty)
	case err != nil:
		return err
	}
	return nil
}

func toInternalState(s JobState) base.JobState {
	switch s {
	case JobStatePending:
		return base.JobStatePending
	case JobStateProcessing:
		return base.JobStateProcessing
	case JobStateRetrying:
		return base.JobStateRetrying
	case JobStateCompleted:
		return base.JobStateCompleted
	case JobStateFailed:
		return base.JobStateFailed
	default:
		panic(fmt.Sprintf("relayq: unknown job state %v", s))
	}
}

// Sentinel errors returned by Inspector methods. Test with errors.Is.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotCancelable = errors.New("job is not cancelable")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrQueueNotEmpty    = errors.New("queue is not empty")
)
