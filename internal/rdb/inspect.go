// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/errors"
)

// AllQueues returns a list of all queue names.
func (r *RDB) AllQueues(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, base.AllQueues).Result()
}

// queueExists reports whether the given queue name is registered.
func (r *RDB) queueExists(ctx context.Context, qname string) (bool, error) {
	return r.client.SIsMember(ctx, base.AllQueues, qname).Result()
}

// CurrentStats returns a current state of the queue. Purely read-only
// beyond the snapshot timestamp; no structure is mutated.
func (r *RDB) CurrentStats(ctx context.Context, qname string) (*base.QueueStats, error) {
	var op errors.Op = "rdb.CurrentStats"
	exists, err := r.queueExists(ctx, qname)
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !exists {
		return nil, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, base.PendingKey(qname))
	processing := pipe.LLen(ctx, base.ProcessingKey(qname))
	delayed := pipe.ZCard(ctx, base.DelayedKey(qname))
	completed := pipe.ZCard(ctx, base.CompletedKey(qname))
	failed := pipe.ZCard(ctx, base.FailedKey(qname))
	processedTotal := pipe.Get(ctx, base.ProcessedTotalKey(qname))
	failedTotal := pipe.Get(ctx, base.FailedTotalKey(qname))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unavailable, fmt.Sprintf("pipeline error: %v", err))
	}
	jobs, err := r.countJobRecords(ctx, qname)
	if err != nil {
		return nil, errors.E(op, errors.CanonicalCode(err), err)
	}
	stats := &base.QueueStats{
		Queue:          qname,
		Pending:        pending.Val(),
		Processing:     processing.Val(),
		Delayed:        delayed.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		Jobs:           jobs,
		ProcessedTotal: cast.ToInt64(processedTotal.Val()),
		FailedTotal:    cast.ToInt64(failedTotal.Val()),
		Timestamp:      r.clock.Now(),
	}
	return stats, nil
}

// countJobRecords counts the job record keys stored for the given queue.
func (r *RDB) countJobRecords(ctx context.Context, qname string) (int64, error) {
	var op errors.Op = "rdb.countJobRecords"
	var (
		count  int64
		cursor uint64
	)
	pattern := base.JobKeyPrefix(qname) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "scan", Err: err})
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// GetJobInfo returns a JobInfo describing the job with the given id.
func (r *RDB) GetJobInfo(ctx context.Context, qname, id string) (*base.JobInfo, error) {
	var op errors.Op = "rdb.GetJobInfo"
	fields, err := r.client.HGetAll(ctx, base.JobKey(qname, id)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(fields) == 0 {
		return nil, errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
	}
	info, err := r.parseJobInfo(ctx, qname, id, fields)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return info, nil
}

func (r *RDB) parseJobInfo(ctx context.Context, qname, id string, fields map[string]string) (*base.JobInfo, error) {
	msg, err := base.DecodeMessage([]byte(fields["msg"]))
	if err != nil {
		return nil, fmt.Errorf("cannot decode message: %v", err)
	}
	state, err := base.JobStateFromString(fields["state"])
	if err != nil {
		return nil, err
	}
	info := &base.JobInfo{
		Message: msg,
		State:   state,
		Result:  []byte(fields["result"]),
	}
	if v := cast.ToInt64(fields["started_at"]); v != 0 {
		info.StartedAt = time.Unix(v, 0)
	}
	if v := cast.ToInt64(fields["completed_at"]); v != 0 {
		info.CompletedAt = time.Unix(v, 0)
	}
	// A job in the delayed set carries its due timestamp as the score.
	if state == base.JobStatePending || state == base.JobStateRetrying {
		score, err := r.client.ZScore(ctx, base.DelayedKey(qname), id).Result()
		if err == nil {
			info.NextProcessAt = time.Unix(int64(score), 0)
		}
	}
	return info, nil
}

// GetResult returns the result data of the job with the given id.
// Returns nil data when the job has no recorded result.
func (r *RDB) GetResult(ctx context.Context, qname, id string) ([]byte, error) {
	var op errors.Op = "rdb.GetResult"
	data, err := r.client.HGet(ctx, base.JobKey(qname, id), "result").Result()
	if err == redis.Nil {
		exists, eerr := r.client.Exists(ctx, base.JobKey(qname, id)).Result()
		if eerr != nil {
			return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "exists", Err: eerr})
		}
		if exists == 0 {
			return nil, errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hget", Err: err})
	}
	return []byte(data), nil
}

// listJobsPageSize is the maximum number of jobs returned by ListJobs.
const listJobsPageSize = 100

// ListJobs returns jobs in the given queue and state, most recent first for
// list-backed states and due-order for the delayed set.
func (r *RDB) ListJobs(ctx context.Context, qname string, state base.JobState, limit int) ([]*base.JobInfo, error) {
	var op errors.Op = "rdb.ListJobs"
	if limit <= 0 || limit > listJobsPageSize {
		limit = listJobsPageSize
	}
	var ids []string
	var err error
	switch state {
	case base.JobStatePending:
		ids, err = r.client.LRange(ctx, base.PendingKey(qname), 0, int64(limit-1)).Result()
	case base.JobStateProcessing:
		ids, err = r.client.LRange(ctx, base.ProcessingKey(qname), 0, int64(limit-1)).Result()
	case base.JobStateRetrying:
		ids, err = r.client.ZRange(ctx, base.DelayedKey(qname), 0, int64(limit-1)).Result()
	case base.JobStateCompleted:
		ids, err = r.client.ZRange(ctx, base.CompletedKey(qname), 0, int64(limit-1)).Result()
	case base.JobStateFailed:
		ids, err = r.client.ZRange(ctx, base.FailedKey(qname), 0, int64(limit-1)).Result()
	default:
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("unsupported state %v", state))
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	var infos []*base.JobInfo
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, base.JobKey(qname, id)).Result()
		if err != nil || len(fields) == 0 {
			continue // record expired between listing and lookup
		}
		info, err := r.parseJobInfo(ctx, qname, id, fields)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// cancelJobCmd removes a waiting job from the pending list or the delayed
// set and marks it failed. A job already picked up by a worker is left
// alone; there is no cooperative cancellation of in-flight work.
//
// KEYS[1] -> relayq:{<qname>}:pending
// KEYS[2] -> relayq:{<qname>}:delayed
// KEYS[3] -> relayq:{<qname>}:j:<job_id>
// KEYS[4] -> relayq:{<qname>}:failed
// -------
// ARGV[1] -> job ID
// ARGV[2] -> updated job message
// ARGV[3] -> current unix time
// ARGV[4] -> unix time to expire the job record
//
// Output:
// Returns 1 if the job was canceled
// Returns 0 if the job was not waiting in pending or delayed
var cancelJobCmd = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 0, ARGV[1]) + redis.call("ZREM", KEYS[2], ARGV[1])
if removed == 0 then
	return 0
end
redis.call("HSET", KEYS[3],
           "msg", ARGV[2],
           "state", "failed",
           "completed_at", ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
redis.call("EXPIREAT", KEYS[3], ARGV[4])
return 1
`)

// CancelJob cancels a job that is still waiting in the pending list or the
// delayed set, marking it failed with a cancellation error. Returns
// ErrJobNotCancelable when the job has already been picked up or finished.
func (r *RDB) CancelJob(ctx context.Context, qname, id string) error {
	var op errors.Op = "rdb.CancelJob"
	fields, err := r.client.HGetAll(ctx, base.JobKey(qname, id)).Result()
	if err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(fields) == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Queue: qname, ID: id})
	}
	msg, err := base.DecodeMessage([]byte(fields["msg"]))
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	now := r.clock.Now()
	msg.ErrorMsg = "job canceled"
	msg.CompletedAt = now.Unix()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.PendingKey(qname),
		base.DelayedKey(qname),
		base.JobKey(qname, id),
		base.FailedKey(qname),
	}
	argv := []interface{}{
		id,
		encoded,
		now.Unix(),
		now.Add(time.Duration(retentionSeconds(msg)) * time.Second).Unix(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, cancelJobCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrJobNotCancelable)
	}
	return nil
}

// RemoveQueue removes the specified queue.
//
// If force is set to true, it will remove the queue regardless
// of whether the queue is empty.
// If force is set to false, it will only remove the queue if
// it is empty (no pending, processing, or delayed jobs).
func (r *RDB) RemoveQueue(ctx context.Context, qname string, force bool) error {
	var op errors.Op = "rdb.RemoveQueue"
	exists, err := r.queueExists(ctx, qname)
	if err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !exists {
		return errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	if !force {
		pipe := r.client.Pipeline()
		pending := pipe.LLen(ctx, base.PendingKey(qname))
		processing := pipe.LLen(ctx, base.ProcessingKey(qname))
		delayed := pipe.ZCard(ctx, base.DelayedKey(qname))
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.E(op, errors.Unavailable, fmt.Sprintf("pipeline error: %v", err))
		}
		if pending.Val()+processing.Val()+delayed.Val() > 0 {
			return errors.E(op, errors.FailedPrecondition, errors.ErrQueueNotEmpty)
		}
	}
	if err := r.deleteJobRecords(ctx, qname); err != nil {
		return errors.E(op, errors.CanonicalCode(err), err)
	}
	structureKeys := []string{
		base.PendingKey(qname),
		base.ProcessingKey(qname),
		base.DelayedKey(qname),
		base.CompletedKey(qname),
		base.FailedKey(qname),
		base.ProcessedTotalKey(qname),
		base.FailedTotalKey(qname),
	}
	if err := r.client.Del(ctx, structureKeys...).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "del", Err: err})
	}
	if err := r.client.SRem(ctx, base.AllQueues, qname).Err(); err != nil {
		return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "srem", Err: err})
	}
	return nil
}

// deleteJobRecords deletes every job record key belonging to the queue.
func (r *RDB) deleteJobRecords(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.deleteJobRecords"
	var cursor uint64
	pattern := base.JobKeyPrefix(qname) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "scan", Err: err})
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return errors.E(op, errors.Unavailable, &errors.RedisCommandError{Command: "del", Err: err})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
