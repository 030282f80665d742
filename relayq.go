// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/relayq/internal/base"
)

// Task represents a unit of work to be performed.
type Task struct {
	// typename indicates the type of task to be performed.
	typename string

	// payload holds data needed to perform the task.
	// It is opaque to the queue and passed verbatim to the handler.
	payload []byte

	// opts holds options for the task.
	opts []Option

	// w is the ResultWriter for the task.
	w *ResultWriter
}

func (t *Task) Type() string    { return t.typename }
func (t *Task) Payload() []byte { return t.payload }

// ResultWriter returns a pointer to the ResultWriter associated with the task.
//
// Nil pointer is returned if called on a task which is not being processed by a worker.
func (t *Task) ResultWriter() *ResultWriter { return t.w }

// NewTask returns a new Task given a type name and payload data.
// Options can be passed to NewTask, which can be overridden by options passed at enqueue time.
func NewTask(typename string, payload []byte, opts ...Option) *Task {
	return &Task{
		typename: typename,
		payload:  payload,
		opts:     opts,
	}
}

// newTask creates a task with the given typename, payload and ResultWriter.
func newTask(typename string, payload []byte, w *ResultWriter) *Task {
	return &Task{
		typename: typename,
		payload:  payload,
		w:        w,
	}
}

// A JobInfo describes a job and its metadata.
type JobInfo struct {
	// ID is the identifier of the job. Immutable once created.
	ID string

	// Queue is the name of the queue in which the job belongs.
	Queue string

	// Type is the type name of the task the job carries.
	Type string

	// Payload is the payload data of the job.
	Payload []byte

	// State indicates the job state.
	State JobState

	// MaxRetry is the maximum number of times the job can be retried.
	MaxRetry int

	// Retried is the number of times the job has retried so far.
	Retried int

	// LastErr is the error message from the last failure.
	LastErr string

	// LastFailedAt is the time of the last failure if any.
	// If the job has no failures, LastFailedAt is zero time (i.e. time.Time{}).
	LastFailedAt time.Time

	// CreatedAt is the time the job was enqueued.
	CreatedAt time.Time

	// StartedAt is the time a worker last started processing the job.
	// Zero until the job has been dequeued at least once.
	StartedAt time.Time

	// CompletedAt is the time the job reached a terminal state.
	// Zero while the job is still live.
	CompletedAt time.Time

	// NextProcessAt is the time the job is scheduled to be processed,
	// zero if not applicable.
	NextProcessAt time.Time

	// Retention is the duration the job record is retained after a
	// terminal state.
	Retention time.Duration

	// Result holds the result data associated with the job.
	// Use ResultWriter to write result data from the Handler.
	Result []byte
}

// JobState denotes the state of a job.
type JobState int

const (
	// Indicates that the job is waiting in the pending list to be processed.
	JobStatePending JobState = iota + 1

	// Indicates that the job is currently being processed by a worker.
	JobStateProcessing

	// Indicates that the job has previously failed and is waiting to be
	// processed again, either immediately or via the delayed set.
	JobStateRetrying

	// Indicates that the job is processed successfully. Terminal.
	JobStateCompleted

	// Indicates that the job has exhausted its retries or failed with a
	// non-retryable error. Terminal.
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
	panic("relayq: unknown job state")
}

func fromInternalState(s base.JobState) JobState {
	switch s {
	case base.JobStatePending:
		return JobStatePending
	case base.JobStateProcessing:
		return JobStateProcessing
	case base.JobStateRetrying:
		return JobStateRetrying
	case base.JobStateCompleted:
		return JobStateCompleted
	case base.JobStateFailed:
		return JobStateFailed
	default:
		panic(fmt.Sprintf("relayq: unknown internal state %v", s))
	}
}

func newJobInfo(info *base.JobInfo) *JobInfo {
	msg := info.Message
	ji := JobInfo{
		ID:            msg.ID,
		Queue:         msg.Queue,
		Type:          msg.Type,
		Payload:       msg.Payload,
		State:         fromInternalState(info.State),
		MaxRetry:      msg.Retry,
		Retried:       msg.Retried,
		LastErr:       msg.ErrorMsg,
		NextProcessAt: info.NextProcessAt,
		StartedAt:     info.StartedAt,
		CompletedAt:   info.CompletedAt,
		Retention:     time.Duration(msg.Retention) * time.Second,
		Result:        info.Result,
	}
	if msg.LastFailedAt != 0 {
		ji.LastFailedAt = time.Unix(msg.LastFailedAt, 0)
	}
	if msg.CreatedAt != 0 {
		ji.CreatedAt = time.Unix(msg.CreatedAt, 0)
	}
	return &ji
}

// RedisConnOpt is a discriminated union of types that represent Redis connection configuration option.
//
// RedisConnOpt represents a sum of following types:
//
//   - RedisClientOpt
//   - RedisFailoverClientOpt
//   - RedisClusterClientOpt
type RedisConnOpt interface {
	// MakeRedisClient returns a new redis client instance.
	// Return value is intentionally opaque to hide the implementation detail of redis client.
	MakeRedisClient() interface{}
}

// RedisClientOpt is used to create a redis client that connects
// to a redis server directly.
type RedisClientOpt struct {
	// Network type to use, either tcp or unix.
	// Default is tcp.
	Network string

	// Redis server address in "host:port" format.
	Addr string

	// Username to authenticate the current connection when Redis ACLs are used.
	// See: https://redis.io/commands/auth.
	Username string

	// Password to authenticate the current connection.
	// See: https://redis.io/commands/auth.
	Password string

	// Redis DB to select after connecting to a server.
	// See: https://redis.io/commands/select.
	DB int

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	// If timeout is reached, read commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is 3 seconds.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	// If timeout is reached, write commands will fail with a timeout error
	// instead of blocking.
	//
	// Use value -1 for no timeout and 0 for default.
	// Default is ReadTimeout.
	WriteTimeout time.Duration

	// Maximum number of socket connections.
	// Default is 10 connections per every CPU as reported by runtime.NumCPU.
	PoolSize int
}

func (opt RedisClientOpt) MakeRedisClient() interface{} {
	return redis.NewClient(&redis.Options{
		Network:      opt.Network,
		Addr:         opt.Addr,
		Username:     opt.Username,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		PoolSize:     opt.PoolSize,
	})
}

// RedisFailoverClientOpt is used to creates a redis client that talks
// to redis sentinels for service discovery and has an automatic failover
// capability.
type RedisFailoverClientOpt struct {
	// Redis master name that monitored by sentinels.
	MasterName string

	// Addresses of sentinels in "host:port" format.
	// Use at least three sentinels to avoid problems described in
	// https://redis.io/topics/sentinel.
	SentinelAddrs []string

	// Password to authenticate the current connection.
	SentinelPassword string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Redis DB to select after connecting to a server.
	DB int

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	WriteTimeout time.Duration

	// Maximum number of socket connections.
	PoolSize int
}

func (opt RedisFailoverClientOpt) MakeRedisClient() interface{} {
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       opt.MasterName,
		SentinelAddrs:    opt.SentinelAddrs,
		SentinelPassword: opt.SentinelPassword,
		Username:         opt.Username,
		Password:         opt.Password,
		DB:               opt.DB,
		DialTimeout:      opt.DialTimeout,
		ReadTimeout:      opt.ReadTimeout,
		WriteTimeout:     opt.WriteTimeout,
		PoolSize:         opt.PoolSize,
	})
}

// RedisClusterClientOpt is used to creates a redis client that connects to
// redis cluster.
type RedisClusterClientOpt struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// The maximum number of retries before giving up.
	// Command is retried on network errors and MOVED/ASK redirects.
	// Default is 8 retries.
	MaxRedirects int

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads.
	ReadTimeout time.Duration

	// Timeout for socket writes.
	WriteTimeout time.Duration
}

func (opt RedisClusterClientOpt) MakeRedisClient() interface{} {
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        opt.Addrs,
		MaxRedirects: opt.MaxRedirects,
		Username:     opt.Username,
		Password:     opt.Password,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
	})
}

// ParseRedisURI parses redis uri string and returns RedisConnOpt if uri is valid.
// It returns a non-nil error if uri cannot be parsed.
//
// Three URI schemes are supported, which are redis:, rediss:, and redis-sentinel:.
// Supported formats are:
//
//	redis://[:password@]host[:port][/dbnumber]
//	rediss://[:password@]host[:port][/dbnumber]
//	redis-sentinel://[:password@]host1[:port][,host2:[:port]][,hostN:[:port]][?master=masterName]
func ParseRedisURI(uri string) (RedisConnOpt, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("relayq: could not parse redis uri: %v", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return parseRedisURI(u)
	case "redis-sentinel":
		return parseRedisSentinelURI(u)
	default:
		return nil, fmt.Errorf("relayq: unsupported uri scheme: %q", u.Scheme)
	}
}

func parseRedisURI(u *url.URL) (RedisConnOpt, error) {
	var db int
	var err error

	if len(u.Path) > 0 {
		xs := strings.Split(strings.Trim(u.Path, "/"), "/")
		db, err = strconv.Atoi(xs[0])
		if err != nil {
			return nil, fmt.Errorf("relayq: could not parse redis uri: database number should be the first segment of the path")
		}
	}
	var password string
	if v, ok := u.User.Password(); ok {
		password = v
	}
	return RedisClientOpt{Addr: u.Host, DB: db, Password: password}, nil
}

func parseRedisSentinelURI(u *url.URL) (RedisConnOpt, error) {
	addrs := strings.Split(u.Host, ",")
	master := u.Query().Get("master")
	var password string
	if v, ok := u.User.Password(); ok {
		password = v
	}
	return RedisFailoverClientOpt{MasterName: master, SentinelAddrs: addrs, Password: password}, nil
}

// ResultWriter is a client interface to write result data for a job.
// It writes the data to the redis instance the server is connected to.
type ResultWriter struct {
	id     string // job ID this writer is responsible for
	qname  string // queue name the job belongs to
	broker base.Broker
	ctx    context.Context // context that hosts the deadline of the in-flight execution
}

// Write writes the given data as a result of the job the ResultWriter is associated with.
func (w *ResultWriter) Write(data []byte) (n int, err error) {
	select {
	case <-w.ctx.Done():
		return 0, fmt.Errorf("failed to result task result: %v", w.ctx.Err())
	default:
	}
	return w.broker.WriteResult(w.qname, w.id, data)
}

// TaskID returns the ID of the job the ResultWriter is associated with.
func (w *ResultWriter) TaskID() string {
	return w.id
}
