// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/log"
	"github.com/hemant/relayq/internal/rdb"
)

// Server is responsible for job processing and job lifecycle management.
//
// Server pulls jobs off queues and processes them.
// If the processing of a job is unsuccessful, server will schedule it for a retry.
//
// A job will be retried until either the job gets processed successfully
// or until it reaches its max retry count, after which it is marked failed
// and kept for operator inspection until its retention window expires.
//
// Delivery is at-least-once: a job may run more than once across process
// crashes, so handlers should be idempotent.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	forwarder     *forwarder
	processor     *processor
	healthchecker *healthchecker
	janitor       *janitor

	expectedTasks []string
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new jobs.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's background-job processing behavior.
type Config struct {
	// Maximum number of concurrent processing of jobs.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// List of queues to process. Queues are polled in the listed order, so
	// within one poll cycle earlier queues are drained first; there is no
	// weighted priority beyond that.
	//
	// If set to nil or not specified, the server will process only the "default" queue.
	Queues []string

	// DequeueTimeout specifies how long one dequeue call blocks waiting for
	// a job when all queues are empty.
	//
	// If unset, zero or a negative value, the timeout is set to 5 seconds.
	DequeueTimeout time.Duration

	// TaskCheckInterval specifies the interval between polls when DequeueTimeout
	// is disabled and a poll comes back empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	TaskCheckInterval time.Duration

	// Function to calculate retry delay for a failed job.
	//
	// By default retried jobs are pushed straight back to the consume end of
	// the pending list with no backoff. Note that an immediate retry will
	// amplify load on a downstream dependency that is having an outage;
	// installing ExponentialBackoff (or a custom function) trades retry
	// latency for protection against that.
	RetryDelayFunc RetryDelayFunc

	// Predicate function to determine whether the error returned from Handler is a failure.
	// If the function returns false, Server will not increment the retried counter for the job.
	//
	// By default, if the given error is non-nil the function returns true.
	IsFailure func(error) bool

	// ErrorHandler handles errors returned by the job handler.
	ErrorHandler ErrorHandler

	// ExpectedTasks lists task type names this server is expected to handle.
	// Start returns an error if any listed name has no registered handler,
	// so a misconfigured worker fails at startup instead of failing jobs at
	// runtime.
	ExpectedTasks []string

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their jobs
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// DelayedJobCheckInterval specifies the interval between checks for delayed
	// jobs to promote to the pending list when they are ready to be processed.
	//
	// Promotion also happens on every dequeue, so this bounds promotion
	// latency while all workers are parked in a blocking pop.
	//
	// If unset or zero, the interval is set to 5 seconds.
	DelayedJobCheckInterval time.Duration

	// JanitorInterval specifies the average interval of janitor checks for expired job records.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired job records to be deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error occurred during job processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, task *Task, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, task *Task, err error)

// HandleError calls fn(ctx, task, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, task *Task, err error) {
	fn(ctx, task, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed job given
// the retry count, error, and the task.
type RetryDelayFunc func(n int, e error, t *Task) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("relayq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", l))
}

// ExponentialBackoff is an opt-in RetryDelayFunc.
// It uses exponential back-off strategy to calculate the retry delay.
func ExponentialBackoff(n int, e error, t *Task) time.Duration {
	// Formula taken from https://github.com/mperham/sidekiq.
	s := int(math.Pow(float64(n), 4)) + 15 + (rand.Intn(30) * (n + 1))
	return time.Duration(s) * time.Second
}

// defaultRetryDelayFunc is the RetryDelayFunc used if one is not specified in Config.
// Retried jobs go straight back onto the pending list with no backoff.
func defaultRetryDelayFunc(n int, e error, t *Task) time.Duration { return 0 }

func defaultIsFailureFunc(err error) bool { return err != nil }

var defaultQueues = []string{base.DefaultQueueName}

const (
	defaultTaskCheckInterval       = 1 * time.Second
	defaultDequeueTimeout          = 5 * time.Second
	defaultShutdownTimeout         = 8 * time.Second
	defaultHealthCheckInterval     = 15 * time.Second
	defaultDelayedJobCheckInterval = 5 * time.Second
	defaultJanitorInterval         = 8 * time.Second
	defaultJanitorBatchSize        = 100
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("relayq: unsupported RedisConnOpt type %T", r))
	}
	server := NewServerFromRedisClient(redisClient, cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	n := cfg.Concurrency
	if n < 1 {
		n = runtime.NumCPU()
	}

	taskCheckInterval := cfg.TaskCheckInterval
	if taskCheckInterval <= 0 {
		taskCheckInterval = defaultTaskCheckInterval
	}
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = defaultDequeueTimeout
	}

	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = defaultRetryDelayFunc
	}
	isFailureFunc := cfg.IsFailure
	if isFailureFunc == nil {
		isFailureFunc = defaultIsFailureFunc
	}
	var qnames []string
	seen := make(map[string]bool)
	for _, qname := range cfg.Queues {
		qname = strings.TrimSpace(qname)
		if err := base.ValidateQueueName(qname); err != nil {
			continue // ignore invalid queue names
		}
		if !seen[qname] {
			seen[qname] = true
			qnames = append(qnames, qname)
		}
	}
	if len(qnames) == 0 {
		qnames = defaultQueues
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	rdb := rdb.NewRDB(c)
	srvState := &serverState{value: srvStateNew}

	delayedJobCheckInterval := cfg.DelayedJobCheckInterval
	if delayedJobCheckInterval == 0 {
		delayedJobCheckInterval = defaultDelayedJobCheckInterval
	}
	forwarder := newForwarder(forwarderParams{
		logger:   logger,
		broker:   rdb,
		queues:   qnames,
		interval: delayedJobCheckInterval,
	})
	processor := newProcessor(processorParams{
		logger:            logger,
		broker:            rdb,
		retryDelayFunc:    delayFunc,
		taskCheckInterval: taskCheckInterval,
		dequeueTimeout:    dequeueTimeout,
		baseCtxFn:         baseCtxFn,
		isFailureFunc:     isFailureFunc,
		concurrency:       n,
		queues:            qnames,
		errHandler:        cfg.ErrorHandler,
		shutdownTimeout:   shutdownTimeout,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          rdb,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}

	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	janitor := newJanitor(janitorParams{
		logger:    logger,
		broker:    rdb,
		queues:    qnames,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:           logger,
		broker:           rdb,
		sharedConnection: true,
		state:            srvState,
		forwarder:        forwarder,
		processor:        processor,
		healthchecker:    healthchecker,
		janitor:          janitor,
		expectedTasks:    cfg.ExpectedTasks,
	}
}

// A Handler processes tasks.
//
// ProcessTask should return nil if the processing of a task
// is successful.
//
// If ProcessTask returns a non-nil error or panics, the job
// will be retried if retry-count is remaining,
// otherwise the job will be marked failed.
type Handler interface {
	ProcessTask(context.Context, *Task) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Task) error

// ProcessTask calls fn(ctx, task)
func (fn HandlerFunc) ProcessTask(ctx context.Context, task *Task) error {
	return fn(ctx, task)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("relayq: Server closed")

// Run starts the job processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the jobs.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it pulls jobs off queues and starts a worker goroutine for each job
// and then call Handler to process it.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("relayq: server cannot run with nil handler")
	}
	if err := srv.checkExpectedTasks(handler); err != nil {
		return err
	}
	srv.processor.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.healthchecker.start(&srv.wg)
	srv.forwarder.start(&srv.wg)
	srv.processor.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// checkExpectedTasks verifies at startup that every task name listed in
// Config.ExpectedTasks has a registered handler, so that a missing
// registration is discovered before any job fails at runtime.
func (srv *Server) checkExpectedTasks(handler Handler) error {
	if len(srv.expectedTasks) == 0 {
		return nil
	}
	registry, ok := handler.(interface{ Has(string) bool })
	if !ok {
		return fmt.Errorf("relayq: ExpectedTasks is set but the handler is not a registry (use ServeMux)")
	}
	var missing []string
	for _, name := range srv.expectedTasks {
		if !registry.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("relayq: no handler registered for expected tasks: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("relayq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("relayq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.forwarder.shutdown()
	srv.processor.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new jobs off queues.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
