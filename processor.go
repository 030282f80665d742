// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemant/relayq/internal/base"
	"github.com/hemant/relayq/internal/errors"
	"github.com/hemant/relayq/internal/log"
)

type processor struct {
	logger *log.Logger
	broker base.Broker

	handler Handler

	queues []string

	retryDelayFunc RetryDelayFunc
	isFailureFunc  func(error) bool

	errHandler ErrorHandler

	baseCtxFn func() context.Context

	taskCheckInterval time.Duration
	dequeueTimeout    time.Duration

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	done chan struct{}

	// once is used to send value to the done channel only once.
	once sync.Once

	// quit channel is closed when the shutdown of the "processor" goroutine starts.
	quit chan struct{}

	// abort channel communicates to the in-flight worker goroutines to stop.
	abort chan struct{}

	// dequeueErrLimiter limits the rate of dequeue error logs so a store
	// outage does not flood the log.
	dequeueErrLimiter *rate.Limiter

	shutdownTimeout time.Duration
}

type processorParams struct {
	logger            *log.Logger
	broker            base.Broker
	baseCtxFn         func() context.Context
	retryDelayFunc    RetryDelayFunc
	isFailureFunc     func(error) bool
	taskCheckInterval time.Duration
	dequeueTimeout    time.Duration
	concurrency       int
	queues            []string
	errHandler        ErrorHandler
	shutdownTimeout   time.Duration
}

// newProcessor constructs a new processor.
func newProcessor(params processorParams) *processor {
	return &processor{
		logger:            params.logger,
		broker:            params.broker,
		baseCtxFn:         params.baseCtxFn,
		queues:            params.queues,
		retryDelayFunc:    params.retryDelayFunc,
		isFailureFunc:     params.isFailureFunc,
		taskCheckInterval: params.taskCheckInterval,
		dequeueTimeout:    params.dequeueTimeout,
		sema:              make(chan struct{}, params.concurrency),
		done:              make(chan struct{}),
		quit:              make(chan struct{}),
		abort:             make(chan struct{}),
		errHandler:        params.errHandler,
		dequeueErrLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		shutdownTimeout:   params.shutdownTimeout,
		handler:           HandlerFunc(func(ctx context.Context, t *Task) error { return fmt.Errorf("handler not set") }),
	}
}

// Note: stops only the "processor" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debug("Processor shutting down...")
		// Unblock if processor is waiting for sema token.
		close(p.quit)
		// Signal the processor goroutine to stop processing jobs
		// from the queue.
		p.done <- struct{}{}
	})
}

// NOTE: once shutdown, processor cannot be re-started.
func (p *processor) shutdown() {
	p.stop()

	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Info("Waiting for all workers to finish...")
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Info("All workers have finished")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.done:
				p.logger.Debug("Processor done")
				return
			default:
				p.exec()
			}
		}
	}()
}

// exec pulls a job out of a queue and starts a worker goroutine to
// process the job.
func (p *processor) exec() {
	select {
	case <-p.quit:
		return
	case p.sema <- struct{}{}: // acquire token
		msg, err := p.broker.Dequeue(context.Background(), p.dequeueTimeout, p.queues...)
		switch {
		case errors.Is(err, errors.ErrNoProcessableTask):
			// Queues are empty; the blocking pop already waited for us.
			p.logger.Debug("All queues are empty")
			if p.dequeueTimeout <= 0 {
				time.Sleep(p.taskCheckInterval)
			}
			<-p.sema // release token
			return
		case err != nil:
			// A transient store failure must not kill the poll loop;
			// log, back off briefly, and keep going.
			if p.dequeueErrLimiter.Allow() {
				p.logger.Errorf("Dequeue error: %v", err)
			}
			time.Sleep(p.taskCheckInterval)
			<-p.sema // release token
			return
		}

		go func() {
			defer func() {
				<-p.sema // release token
			}()

			ctx, cancel := context.WithCancel(p.baseCtxFn())
			defer cancel()

			rw := &ResultWriter{id: msg.ID, qname: msg.Queue, broker: p.broker, ctx: ctx}
			task := newTask(msg.Type, msg.Payload, rw)

			resCh := make(chan error, 1)
			go func() {
				resCh <- p.perform(ctx, task)
			}()

			select {
			case <-p.abort:
				// time is up, push the message back to queue and quit this worker goroutine.
				p.logger.Warnf("Quitting worker. job id=%s", msg.ID)
				p.requeue(msg)
				return
			case resErr := <-resCh:
				if resErr != nil {
					p.handleFailedMessage(ctx, msg, task, resErr)
					return
				}
				p.handleSucceededMessage(ctx, msg)
			}
		}()
	}
}

func (p *processor) requeue(msg *base.JobMessage) {
	err := p.broker.Requeue(context.Background(), msg)
	if err != nil {
		p.logger.Errorf("Could not push job id=%s back to queue: %v", msg.ID, err)
		return
	}
	p.logger.Infof("Pushed job id=%s back to queue", msg.ID)
}

func (p *processor) handleSucceededMessage(ctx context.Context, msg *base.JobMessage) {
	err := p.broker.MarkAsComplete(ctx, msg)
	if err != nil {
		if errors.IsJobNotFound(err) {
			// The record expired out from under us; completion of an
			// unknown job is a tolerated no-op.
			p.logger.Debugf("Job id=%s not found on completion; record expired", msg.ID)
			return
		}
		p.logger.Errorf("Could not mark job id=%s as completed: %v", msg.ID, err)
	}
}

func (p *processor) handleFailedMessage(ctx context.Context, msg *base.JobMessage, task *Task, err error) {
	if p.errHandler != nil {
		p.errHandler.HandleError(ctx, task, err)
	}
	if !p.isFailureFunc(err) {
		// retry the job without marking it as failed
		p.retry(ctx, msg, err, false /*isFailure*/)
		return
	}
	if msg.Retried >= msg.Retry || errors.Is(err, SkipRetry) || errors.Is(err, ErrUnknownTask) {
		p.logger.Warnf("Retry exhausted for job id=%s", msg.ID)
		p.markFailed(ctx, msg, err)
	} else {
		p.retry(ctx, msg, err, true /*isFailure*/)
	}
}

func (p *processor) retry(ctx context.Context, msg *base.JobMessage, e error, isFailure bool) {
	task := NewTask(msg.Type, msg.Payload)
	d := p.retryDelayFunc(msg.Retried+1, e, task)
	retryAt := time.Now().Add(d)
	err := p.broker.Retry(ctx, msg, retryAt, e.Error(), isFailure)
	if err != nil {
		if errors.IsJobNotFound(err) {
			p.logger.Debugf("Job id=%s not found on retry; record expired", msg.ID)
			return
		}
		p.logger.Errorf("Could not schedule retry for job id=%s: %v", msg.ID, err)
	}
}

func (p *processor) markFailed(ctx context.Context, msg *base.JobMessage, e error) {
	err := p.broker.MarkFailed(ctx, msg, e.Error())
	if err != nil {
		if errors.IsJobNotFound(err) {
			p.logger.Debugf("Job id=%s not found on failure; record expired", msg.ID)
			return
		}
		p.logger.Errorf("Could not mark job id=%s as failed: %v", msg.ID, err)
	}
}

// SkipRetry is used as a return value from Handler.ProcessTask to indicate that
// the job should not be retried and should be marked failed immediately.
var SkipRetry = errors.New("skip retry for the job")

// ErrUnknownTask indicates that there is no handler registered for the
// job's task type. Unknown tasks are not retryable; retrying will never
// make them known.
var ErrUnknownTask = errors.New("unknown task type")

// perform calls the handler with the given task.
// If the call returns without panic, it simply returns the value,
// otherwise, it recovers from panic and returns an error.
func (p *processor) perform(ctx context.Context, task *Task) (err error) {
	defer func() {
		if x := recover(); x != nil {
			errMsg := string(debug.Stack())

			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", errMsg)
			_, file, line, ok := runtime.Caller(1) // skip the first frame (panic itself)
			if ok && strings.Contains(file, "runtime/") {
				// The panic came from the runtime, most likely due to incorrect
				// map/slice usage. The parent frame should have the real trigger.
				_, file, line, ok = runtime.Caller(2)
			}

			// Include the file and line number info in the error, if runtime.Caller returned ok.
			if ok {
				err = fmt.Errorf("panic [%s:%d]: %v", file, line, x)
			} else {
				err = fmt.Errorf("panic: %v", x)
			}
		}
	}()
	return p.handler.ProcessTask(ctx, task)
}
