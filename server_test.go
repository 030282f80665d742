// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Concurrency:             2,
		Queues:                  []string{"default"},
		DequeueTimeout:          time.Second,
		TaskCheckInterval:       100 * time.Millisecond,
		DelayedJobCheckInterval: 500 * time.Millisecond,
		ShutdownTimeout:         2 * time.Second,
		LogLevel:                ErrorLevel,
	}
}

func TestServerProcessesJobs(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	var processed int64
	mux := NewServeMux()
	mux.HandleFunc("email:welcome", func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	var infos []*JobInfo
	for i := 0; i < 3; i++ {
		info, err := client.Enqueue(NewTask("email:welcome", []byte(`{}`)))
		require.NoError(t, err)
		infos = append(infos, info)
	}

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 3
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, info := range infos {
			got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
			if err != nil || got.State != JobStateCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func TestServerProcessesDelayedJob(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	var processedAt atomic.Value
	mux := NewServeMux()
	mux.HandleFunc("report:generate", func(ctx context.Context, task *Task) error {
		processedAt.Store(time.Now())
		return nil
	})

	enqueuedAt := time.Now()
	_, err := client.Enqueue(NewTask("report:generate", nil), ProcessIn(2*time.Second))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		return processedAt.Load() != nil
	}, 15*time.Second, 50*time.Millisecond)

	// Due timestamps have second resolution, so allow up to a second of slack.
	assert.GreaterOrEqual(t, processedAt.Load().(time.Time).Sub(enqueuedAt), time.Second)
}

func TestServerRetriesUntilFailed(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	var attempts int64
	mux := NewServeMux()
	mux.HandleFunc("job:flaky", func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("downstream unavailable")
	})

	info, err := client.Enqueue(NewTask("job:flaky", nil), MaxRetry(2))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
		return err == nil && got.State == JobStateFailed
	}, 15*time.Second, 50*time.Millisecond)

	// max_retries=2 means 3 attempts total, all recorded.
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Retried)
	assert.Equal(t, "downstream unavailable", got.LastErr)
}

func TestServerUnknownTaskMarkedFailed(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	mux := NewServeMux()
	mux.HandleFunc("known:task", func(ctx context.Context, task *Task) error { return nil })

	info, err := client.Enqueue(NewTask("unknown:task", nil))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	// An unregistered type is failed on the first attempt, no retries.
	require.Eventually(t, func() bool {
		got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
		return err == nil && got.State == JobStateFailed
	}, 10*time.Second, 50*time.Millisecond)

	got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retried)
}

func TestServerSkipRetry(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	var attempts int64
	mux := NewServeMux()
	mux.HandleFunc("job:poison", func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&attempts, 1)
		return SkipRetry
	})

	info, err := client.Enqueue(NewTask("job:poison", nil), MaxRetry(5))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
		return err == nil && got.State == JobStateFailed
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func TestServerWritesResult(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	mux := NewServeMux()
	mux.HandleFunc("report:generate", func(ctx context.Context, task *Task) error {
		_, err := task.ResultWriter().Write([]byte(`{"rows":10}`))
		return err
	})

	info, err := client.Enqueue(NewTask("report:generate", nil), Retention(time.Hour))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
		return err == nil && got.State == JobStateCompleted
	}, 10*time.Second, 50*time.Millisecond)

	result, err := inspector.GetResult(context.Background(), "default", info.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"rows":10}`), result)
}

func TestServerRecoversFromPanic(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	srv := NewServerFromRedisClient(rc, testConfig())

	mux := NewServeMux()
	mux.HandleFunc("job:panics", func(ctx context.Context, task *Task) error {
		panic("boom")
	})

	info, err := client.Enqueue(NewTask("job:panics", nil), MaxRetry(0))
	require.NoError(t, err)

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
		return err == nil && got.State == JobStateFailed
	}, 10*time.Second, 50*time.Millisecond)

	got, err := inspector.GetJobInfo(context.Background(), "default", info.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastErr, "panic")
}

func TestServerExpectedTasks(t *testing.T) {
	rc, _ := setupRedis(t)
	cfg := testConfig()
	cfg.ExpectedTasks = []string{"email:welcome", "report:generate"}
	srv := NewServerFromRedisClient(rc, cfg)

	mux := NewServeMux()
	mux.HandleFunc("email:welcome", func(ctx context.Context, task *Task) error { return nil })

	err := srv.Start(mux)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report:generate")

	// With all expected handlers registered the server starts.
	mux.HandleFunc("report:generate", func(ctx context.Context, task *Task) error { return nil })
	require.NoError(t, srv.Start(mux))
	srv.Shutdown()
}

func TestServerStartTwice(t *testing.T) {
	rc, _ := setupRedis(t)
	srv := NewServerFromRedisClient(rc, testConfig())
	mux := NewServeMux()

	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()
	assert.Error(t, srv.Start(mux))
}

func TestServerStartAfterShutdown(t *testing.T) {
	rc, _ := setupRedis(t)
	srv := NewServerFromRedisClient(rc, testConfig())
	mux := NewServeMux()

	require.NoError(t, srv.Start(mux))
	srv.Shutdown()
	assert.ErrorIs(t, srv.Start(mux), ErrServerClosed)
}

func TestServerNilHandler(t *testing.T) {
	rc, _ := setupRedis(t)
	srv := NewServerFromRedisClient(rc, testConfig())
	assert.Error(t, srv.Start(nil))
}

func TestExponentialBackoff(t *testing.T) {
	for n := 1; n <= 5; n++ {
		d := ExponentialBackoff(n, errors.New("boom"), NewTask("job", nil))
		// n^4 + 15 seconds is the floor before jitter.
		min := time.Duration(n*n*n*n+15) * time.Second
		assert.GreaterOrEqual(t, d, min)
	}
}
