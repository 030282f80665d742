// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectorQueues(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	queues, err := inspector.Queues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)

	_, err = client.Enqueue(NewTask("job", nil), Queue("critical"))
	require.NoError(t, err)
	_, err = client.Enqueue(NewTask("job", nil))
	require.NoError(t, err)

	queues, err = inspector.Queues(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"critical", "default"}, queues)
}

func TestInspectorGetQueueStats(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Enqueue(NewTask("job", nil))
		require.NoError(t, err)
	}
	_, err := client.Enqueue(NewTask("job", nil), ProcessIn(time.Hour))
	require.NoError(t, err)

	stats, err := inspector.GetQueueStats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "default", stats.Queue)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(4), stats.Size)
}

func TestInspectorGetQueueStatsUnknownQueue(t *testing.T) {
	rc, _ := setupRedis(t)
	inspector := NewInspectorFromRedisClient(rc)

	_, err := inspector.GetQueueStats(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestInspectorGetJobInfo(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	info, err := client.Enqueue(NewTask("email:welcome", []byte(`{"user_id":42}`)), MaxRetry(5))
	require.NoError(t, err)

	got, err := inspector.GetJobInfo(ctx, "default", info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "email:welcome", got.Type)
	assert.Equal(t, []byte(`{"user_id":42}`), got.Payload)
	assert.Equal(t, JobStatePending, got.State)
	assert.Equal(t, 5, got.MaxRetry)

	_, err = inspector.GetJobInfo(ctx, "default", "no-such-id")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestInspectorListJobs(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		info, err := client.Enqueue(NewTask("job", nil))
		require.NoError(t, err)
		want = append(want, info.ID)
	}

	jobs, err := inspector.ListJobs(ctx, "default", JobStatePending, 0)
	require.NoError(t, err)
	var got []string
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	assert.ElementsMatch(t, want, got)

	jobs, err = inspector.ListJobs(ctx, "default", JobStateFailed, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestInspectorCancelJob(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	// A pending job can be canceled.
	info, err := client.Enqueue(NewTask("job", nil))
	require.NoError(t, err)
	require.NoError(t, inspector.CancelJob(ctx, "default", info.ID))

	got, err := inspector.GetJobInfo(ctx, "default", info.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, "job canceled", got.LastErr)

	// So can a delayed job.
	delayed, err := client.Enqueue(NewTask("job", nil), ProcessIn(time.Hour))
	require.NoError(t, err)
	require.NoError(t, inspector.CancelJob(ctx, "default", delayed.ID))

	// A terminal job cannot be canceled again.
	err = inspector.CancelJob(ctx, "default", info.ID)
	assert.ErrorIs(t, err, ErrJobNotCancelable)

	err = inspector.CancelJob(ctx, "default", "no-such-id")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestInspectorDeleteQueue(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	inspector := NewInspectorFromRedisClient(rc)
	ctx := context.Background()

	info, err := client.Enqueue(NewTask("job", nil))
	require.NoError(t, err)

	// Refuses to delete a non-empty queue without force.
	err = inspector.DeleteQueue(ctx, "default", false)
	assert.ErrorIs(t, err, ErrQueueNotEmpty)

	require.NoError(t, inspector.DeleteQueue(ctx, "default", true))
	queues, err := inspector.Queues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)
	assert.False(t, s.Exists("relayq:{default}:j:"+info.ID))

	err = inspector.DeleteQueue(ctx, "default", false)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}
