// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/relayq/internal/base"
)

func TestClientEnqueue(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("email:welcome", []byte(`{"user_id":42}`))
	info, err := client.Enqueue(task)
	require.NoError(t, err)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "default", info.Queue)
	assert.Equal(t, "email:welcome", info.Type)
	assert.Equal(t, JobStatePending, info.State)
	assert.Equal(t, base.DefaultMaxRetry, info.MaxRetry)
	assert.Equal(t, 0, info.Retried)

	pending, err := s.List(base.PendingKey("default"))
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, pending)
}

func TestClientEnqueueWithOptions(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("email:welcome", []byte(`{}`))
	info, err := client.Enqueue(task,
		Queue("critical"),
		MaxRetry(5),
		TaskID("custom-id"),
		Retention(48*time.Hour),
	)
	require.NoError(t, err)

	assert.Equal(t, "custom-id", info.ID)
	assert.Equal(t, "critical", info.Queue)
	assert.Equal(t, 5, info.MaxRetry)
	assert.Equal(t, 48*time.Hour, info.Retention)

	pending, err := s.List(base.PendingKey("critical"))
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-id"}, pending)
}

func TestClientEnqueueTaskOptionsOverridden(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	// Options given at enqueue time win over options bound to the task.
	task := NewTask("email:welcome", nil, Queue("low"), MaxRetry(1))
	info, err := client.Enqueue(task, Queue("critical"))
	require.NoError(t, err)
	assert.Equal(t, "critical", info.Queue)
	assert.Equal(t, 1, info.MaxRetry)
}

func TestClientEnqueueProcessIn(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("report:generate", nil)
	info, err := client.Enqueue(task, ProcessIn(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, JobStatePending, info.State)
	assert.False(t, info.NextProcessAt.IsZero())

	// The job waits in the delayed set, not the pending list.
	members, err := s.ZMembers(base.DelayedKey("default"))
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, members)
	assert.False(t, s.Exists(base.PendingKey("default")))
}

func TestClientEnqueueProcessAtPast(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("report:generate", nil)
	info, err := client.Enqueue(task, ProcessAt(time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	// A past timestamp means the job is runnable now.
	pending, err := s.List(base.PendingKey("default"))
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, pending)
}

func TestClientEnqueueTaskIDConflict(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("email:welcome", nil)
	_, err := client.Enqueue(task, TaskID("dup"))
	require.NoError(t, err)

	_, err = client.Enqueue(task, TaskID("dup"))
	assert.ErrorIs(t, err, ErrTaskIDConflict)
}

func TestClientEnqueueUnique(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	task := NewTask("email:welcome", []byte(`{"user_id":42}`))
	_, err := client.Enqueue(task, Unique(time.Hour))
	require.NoError(t, err)

	_, err = client.Enqueue(task, Unique(time.Hour))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	// Same type, different payload is a different job.
	other := NewTask("email:welcome", []byte(`{"user_id":43}`))
	_, err = client.Enqueue(other, Unique(time.Hour))
	assert.NoError(t, err)
}

func TestClientEnqueueValidationErrors(t *testing.T) {
	rc, _ := setupRedis(t)
	client := NewClientFromRedisClient(rc)

	_, err := client.Enqueue(nil)
	assert.Error(t, err)

	_, err = client.Enqueue(NewTask("  ", nil))
	assert.Error(t, err)

	_, err = client.Enqueue(NewTask("ok", nil), Queue("  "))
	assert.Error(t, err)

	_, err = client.Enqueue(NewTask("ok", nil), TaskID("  "))
	assert.Error(t, err)

	_, err = client.Enqueue(NewTask("ok", nil), Unique(time.Millisecond))
	assert.Error(t, err)
}

func TestClientEnqueueStoreUnavailable(t *testing.T) {
	rc, s := setupRedis(t)
	client := NewClientFromRedisClient(rc)
	s.Close()

	_, err := client.Enqueue(NewTask("email:welcome", nil))
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}
