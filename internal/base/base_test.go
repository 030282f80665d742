// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "relayq:{default}:pending", PendingKey("default"))
	assert.Equal(t, "relayq:{default}:processing", ProcessingKey("default"))
	assert.Equal(t, "relayq:{default}:delayed", DelayedKey("default"))
	assert.Equal(t, "relayq:{default}:completed", CompletedKey("default"))
	assert.Equal(t, "relayq:{default}:failed", FailedKey("default"))
	assert.Equal(t, "relayq:{default}:j:abc123", JobKey("default", "abc123"))
	assert.Equal(t, "relayq:{custom}:processed", ProcessedTotalKey("custom"))
	assert.Equal(t, "relayq:{custom}:failed_total", FailedTotalKey("custom"))
	assert.Equal(t, "relayq:ratelimit:user42", RateLimitKey("user42"))
	assert.Equal(t, "relayq:idempotency:evt-1", IdempotencyKey("evt-1"))
}

func TestJobStateString(t *testing.T) {
	for _, state := range []JobState{
		JobStatePending,
		JobStateProcessing,
		JobStateRetrying,
		JobStateCompleted,
		JobStateFailed,
	} {
		got, err := JobStateFromString(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}

	_, err := JobStateFromString("bogus")
	assert.Error(t, err)
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.Error(t, ValidateQueueName(""))
	assert.Error(t, ValidateQueueName("   "))
}

func TestUniqueKey(t *testing.T) {
	k1 := UniqueKey("default", "email:welcome", []byte(`{"user_id":42}`))
	k2 := UniqueKey("default", "email:welcome", []byte(`{"user_id":42}`))
	assert.Equal(t, k1, k2)

	// Different payload, queue, or type yields a different key.
	assert.NotEqual(t, k1, UniqueKey("default", "email:welcome", []byte(`{"user_id":43}`)))
	assert.NotEqual(t, k1, UniqueKey("critical", "email:welcome", []byte(`{"user_id":42}`)))
	assert.NotEqual(t, k1, UniqueKey("default", "email:reminder", []byte(`{"user_id":42}`)))

	assert.Equal(t, "relayq:{default}:unique:email:welcome:", UniqueKey("default", "email:welcome", nil))
}

func TestEncodeDecodeMessage(t *testing.T) {
	msg := &JobMessage{
		Type:    "email:welcome",
		Payload: []byte(`{"user_id":42}`),
		ID:      "abc123",
		Queue:   "default",
		Retry:   3,
	}
	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
}
