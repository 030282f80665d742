// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeMuxDispatch(t *testing.T) {
	mux := NewServeMux()
	var called string
	mux.HandleFunc("email:welcome", func(ctx context.Context, task *Task) error {
		called = task.Type()
		return nil
	})
	mux.HandleFunc("email:reminder", func(ctx context.Context, task *Task) error {
		called = task.Type()
		return nil
	})

	err := mux.ProcessTask(context.Background(), NewTask("email:reminder", nil))
	require.NoError(t, err)
	assert.Equal(t, "email:reminder", called)
}

func TestServeMuxUnknownTask(t *testing.T) {
	mux := NewServeMux()
	mux.HandleFunc("known", func(ctx context.Context, task *Task) error { return nil })

	err := mux.ProcessTask(context.Background(), NewTask("unknown", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestServeMuxDuplicateRegistration(t *testing.T) {
	mux := NewServeMux()
	mux.HandleFunc("job", func(ctx context.Context, task *Task) error { return nil })
	assert.Panics(t, func() {
		mux.HandleFunc("job", func(ctx context.Context, task *Task) error { return nil })
	})
}

func TestServeMuxInvalidRegistration(t *testing.T) {
	mux := NewServeMux()
	assert.Panics(t, func() { mux.HandleFunc("", func(ctx context.Context, task *Task) error { return nil }) })
	assert.Panics(t, func() { mux.HandleFunc("job", nil) })
}

func TestServeMuxMiddlewareOrder(t *testing.T) {
	mux := NewServeMux()
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, task *Task) error {
				order = append(order, name)
				return next.ProcessTask(ctx, task)
			})
		}
	}
	mux.Use(mw("first"), mw("second"))
	mux.HandleFunc("job", func(ctx context.Context, task *Task) error {
		order = append(order, "handler")
		return nil
	})

	require.NoError(t, mux.ProcessTask(context.Background(), NewTask("job", nil)))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestServeMuxHas(t *testing.T) {
	mux := NewServeMux()
	mux.HandleFunc("job", func(ctx context.Context, task *Task) error { return nil })

	assert.True(t, mux.Has("job"))
	assert.False(t, mux.Has("other"))
	assert.Equal(t, []string{"job"}, mux.HandlerNames())
}
