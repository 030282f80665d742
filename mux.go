// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"sync"
)

// ServeMux is a multiplexer for asynchronous tasks.
// It matches the type of each task against a list of registered names
// and calls the handler registered under that name.
//
// The registry is keyed by exact task type name; this is what decouples
// producers (which only know the string name) from worker processes
// (which bind the name to code at startup).
type ServeMux struct {
	mu  sync.RWMutex
	m   map[string]Handler
	mws []MiddlewareFunc
}

// MiddlewareFunc is a function which receives a Handler and returns another Handler.
// Typically, the returned handler is a closure which does something with the context and task passed
// to it, and then calls the handler passed as parameter to the MiddlewareFunc.
type MiddlewareFunc func(Handler) Handler

// NewServeMux allocates and returns a new ServeMux.
func NewServeMux() *ServeMux {
	return &ServeMux{m: make(map[string]Handler)}
}

// ProcessTask dispatches the task to the handler whose
// name matches the task type.
func (mux *ServeMux) ProcessTask(ctx context.Context, task *Task) error {
	h, ok := mux.Handler(task.Type())
	if !ok {
		// Retrying will never make an unregistered task known.
		return fmt.Errorf("relayq: %w: %q", ErrUnknownTask, task.Type())
	}
	return h.ProcessTask(ctx, task)
}

// Handler returns the handler registered for the given task type, if any.
func (mux *ServeMux) Handler(typename string) (h Handler, ok bool) {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	h, ok = mux.m[typename]
	if ok {
		for i := len(mux.mws) - 1; i >= 0; i-- {
			h = mux.mws[i](h)
		}
	}
	return h, ok
}

// Handle registers the handler for the given task type.
// If a handler already exists for the type, Handle panics.
func (mux *ServeMux) Handle(typename string, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if typename == "" {
		panic("relayq: invalid task type")
	}
	if handler == nil {
		panic("relayq: nil handler")
	}
	if _, exist := mux.m[typename]; exist {
		panic("relayq: multiple registrations for " + typename)
	}
	if mux.m == nil {
		mux.m = make(map[string]Handler)
	}
	mux.m[typename] = handler
}

// HandleFunc registers the handler function for the given task type.
func (mux *ServeMux) HandleFunc(typename string, handler func(context.Context, *Task) error) {
	if handler == nil {
		panic("relayq: nil handler")
	}
	mux.Handle(typename, HandlerFunc(handler))
}

// Use appends a MiddlewareFunc to the chain.
// Middlewares are executed in the order that they are applied to the ServeMux.
func (mux *ServeMux) Use(mws ...MiddlewareFunc) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	mux.mws = append(mux.mws, mws...)
}

// HandlerNames returns the list of registered task type names.
func (mux *ServeMux) HandlerNames() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	names := make([]string, 0, len(mux.m))
	for name := range mux.m {
		names = append(names, name)
	}
	return names
}

// Has reports whether a handler is registered for the given task type.
func (mux *ServeMux) Has(typename string) bool {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	_, ok := mux.m[typename]
	return ok
}
