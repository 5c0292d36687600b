// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// =============================================================================
// CANCEL FLAG
// =============================================================================

// CancelFlag is a one-way cancellation token shared between the registry
// and the relay that owns the session. It only ever moves from false to
// true, so concurrent Cancel calls are harmless.
type CancelFlag struct {
	set  atomic.Bool
	once sync.Once

	mu    sync.Mutex
	stops []context.CancelFunc
}

func newCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

// Cancel sets the flag. Safe to call any number of times from any goroutine.
func (f *CancelFlag) Cancel() {
	f.set.Store(true)
	f.once.Do(func() {
		f.mu.Lock()
		stops := f.stops
		f.stops = nil
		f.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
	})
}

// Cancelled reports whether Cancel has been called. Never blocks.
func (f *CancelFlag) Cancelled() bool {
	return f.set.Load()
}

// Context returns a child of parent that is already cancelled when Cancel
// returns, so ctx.Err() can be polled in place of Cancelled and blocked
// reads on ctx wake up.
func (f *CancelFlag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set.Load() {
		cancel()
		return ctx, cancel
	}
	f.stops = append(f.stops, cancel)
	return ctx, cancel
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry tracks the cancel flag of every in-flight relay session.
//
// A session id is present if and only if its relay is running. The lock is
// held only for the duration of each point operation, never across I/O.
// One Registry is created by the composition root and shared by explicit
// passing.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*CancelFlag
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*CancelFlag)}
}

// Register stores a fresh, unset flag under id and returns it.
func (r *Registry) Register(id string) *CancelFlag {
	flag := newCancelFlag()

	r.mu.Lock()
	r.streams[id] = flag
	r.mu.Unlock()

	return flag
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// CancelAll sets every registered flag and returns how many there were.
// It does not wait for the affected relays to stop.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, flag := range r.streams {
		flag.Cancel()
	}
	return len(r.streams)
}

// Cancel sets the flag of a single session. Returns false if id is not
// registered.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	flag, ok := r.streams[id]
	if !ok {
		return false
	}
	flag.Cancel()
	return true
}

// Active returns the ids of all in-flight sessions, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of in-flight sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
