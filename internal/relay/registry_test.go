// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelFlag(t *testing.T) {
	flag := newCancelFlag()
	assert.False(t, flag.Cancelled())

	flag.Cancel()
	flag.Cancel()
	assert.True(t, flag.Cancelled())
}

func TestCancelFlag_Context(t *testing.T) {
	flag := newCancelFlag()
	ctx, cancel := flag.Context(context.Background())
	defer cancel()
	require.NoError(t, ctx.Err())

	flag.Cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "cancelled before Cancel returns")

	late, lateCancel := flag.Context(context.Background())
	defer lateCancel()
	assert.ErrorIs(t, late.Err(), context.Canceled, "a context taken after Cancel starts cancelled")
}

func TestCancelFlag_ContextFollowsParent(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := newCancelFlag().Context(parent)
	defer cancel()

	cancelParent()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancelFlag_ConcurrentCancelAndContext(t *testing.T) {
	for i := 0; i < 100; i++ {
		flag := newCancelFlag()
		var (
			ctx    context.Context
			cancel context.CancelFunc
			wg     sync.WaitGroup
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel = flag.Context(context.Background())
		}()
		go func() {
			defer wg.Done()
			flag.Cancel()
		}()
		wg.Wait()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		cancel()
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()

	flag := r.Register("a")
	require.NotNil(t, flag)
	assert.False(t, flag.Cancelled())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"a"}, r.Active())

	r.Unregister("a")
	assert.Equal(t, 0, r.Len())

	// Idempotent.
	r.Unregister("a")
	r.Unregister("never-registered")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry()
	a := r.Register("a")
	b := r.Register("b")

	assert.Equal(t, 2, r.CancelAll())
	assert.True(t, a.Cancelled())
	assert.True(t, b.Cancelled())

	// Cancelling does not unregister; the relay does that itself.
	assert.Equal(t, 2, r.Len())

	r.Unregister("a")
	r.Unregister("b")
	assert.Equal(t, 0, r.CancelAll())
}

func TestRegistry_CancelAllDoesNotTouchLaterSessions(t *testing.T) {
	r := NewRegistry()
	r.Register("a")
	r.CancelAll()

	late := r.Register("b")
	assert.False(t, late.Cancelled())
}

func TestRegistry_CancelOne(t *testing.T) {
	r := NewRegistry()
	a := r.Register("a")
	b := r.Register("b")

	assert.True(t, r.Cancel("a"))
	assert.True(t, a.Cancelled())
	assert.False(t, b.Cancelled())

	assert.False(t, r.Cancel("missing"))
}

func TestRegistry_Active_Sorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Active())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		id := fmt.Sprintf("s-%d", i)
		go func() {
			defer wg.Done()
			r.Register(id)
		}()
		go func() {
			defer wg.Done()
			r.CancelAll()
		}()
		go func() {
			defer wg.Done()
			r.Active()
		}()
	}
	wg.Wait()

	for _, id := range r.Active() {
		r.Unregister(id)
	}
	assert.Equal(t, 0, r.Len())
}
