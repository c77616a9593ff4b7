// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/memory"
	salvageerrors "github.com/tombee/salvage/pkg/errors"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLock(t *testing.T, store backend.LeaseStore, clock *fakeClock) *Lock {
	t.Helper()
	l, err := New(Config{Store: store, Now: clock.Now})
	require.NoError(t, err)
	return l
}

// failingStore fails every call.
type failingStore struct{}

func (failingStore) AcquireLease(context.Context, backend.LeaseRecord, time.Time) (*backend.LeaseRecord, bool, error) {
	return nil, false, fmt.Errorf("connection refused")
}

func (failingStore) ReleaseLease(context.Context, string, string, time.Time) (bool, error) {
	return false, fmt.Errorf("connection refused")
}

func (failingStore) GetLease(context.Context, string) (*backend.LeaseRecord, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := New(Config{})
		var verr *salvageerrors.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("default duration", func(t *testing.T) {
		l, err := New(Config{Store: memory.New()})
		require.NoError(t, err)
		assert.Equal(t, 6000*time.Millisecond, l.Duration())
	})
}

func TestNewToken(t *testing.T) {
	a := NewToken("node-a")
	b := NewToken("node-a")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a.String(), "node-a/"))
	assert.Equal(t, "node-a", a.Node())
}

func TestTryLock_PostActionOnlyOnOwnershipChange(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)

	a := NewToken("node-a")
	var calls []time.Time
	post := func(id string, at time.Time) {
		assert.Equal(t, "wf-1", id)
		calls = append(calls, at)
	}

	ok, err := l.TryLock(ctx, "wf-1", a, post)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Equal(clock.Now()))

	clock.Advance(time.Second)
	ok, err = l.TryLock(ctx, "wf-1", a, post)
	require.NoError(t, err)
	assert.True(t, ok, "owner may refresh its own lease")
	assert.Len(t, calls, 1, "refresh must not rerun the post action")

	b := NewToken("node-b")
	ok, err = l.TryLock(ctx, "wf-1", b, post)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, calls, 1)

	clock.Advance(l.Duration())
	ok, err = l.TryLock(ctx, "wf-1", b, post)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")
	assert.Len(t, calls, 2)
}

func TestTryLock_RefreshExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.New()
	l := newTestLock(t, store, clock)
	a := NewToken("node-a")

	_, err := l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	_, err = l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)

	rec, err := store.GetLease(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.Equal(clock.Now().Add(l.Duration())))
}

func TestTryLock_Race(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)

	const acquirers = 64
	var wins atomic.Int32
	var posts atomic.Int32

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := l.TryLock(ctx, "wf-race", NewToken(fmt.Sprintf("node-%d", i)), func(string, time.Time) {
				posts.Add(1)
			})
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), posts.Load())
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)
	a, b := NewToken("node-a"), NewToken("node-b")

	released, err := l.Release(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.True(t, released, "no record releases idempotently")

	_, err = l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)

	released, err = l.Release(ctx, "wf-1", b)
	require.NoError(t, err)
	assert.False(t, released, "non-owner release fails")

	released, err = l.Release(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err := l.TryLock(ctx, "wf-1", b, nil)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")
}

func TestRelease_AfterTakeover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)
	a, b := NewToken("node-a"), NewToken("node-b")

	_, err := l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)

	clock.Advance(l.Duration() + time.Millisecond)
	ok, err := l.TryLock(ctx, "wf-1", b, nil)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.False(t, released)

	legible, err := l.IsLegibleOwner(ctx, "wf-1", b)
	require.NoError(t, err)
	assert.True(t, legible, "new owner keeps the lease")
}

func TestIsLegibleOwner(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)
	a, b := NewToken("node-a"), NewToken("node-b")

	legible, err := l.IsLegibleOwner(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.True(t, legible, "anyone is legible without a record")

	_, err = l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)

	legible, err = l.IsLegibleOwner(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.True(t, legible)

	legible, err = l.IsLegibleOwner(ctx, "wf-1", b)
	require.NoError(t, err)
	assert.False(t, legible)

	clock.Advance(l.Duration())
	legible, err = l.IsLegibleOwner(ctx, "wf-1", b)
	require.NoError(t, err)
	assert.True(t, legible, "expired record is legible to everyone")
}

func TestHolds(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)
	a := NewToken("node-a")

	held, err := l.Holds(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.False(t, held)

	_, err = l.TryLock(ctx, "wf-1", a, nil)
	require.NoError(t, err)
	held, err = l.Holds(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.True(t, held)

	clock.Advance(l.Duration())
	held, err = l.Holds(ctx, "wf-1", a)
	require.NoError(t, err)
	assert.False(t, held)
}

// Node A acquires at t0 and crashes at t0+100ms. Node B takes over at
// t0+6500ms. A can no longer act on the instance.
func TestCrashedOwnerTakeover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLock(t, memory.New(), clock)
	nodeA, nodeB := NewToken("node-a"), NewToken("node-b")

	ok, err := l.TryLock(ctx, "wf-3", nodeA, nil)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(100 * time.Millisecond)
	clock.Advance(6400 * time.Millisecond)

	ok, err = l.TryLock(ctx, "wf-3", nodeB, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	legible, err := l.IsLegibleOwner(ctx, "wf-3", nodeA)
	require.NoError(t, err)
	assert.False(t, legible)

	ok, err = l.TryLock(ctx, "wf-3", nodeA, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	l := newTestLock(t, failingStore{}, newFakeClock())
	a := NewToken("node-a")

	called := false
	ok, err := l.TryLock(ctx, "wf-1", a, func(string, time.Time) { called = true })
	assert.False(t, ok, "store failure never grants ownership")
	assert.False(t, called)

	var unavailable *salvageerrors.LockUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "acquire", unavailable.Operation)
	assert.True(t, salvageerrors.IsRetryable(err))

	released, err := l.Release(ctx, "wf-1", a)
	assert.False(t, released)
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "release", unavailable.Operation)

	legible, err := l.IsLegibleOwner(ctx, "wf-1", a)
	assert.False(t, legible)
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "check", unavailable.Operation)
}
