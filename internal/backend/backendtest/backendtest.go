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


// Package backendtest holds behavior tests shared by every backend
// implementation. Each backend package calls the Run* functions from its own
// tests with a factory returning a fresh, empty store.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/pkg/errors"
)

// Epoch is a millisecond-aligned reference instant. Backends that persist
// times at millisecond precision round-trip it exactly.
var Epoch = time.UnixMilli(1_700_000_000_000)

// TaskStore is the capability set exercised by RunTaskStoreTests.
type TaskStore interface {
	backend.TaskReader
	backend.TaskWriter
	backend.StalledLister
	backend.FailureMarker
	backend.TaskCompleter
}

// ResourceStore is the capability set exercised by RunResourceStoreTests.
type ResourceStore interface {
	backend.ResourceStore
	backend.ResourceWriter
}

func lease(id, owner string, at time.Time, d time.Duration) backend.LeaseRecord {
	return backend.LeaseRecord{InstanceID: id, Owner: owner, AcquiredAt: at, ExpiresAt: at.Add(d)}
}

// RunLeaseStoreTests verifies the conditional acquire and release contract.
func RunLeaseStoreTests(t *testing.T, newStore func(t *testing.T) backend.LeaseStore) {
	ctx := context.Background()
	const d = 6 * time.Second

	t.Run("acquire absent", func(t *testing.T) {
		store := newStore(t)

		prev, ok, err := store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Nil(t, prev)

		got, err := store.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "a", got.Owner)
		assert.True(t, got.ExpiresAt.Equal(Epoch.Add(d)))
	})

	t.Run("live lease blocks other owner", func(t *testing.T) {
		store := newStore(t)
		_, ok, err := store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)
		require.True(t, ok)

		at := Epoch.Add(time.Second)
		prev, ok, err := store.AcquireLease(ctx, lease("wf-1", "b", at, d), at)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, prev)
		assert.Equal(t, "a", prev.Owner)

		got, err := store.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "a", got.Owner)
		assert.True(t, got.ExpiresAt.Equal(Epoch.Add(d)))
	})

	t.Run("same owner refreshes", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)

		at := Epoch.Add(2 * time.Second)
		prev, ok, err := store.AcquireLease(ctx, lease("wf-1", "a", at, d), at)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NotNil(t, prev)
		assert.Equal(t, "a", prev.Owner)

		got, err := store.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Equal(at.Add(d)))
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)

		at := Epoch.Add(d + 500*time.Millisecond)
		prev, ok, err := store.AcquireLease(ctx, lease("wf-1", "b", at, d), at)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NotNil(t, prev)
		assert.Equal(t, "a", prev.Owner)

		got, err := store.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "b", got.Owner)
	})

	t.Run("release", func(t *testing.T) {
		store := newStore(t)

		released, err := store.ReleaseLease(ctx, "missing", "a", Epoch)
		require.NoError(t, err)
		assert.True(t, released, "releasing an absent lease succeeds")

		_, _, err = store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)

		released, err = store.ReleaseLease(ctx, "wf-1", "b", Epoch)
		require.NoError(t, err)
		assert.False(t, released, "non-owner cannot release a live lease")

		released, err = store.ReleaseLease(ctx, "wf-1", "a", Epoch)
		require.NoError(t, err)
		assert.True(t, released)

		got, err := store.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		assert.Nil(t, got)

		released, err = store.ReleaseLease(ctx, "wf-1", "a", Epoch)
		require.NoError(t, err)
		assert.True(t, released, "release is idempotent")
	})

	t.Run("release after takeover fails for old owner", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.AcquireLease(ctx, lease("wf-1", "a", Epoch, d), Epoch)
		require.NoError(t, err)

		at := Epoch.Add(d + time.Second)
		_, ok, err := store.AcquireLease(ctx, lease("wf-1", "b", at, d), at)
		require.NoError(t, err)
		require.True(t, ok)

		released, err := store.ReleaseLease(ctx, "wf-1", "a", at)
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("concurrent acquirers", func(t *testing.T) {
		store := newStore(t)
		const n = 16

		var wg sync.WaitGroup
		wins := make(chan string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				owner := fmt.Sprintf("node-%d", i)
				_, ok, err := store.AcquireLease(ctx, lease("wf-race", owner, Epoch, d), Epoch)
				if err == nil && ok {
					wins <- owner
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1)

		got, err := store.GetLease(ctx, "wf-race")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.Owner)
	})
}

// RunRetryStateStoreTests verifies load/save/clear round trips.
func RunRetryStateStoreTests(t *testing.T, newStore func(t *testing.T) backend.RetryStateStore) {
	ctx := context.Background()

	t.Run("missing state", func(t *testing.T) {
		store := newStore(t)
		state, err := store.LoadRetryState(ctx, "wf-1")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("save and load", func(t *testing.T) {
		store := newStore(t)
		next := Epoch.Add(80 * time.Millisecond)

		require.NoError(t, store.SaveRetryState(ctx, &backend.RetryState{
			InstanceID:     "wf-1",
			AttemptCount:   3,
			NextEligibleAt: next,
			LastError:      "boom",
		}))

		state, err := store.LoadRetryState(ctx, "wf-1")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, 3, state.AttemptCount)
		assert.True(t, state.NextEligibleAt.Equal(next))
		assert.Equal(t, "boom", state.LastError)
		assert.False(t, state.UpdatedAt.IsZero())

		require.NoError(t, store.SaveRetryState(ctx, &backend.RetryState{
			InstanceID:     "wf-1",
			AttemptCount:   4,
			NextEligibleAt: next,
		}))
		state, err = store.LoadRetryState(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, 4, state.AttemptCount)
	})

	t.Run("clear", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveRetryState(ctx, &backend.RetryState{InstanceID: "wf-1", AttemptCount: 1, NextEligibleAt: Epoch}))
		require.NoError(t, store.ClearRetryState(ctx, "wf-1"))
		require.NoError(t, store.ClearRetryState(ctx, "wf-1"))

		state, err := store.LoadRetryState(ctx, "wf-1")
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

// RunTaskStoreTests verifies task reads, stalled listing and failure marking.
func RunTaskStoreTests(t *testing.T, newStore func(t *testing.T) TaskStore) {
	ctx := context.Background()

	t.Run("missing task", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetTask(ctx, "nope")
		var nf *errors.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "nope", nf.ID)
	})

	t.Run("put and get", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutTask(ctx, &backend.Task{
			InstanceID: "wf-1",
			Workflow:   "billing",
			Status:     backend.TaskStatusRunning,
			Resources:  []string{"file://a.json", "kv://b"},
			Payload:    map[string]any{"step": "charge"},
			CreatedAt:  Epoch,
			UpdatedAt:  Epoch,
		}))

		task, err := store.GetTask(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "billing", task.Workflow)
		assert.Equal(t, []string{"file://a.json", "kv://b"}, task.Resources)
		assert.Equal(t, "charge", task.Payload["step"])
		assert.True(t, task.UpdatedAt.Equal(Epoch))
	})

	t.Run("list stalled", func(t *testing.T) {
		store := newStore(t)
		put := func(id, status string, age time.Duration) {
			at := Epoch.Add(-age)
			require.NoError(t, store.PutTask(ctx, &backend.Task{
				InstanceID: id, Workflow: "w", Status: status, CreatedAt: at, UpdatedAt: at,
			}))
		}
		put("old", backend.TaskStatusRunning, 10*time.Minute)
		put("older", backend.TaskStatusRunning, 20*time.Minute)
		put("fresh", backend.TaskStatusRunning, time.Second)
		put("done", backend.TaskStatusCompleted, time.Hour)

		ids, err := store.ListStalled(ctx, Epoch.Add(-time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"older", "old"}, ids)

		ids, err = store.ListStalled(ctx, Epoch.Add(-time.Minute), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"older"}, ids)
	})

	t.Run("mark failed", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutTask(ctx, &backend.Task{
			InstanceID: "wf-1", Workflow: "w", Status: backend.TaskStatusRunning, CreatedAt: Epoch, UpdatedAt: Epoch,
		}))

		require.NoError(t, store.MarkFailed(ctx, "wf-1", "exhausted"))
		task, err := store.GetTask(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, backend.TaskStatusFailed, task.Status)
		assert.Equal(t, "exhausted", task.Error)

		ids, err := store.ListStalled(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, ids)

		var nf *errors.NotFoundError
		assert.ErrorAs(t, store.MarkFailed(ctx, "nope", "x"), &nf)
	})

	t.Run("mark completed", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutTask(ctx, &backend.Task{
			InstanceID: "wf-1", Workflow: "w", Status: backend.TaskStatusRunning, CreatedAt: Epoch, UpdatedAt: Epoch,
		}))

		ids, err := store.ListStalled(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		require.Equal(t, []string{"wf-1"}, ids)

		require.NoError(t, store.MarkCompleted(ctx, "wf-1"))
		task, err := store.GetTask(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, backend.TaskStatusCompleted, task.Status)

		ids, err = store.ListStalled(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, ids)

		var nf *errors.NotFoundError
		assert.ErrorAs(t, store.MarkCompleted(ctx, "nope"), &nf)
	})
}

// RunResourceStoreTests verifies raw resource round trips.
func RunResourceStoreTests(t *testing.T, newStore func(t *testing.T) ResourceStore) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.GetResource(ctx, "missing")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)

	require.NoError(t, store.PutResource(ctx, "cfg/app", []byte(`{"a":1}`)))
	content, err := store.GetResource(ctx, "cfg/app")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(content))

	require.NoError(t, store.PutResource(ctx, "cfg/app", []byte(`{"a":2}`)))
	content, err = store.GetResource(ctx, "cfg/app")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(content))
}
