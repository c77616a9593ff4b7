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


// Package memory provides an in-memory backend implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.LeaseStore      = (*Backend)(nil)
	_ backend.RetryStateStore = (*Backend)(nil)
	_ backend.TaskReader      = (*Backend)(nil)
	_ backend.TaskWriter      = (*Backend)(nil)
	_ backend.ResourceWriter  = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend. A single mutex makes every
// conditional write atomic.
type Backend struct {
	mu        sync.RWMutex
	leases    map[string]backend.LeaseRecord
	retries   map[string]backend.RetryState
	tasks     map[string]backend.Task
	resources map[string][]byte
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		leases:    make(map[string]backend.LeaseRecord),
		retries:   make(map[string]backend.RetryState),
		tasks:     make(map[string]backend.Task),
		resources: make(map[string][]byte),
	}
}

// AcquireLease conditionally writes rec.
func (b *Backend) AcquireLease(ctx context.Context, rec backend.LeaseRecord, now time.Time) (*backend.LeaseRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *backend.LeaseRecord
	if existing, ok := b.leases[rec.InstanceID]; ok {
		prev = &existing
		if prev.HeldByOther(rec.Owner, now) {
			return prev, false, nil
		}
	}

	b.leases[rec.InstanceID] = rec
	return prev, true, nil
}

// ReleaseLease deletes the lease if owner may act on it.
func (b *Backend) ReleaseLease(ctx context.Context, instanceID, owner string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.leases[instanceID]
	if !ok {
		return true, nil
	}
	if existing.HeldByOther(owner, now) {
		return false, nil
	}

	delete(b.leases, instanceID)
	return true, nil
}

// GetLease returns the lease for instanceID.
func (b *Backend) GetLease(ctx context.Context, instanceID string) (*backend.LeaseRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.leases[instanceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// LoadRetryState returns the retry state for instanceID.
func (b *Backend) LoadRetryState(ctx context.Context, instanceID string) (*backend.RetryState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.retries[instanceID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// SaveRetryState creates or replaces the retry state.
func (b *Backend) SaveRetryState(ctx context.Context, state *backend.RetryState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state.UpdatedAt = time.Now()
	b.retries[state.InstanceID] = *state
	return nil
}

// ClearRetryState removes the retry state.
func (b *Backend) ClearRetryState(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.retries, instanceID)
	return nil
}

// PutTask creates or replaces a task.
func (b *Backend) PutTask(ctx context.Context, task *backend.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	b.tasks[task.InstanceID] = *task
	return nil
}

// GetTask retrieves a task by instance ID.
func (b *Backend) GetTask(ctx context.Context, instanceID string) (*backend.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	task, ok := b.tasks[instanceID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	return &task, nil
}

// ListStalled returns running tasks last updated before the given time,
// oldest first.
func (b *Backend) ListStalled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var stalled []backend.Task
	for _, task := range b.tasks {
		if task.Status == backend.TaskStatusRunning && task.UpdatedAt.Before(before) {
			stalled = append(stalled, task)
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt)
	})

	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}

	ids := make([]string, len(stalled))
	for i, task := range stalled {
		ids[i] = task.InstanceID
	}
	return ids, nil
}

// MarkFailed sets the task status to failed.
func (b *Backend) MarkFailed(ctx context.Context, instanceID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[instanceID]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	task.Status = backend.TaskStatusFailed
	task.Error = reason
	task.UpdatedAt = time.Now()
	b.tasks[instanceID] = task
	return nil
}

// MarkCompleted sets the task status to completed.
func (b *Backend) MarkCompleted(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[instanceID]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	task.Status = backend.TaskStatusCompleted
	task.Error = ""
	task.UpdatedAt = time.Now()
	b.tasks[instanceID] = task
	return nil
}

// PutResource stores raw resource content.
func (b *Backend) PutResource(ctx context.Context, key string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resources[key] = append([]byte(nil), content...)
	return nil
}

// GetResource returns raw resource content.
func (b *Backend) GetResource(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	content, ok := b.resources[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "resource", ID: key}
	}
	return append([]byte(nil), content...), nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
