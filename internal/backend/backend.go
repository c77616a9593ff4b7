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


// Package backend provides the storage contracts used by salvage.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation so that a deployment can
// mix stores (for example Redis for leases and Postgres for task state):
//
//   - LeaseStore (required for the lease lock): AcquireLease, ReleaseLease, GetLease
//   - RetryStateStore (required by the orchestrator): Load/Save/ClearRetryState
//   - TaskReader (required by the orchestrator): GetTask
//   - StalledLister (optional): ListStalled, used by the discovery poller
//   - FailureMarker (optional): MarkFailed, called on terminal failure
//   - TaskCompleter (optional): MarkCompleted, called on successful resumption
//   - ResourceStore (optional): GetResource, raw content for key-value readers
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured implementations.
// Components accept the narrowest interface they need and use type assertions
// to detect optional capabilities at runtime:
//
//	if marker, ok := tasks.(backend.FailureMarker); ok {
//	    err := marker.MarkFailed(ctx, id, reason)
//	}
package backend

import (
	"context"
	"io"
	"time"
)

// LeaseStore is the atomic conditional-write primitive behind the lease lock.
type LeaseStore interface {
	// AcquireLease writes rec if no lease exists for rec.InstanceID, the
	// existing lease expired before now, or the existing lease is held by
	// rec.Owner. The check and the write are atomic with respect to every
	// other caller of the store.
	//
	// On success it returns the previous record (nil if there was none) and
	// true. When another owner holds a live lease it returns that record and
	// false. Errors are reserved for store failures.
	AcquireLease(ctx context.Context, rec LeaseRecord, now time.Time) (prev *LeaseRecord, acquired bool, err error)

	// ReleaseLease deletes the lease on instanceID if it is held by owner or
	// has expired before now. It returns true if nothing is left held by
	// another owner (including when no lease existed).
	ReleaseLease(ctx context.Context, instanceID, owner string, now time.Time) (bool, error)

	// GetLease returns the current lease for instanceID, or nil if none exists.
	// Expired records may be returned; callers compare ExpiresAt themselves.
	GetLease(ctx context.Context, instanceID string) (*LeaseRecord, error)
}

// RetryStateStore persists per-instance retry bookkeeping so that any node
// resuming an instance sees the attempts made by the others.
type RetryStateStore interface {
	// LoadRetryState returns the retry state for instanceID, or nil if the
	// instance has no failed attempts on record.
	LoadRetryState(ctx context.Context, instanceID string) (*RetryState, error)

	// SaveRetryState creates or replaces the retry state.
	SaveRetryState(ctx context.Context, state *RetryState) error

	// ClearRetryState removes the retry state. Clearing a missing state is not an error.
	ClearRetryState(ctx context.Context, instanceID string) error
}

// TaskReader reads the persisted task record of a workflow instance.
type TaskReader interface {
	// GetTask returns the task for instanceID or a *errors.NotFoundError.
	GetTask(ctx context.Context, instanceID string) (*Task, error)
}

// StalledLister is an optional interface for discovering stalled instances.
type StalledLister interface {
	// ListStalled returns the IDs of running tasks not updated since before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// FailureMarker is an optional interface for recording terminal failures on
// the task record.
type FailureMarker interface {
	// MarkFailed sets the task status to failed with the given reason.
	MarkFailed(ctx context.Context, instanceID, reason string) error
}

// TaskCompleter is an optional interface for recording a successful
// resumption on the task record, which takes it out of ListStalled.
type TaskCompleter interface {
	// MarkCompleted sets the task status to completed.
	MarkCompleted(ctx context.Context, instanceID string) error
}

// ResourceStore is an optional interface exposing raw resource content by key.
type ResourceStore interface {
	// GetResource returns the raw content stored under key or a
	// *errors.NotFoundError.
	GetResource(ctx context.Context, key string) ([]byte, error)
}

// Backend defines the full interface for salvage storage.
type Backend interface {
	LeaseStore
	RetryStateStore
	TaskReader
	StalledLister
	FailureMarker
	TaskCompleter
	ResourceStore
	io.Closer
}

// LeaseRecord is the ownership claim on one workflow instance.
type LeaseRecord struct {
	InstanceID string    `json:"instance_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer active at now.
func (r *LeaseRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HeldByOther reports whether r is a live lease owned by someone other than owner.
func (r *LeaseRecord) HeldByOther(owner string, now time.Time) bool {
	return r != nil && r.Owner != owner && !r.Expired(now)
}

// RetryState tracks failed resumption attempts for an instance.
type RetryState struct {
	InstanceID     string    `json:"instance_id"`
	AttemptCount   int       `json:"attempt_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Task status values.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Task is the slice of a persisted workflow instance that recovery needs:
// its identity, the resources its saved state references, and an opaque
// payload handed through to the executor.
type Task struct {
	InstanceID string         `json:"instance_id"`
	Workflow   string         `json:"workflow"`
	Status     string         `json:"status"`
	Resources  []string       `json:"resources,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskWriter is implemented by backends that can also create and update
// tasks. It is used by tests and by tooling that seeds stalled instances.
type TaskWriter interface {
	PutTask(ctx context.Context, task *Task) error
}

// ResourceWriter is implemented by backends that can store raw resources.
type ResourceWriter interface {
	PutResource(ctx context.Context, key string, content []byte) error
}
