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


package recovery

import (
	"time"
)

// State is a step of the recovery state machine.
type State string

// Recovery states.
const (
	StateDiscovered  State = "discovered"
	StateLockPending State = "lock_pending"
	StateResolving   State = "resolving"
	StateExecuting   State = "executing"

	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateExhausted State = "exhausted"
	StateLockLost  State = "lock_lost"
	StateFailed    State = "failed"
	StateDeferred  State = "deferred"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateRetrying, StateExhausted, StateLockLost, StateFailed, StateDeferred:
		return true
	default:
		return false
	}
}

// Event describes one state transition of one attempt.
type Event struct {
	InstanceID string
	Owner      string
	State      State

	// Attempt is the number of failed attempts on record when the
	// attempt started.
	Attempt int

	// RetryAfter is set on Retrying and on Deferred when the instance
	// will be re-entered by this node.
	RetryAfter time.Duration

	// Err is the failure behind a Retrying, Exhausted, LockLost, Failed or
	// Deferred transition.
	Err error

	At time.Time
}

// Observer receives every transition. Observe is called synchronously from
// the worker running the attempt, so implementations must be quick and safe
// for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

type observers []Observer

func (o observers) Observe(e Event) {
	for _, obs := range o {
		obs.Observe(e)
	}
}

// Result is the outcome of one attempt.
type Result struct {
	InstanceID string
	Owner      string
	State      State
	Attempt    int

	// RetryAfter is how long the orchestrator waits before re-entering
	// the instance. Zero means it is not re-entered by this node.
	RetryAfter time.Duration

	Err error
}
