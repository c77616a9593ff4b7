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
	"context"
	"fmt"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/pkg/errors"
)

// Outcome is what an executor reports for one resumption.
type Outcome int

// Executor outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeRetriable
	OutcomeFatal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Executor resumes a workflow instance from its reconstructed state.
//
// Execute must stop promptly when ctx is cancelled. A cancellation whose
// cause is a *errors.LockLostError means another node now owns the
// instance. Because the previous owner may have been cut off at any point,
// Execute must be idempotent.
type Executor interface {
	Execute(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
	return f(ctx, ec, task)
}

// classify turns an executor's report into one of success, fatal, or
// retriable. The reported outcome decides; err only supplies the cause and is
// wrapped in an *errors.ExecutorError matching that outcome. An unknown
// outcome is retriable.
func classify(instanceID string, outcome Outcome, err error) (Outcome, error) {
	switch outcome {
	case OutcomeSuccess:
		return OutcomeSuccess, nil
	case OutcomeFatal:
		return OutcomeFatal, executorError(instanceID, true, err)
	default:
		return OutcomeRetriable, executorError(instanceID, false, err)
	}
}

func executorError(instanceID string, fatal bool, err error) error {
	var ee *errors.ExecutorError
	if errors.As(err, &ee) && ee.Fatal == fatal {
		return err
	}
	if err == nil {
		if fatal {
			err = errors.New("executor reported fatal failure")
		} else {
			err = errors.New("executor reported retriable failure")
		}
	}
	return &errors.ExecutorError{InstanceID: instanceID, Fatal: fatal, Cause: err}
}
