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

package errors

import (
	"fmt"
)

// Error type identifiers returned by ErrorType.
const (
	TypeValidation           = "validation"
	TypeNotFound             = "not_found"
	TypeConfig               = "config"
	TypeLockUnavailable      = "lock_unavailable"
	TypeLockLost             = "lock_lost"
	TypeResourceUnresolvable = "resource_unresolvable"
	TypeExecutor             = "executor"
	TypeRetryCeilingExceeded = "retry_ceiling_exceeded"
	TypeUnknown              = "unknown"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a record not found error.
type NotFoundError struct {
	// Resource is the type of record (e.g., "task", "lease", "resource")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return TypeNotFound }

// IsRetryable implements ErrorClassifier. A missing record does not appear
// by asking again; wrappers such as ResourceUnresolvableError decide for
// themselves.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "lease.duration")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// LockUnavailableError is returned when the lease store could not be reached
// or answered with an error. Ownership is never granted in this case.
type LockUnavailableError struct {
	// InstanceID is the instance whose lease was requested
	InstanceID string

	// Operation is the lease operation that failed (acquire, release, check)
	Operation string

	// Cause is the underlying store error
	Cause error
}

// Error implements the error interface.
func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("lease store unavailable during %s of %s: %v", e.Operation, e.InstanceID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *LockUnavailableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *LockUnavailableError) ErrorType() string { return TypeLockUnavailable }

// IsRetryable implements ErrorClassifier. The caller backs off and rediscovers.
func (e *LockUnavailableError) IsRetryable() bool { return true }

// LockLostError is returned when another owner reclaimed an instance's lease
// while work was still in flight. Work in progress must be abandoned.
type LockLostError struct {
	// InstanceID is the instance whose lease was lost
	InstanceID string

	// Owner is the token that used to hold the lease
	Owner string
}

// Error implements the error interface.
func (e *LockLostError) Error() string {
	return fmt.Sprintf("lease on %s lost by %s", e.InstanceID, e.Owner)
}

// ErrorType implements ErrorClassifier.
func (e *LockLostError) ErrorType() string { return TypeLockLost }

// IsRetryable implements ErrorClassifier.
func (e *LockLostError) IsRetryable() bool { return false }

// ResourceUnresolvableError is returned when a resource URL cannot be turned
// into a Resource: no reader is registered for its kind, the key is missing
// from the backing store, or the content does not decode.
type ResourceUnresolvableError struct {
	// URL is the textual resource URL
	URL string

	// Kind is the authority kind the URL declared
	Kind string

	// Reason explains why resolution failed
	Reason string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ResourceUnresolvableError) Error() string {
	msg := fmt.Sprintf("resource %s unresolvable: %s", e.URL, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ResourceUnresolvableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ResourceUnresolvableError) ErrorType() string { return TypeResourceUnresolvable }

// IsRetryable implements ErrorClassifier. The resolution attempt fails, the
// resumption is retried by the orchestrator until the ceiling.
func (e *ResourceUnresolvableError) IsRetryable() bool { return true }

// ExecutorError carries a failure reported by the external workflow executor.
// The orchestrator trusts the Fatal classification verbatim.
type ExecutorError struct {
	// InstanceID is the instance being executed
	InstanceID string

	// Fatal is true when the executor declared the failure non-retriable
	Fatal bool

	// Cause is the executor's error
	Cause error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	kind := "retriable"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("executor reported %s failure for %s: %v", kind, e.InstanceID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ExecutorError) ErrorType() string { return TypeExecutor }

// IsRetryable implements ErrorClassifier.
func (e *ExecutorError) IsRetryable() bool { return !e.Fatal }

// RetryCeilingExceededError marks an instance that failed on every attempt up
// to the retry ceiling. It requires external intervention.
type RetryCeilingExceededError struct {
	// InstanceID is the exhausted instance
	InstanceID string

	// Attempts is the number of retries that were made
	Attempts int

	// LastErr is the failure of the final attempt
	LastErr error
}

// Error implements the error interface.
func (e *RetryCeilingExceededError) Error() string {
	return fmt.Sprintf("instance %s exhausted after %d retries: %v", e.InstanceID, e.Attempts, e.LastErr)
}

// Unwrap returns the final attempt's failure for errors.Is/As support.
func (e *RetryCeilingExceededError) Unwrap() error {
	return e.LastErr
}

// ErrorType implements ErrorClassifier.
func (e *RetryCeilingExceededError) ErrorType() string { return TypeRetryCeilingExceeded }

// IsRetryable implements ErrorClassifier.
func (e *RetryCeilingExceededError) IsRetryable() bool { return false }

// Classify returns the ErrorType of err if any error in its tree implements
// ErrorClassifier, or TypeUnknown.
func Classify(err error) string {
	var c ErrorClassifier
	if As(err, &c) {
		return c.ErrorType()
	}
	return TypeUnknown
}

// IsRetryable reports whether err, or an error it wraps, is classified as
// retryable. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}
