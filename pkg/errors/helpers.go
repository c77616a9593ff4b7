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
	"errors"
	"fmt"
)

// Wrap annotates err with message, keeping it reachable through Is and As.
// A nil err stays nil, so store calls can be wrapped unconditionally:
//
//	_, err := db.ExecContext(ctx, query, args...)
//	return errors.Wrap(err, "failed to save retry state")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target. It lets callers
// import this package alone instead of both this and the standard errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree assignable to target:
//
//	var lost *errors.LockLostError
//	if errors.As(context.Cause(ctx), &lost) {
//	    // abandon the attempt
//	}
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error with the given message.
func New(message string) error {
	return errors.New(message)
}
