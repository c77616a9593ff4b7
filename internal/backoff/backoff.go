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


// Package backoff maps a retry attempt number to the wait before the next
// attempt.
//
// Every Policy returns at least MinInterval for every attempt so a failing
// instance can never spin. Exponential, Linear and Constant are pure
// functions of the attempt; Jittered randomizes its inner policy and keeps
// the floor. The ceiling on attempts is enforced by the caller, not here.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/tombee/salvage/internal/config"
)

// MinInterval is the smallest interval any policy returns.
const MinInterval = config.MinRetryFloor

// unbounded caps policies configured without a maximum.
const unbounded = 24 * time.Hour

// Policy computes retry intervals.
type Policy interface {
	// Interval returns the wait before retrying after attempt failures
	// (attempt starts at 0).
	Interval(attempt int) time.Duration
}

// Exponential doubles the interval on each attempt, starting at Base.
type Exponential struct {
	Base  time.Duration
	Max   time.Duration
	Floor time.Duration
}

// Interval implements Policy.
func (p Exponential) Interval(attempt int) time.Duration {
	return interval(backoff.Exponential(orFloor(p.Base, p.Floor)), attempt, p.Floor, p.Max)
}

// Linear grows the interval by Step on each attempt.
type Linear struct {
	Step  time.Duration
	Max   time.Duration
	Floor time.Duration
}

// Interval implements Policy.
func (p Linear) Interval(attempt int) time.Duration {
	return interval(backoff.Linear(orFloor(p.Step, p.Floor)), attempt, p.Floor, p.Max)
}

// Constant waits Delay after every attempt.
type Constant struct {
	Delay time.Duration
	Floor time.Duration
}

// Interval implements Policy.
func (p Constant) Interval(attempt int) time.Duration {
	return interval(backoff.Constant(orFloor(p.Delay, p.Floor)), attempt, p.Floor, 0)
}

// Jittered spreads the intervals of Policy uniformly over [Floor, interval]
// so that instances failing together do not retry together.
type Jittered struct {
	Policy Policy
	Floor  time.Duration
}

// Interval implements Policy.
func (p Jittered) Interval(attempt int) time.Duration {
	inner := p.Policy.Interval(attempt)
	return linger.Limiter(floor(p.Floor), inner)(linger.FullJitter(inner))
}

func interval(s backoff.Strategy, attempt int, min, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if max <= 0 {
		max = unbounded
	}
	limited := backoff.WithTransforms(s, linger.Limiter(floor(min), max))
	return limited(nil, uint(attempt))
}

func floor(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

func orFloor(d, min time.Duration) time.Duration {
	if d <= 0 {
		return floor(min)
	}
	return d
}

// FromConfig builds the policy described by cfg.
func FromConfig(cfg config.RetryConfig) (Policy, error) {
	var p Policy
	switch cfg.Policy {
	case config.PolicyExponential, "":
		p = Exponential{Base: cfg.Base, Max: cfg.Max, Floor: cfg.Floor}
	case config.PolicyLinear:
		p = Linear{Step: cfg.Base, Max: cfg.Max, Floor: cfg.Floor}
	case config.PolicyConstant:
		p = Constant{Delay: cfg.Base, Floor: cfg.Floor}
	default:
		return nil, fmt.Errorf("unknown retry policy %q", cfg.Policy)
	}

	if cfg.Jitter {
		p = Jittered{Policy: p, Floor: cfg.Floor}
	}
	return p, nil
}

// Sleep waits for d or until ctx is done, returning ctx's error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	return linger.Sleep(ctx, d)
}
