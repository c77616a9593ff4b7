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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/memory"
	"github.com/tombee/salvage/internal/backoff"
	"github.com/tombee/salvage/internal/lease"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/internal/resource/readers/kv"
	"github.com/tombee/salvage/internal/tracing"
	"github.com/tombee/salvage/pkg/errors"
)

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

// eventLog records observed transitions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) terminal() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, e := range l.events {
		if e.State.Terminal() {
			out = append(out, e.State)
		}
	}
	return out
}

type harness struct {
	be     *memory.Backend
	clock  *fakeClock
	lock   *lease.Lock
	events *eventLog
	orch   *Orchestrator
	calls  atomic.Int32
}

type harnessOption func(*Config)

func newHarness(t *testing.T, exec ExecutorFunc, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		be:     memory.New(),
		clock:  newFakeClock(),
		events: &eventLog{},
	}

	var err error
	h.lock, err = lease.New(lease.Config{Store: h.be, Now: h.clock.Now})
	require.NoError(t, err)

	reg, err := resource.NewRegistry(kv.New("kv", resource.ShapeJSON, h.be))
	require.NoError(t, err)

	cfg := Config{
		NodeID:      "node-a",
		Lock:        h.lock,
		Tasks:       h.be,
		RetryStates: h.be,
		Cache:       resource.NewContextCache(resource.ContextCacheConfig{Registry: reg}),
		Policy:      backoff.Exponential{Base: 100 * time.Millisecond, Max: time.Minute},
		Executor: ExecutorFunc(func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
			h.calls.Add(1)
			return exec(ctx, ec, task)
		}),
		Now: h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.orch, err = New(cfg, WithObserver(h.events))
	require.NoError(t, err)
	return h
}

func (h *harness) putTask(t *testing.T, id string, resources ...string) {
	t.Helper()
	ctx := context.Background()
	for _, r := range resources {
		url, err := resource.ParseURL(r)
		require.NoError(t, err)
		if url.Kind == "kv" {
			require.NoError(t, h.be.PutResource(ctx, url.Path, []byte(fmt.Sprintf(`{"key":%q}`, url.Path))))
		}
	}
	require.NoError(t, h.be.PutTask(ctx, &backend.Task{
		InstanceID: id,
		Workflow:   "deploy",
		Status:     backend.TaskStatusRunning,
		Resources:  resources,
	}))
}

func failing(n int) ExecutorFunc {
	var calls atomic.Int32
	return func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		if int(calls.Add(1)) <= n {
			return OutcomeRetriable, fmt.Errorf("transient failure")
		}
		return OutcomeSuccess, nil
	}
}

// counterValue sums every series of a counter in the default registry.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v != lp.GetValue() {
					continue series
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "NodeID", ve.Field)
}

func TestRecover_SucceedsFirstTime(t *testing.T) {
	var seen *resource.ExecutionContext
	h := newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		seen = ec
		return OutcomeSuccess, nil
	})
	h.putTask(t, "wf-1", "kv://wf-1/checkpoint", "kv://shared/settings")
	ctx := context.Background()

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateSucceeded, res.State, "err: %v", res.Err)
	assert.Zero(t, res.RetryAfter)

	require.NotNil(t, seen)
	assert.Equal(t, "wf-1", seen.InstanceID)
	assert.Equal(t, res.Owner, seen.Owner)
	assert.Equal(t, 2, seen.Len())
	r, ok := seen.Lookup(resource.URL{Kind: "kv", Path: "wf-1/checkpoint"})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"key": "wf-1/checkpoint"}, r.Value)

	rec, err := h.be.GetLease(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "lease must be released")

	assert.Equal(t, []State{StateSucceeded}, h.events.terminal())
}

func TestRecover_SuccessCompletesTask(t *testing.T) {
	h := newHarness(t, failing(0))
	h.putTask(t, "wf-1")
	ctx := context.Background()
	later := time.Now().Add(time.Hour)

	stalled, err := h.be.ListStalled(ctx, later, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, stalled)

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateSucceeded, res.State, "err: %v", res.Err)

	task, err := h.be.GetTask(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskStatusCompleted, task.Status)

	stalled, err = h.be.ListStalled(ctx, later, 0)
	require.NoError(t, err)
	assert.Empty(t, stalled, "a recovered instance must not be discovered again")
}

func TestRecover_OwnerTokenPerAttempt(t *testing.T) {
	h := newHarness(t, failing(1))
	h.putTask(t, "wf-1")

	first := h.orch.Recover(context.Background(), "wf-1")
	h.clock.Advance(first.RetryAfter)
	second := h.orch.Recover(context.Background(), "wf-1")

	assert.NotEqual(t, first.Owner, second.Owner)
	assert.Equal(t, "node-a", lease.Token(first.Owner).Node())
}

// Two transient failures then success.
func TestRecover_ScenarioTransientFailures(t *testing.T) {
	var resolved []int
	exec := failing(2)
	h := newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		resolved = append(resolved, ec.Len())
		return exec(ctx, ec, task)
	})
	// The checkpoint is referenced twice; the second reference is served
	// from the run's own context.
	h.putTask(t, "wf-1", "kv://wf-1/checkpoint", "kv://shared/settings", "kv://wf-1/checkpoint")
	ctx := context.Background()
	contextHits := counterValue(t, "salvage_resource_resolutions_total", map[string]string{"tier": "context"})
	readerHits := counterValue(t, "salvage_resource_resolutions_total", map[string]string{"tier": "reader"})

	for i := 0; i < 2; i++ {
		res := h.orch.Recover(ctx, "wf-1")
		require.Equal(t, StateRetrying, res.State)
		assert.Equal(t, i, res.Attempt)
		assert.GreaterOrEqual(t, res.RetryAfter, backoff.MinInterval)

		rs, err := h.be.LoadRetryState(ctx, "wf-1")
		require.NoError(t, err)
		require.NotNil(t, rs)
		assert.Equal(t, i+1, rs.AttemptCount)
		assert.Equal(t, h.clock.Now().Add(res.RetryAfter), rs.NextEligibleAt)
		assert.Equal(t, "executor reported retriable failure for wf-1: transient failure", rs.LastError)

		rec, err := h.be.GetLease(ctx, "wf-1")
		require.NoError(t, err)
		assert.Nil(t, rec, "lease must be released during backoff")

		// Too early: the instance is not eligible yet.
		early := h.orch.Recover(ctx, "wf-1")
		assert.Equal(t, StateDeferred, early.State)
		assert.Equal(t, res.RetryAfter, early.RetryAfter)

		h.clock.Advance(res.RetryAfter)
	}

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, int32(3), h.calls.Load())

	// Every attempt gets a fresh context: two reads and one hit each.
	assert.Equal(t, []int{2, 2, 2}, resolved)
	assert.Equal(t, contextHits+3, counterValue(t, "salvage_resource_resolutions_total", map[string]string{"tier": "context"}))
	assert.Equal(t, readerHits+6, counterValue(t, "salvage_resource_resolutions_total", map[string]string{"tier": "reader"}))

	rs, err := h.be.LoadRetryState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

// Every attempt fails: 24 retries, then exhaustion on the 25th failure.
func TestRecover_ScenarioExhaustion(t *testing.T) {
	h := newHarness(t, failing(1000))
	h.putTask(t, "wf-1")
	ctx := context.Background()

	scheduled := counterValue(t, "salvage_retries_scheduled_total", nil)
	exhausted := counterValue(t, "salvage_instances_exhausted_total", nil)

	for i := 0; i < DefaultRetryCeiling; i++ {
		res := h.orch.Recover(ctx, "wf-1")
		require.Equal(t, StateRetrying, res.State, "attempt %d", i)
		require.Equal(t, i, res.Attempt)
		h.clock.Advance(res.RetryAfter)
	}

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateExhausted, res.State)
	assert.Zero(t, res.RetryAfter)

	var rce *errors.RetryCeilingExceededError
	require.True(t, errors.As(res.Err, &rce))
	assert.Equal(t, DefaultRetryCeiling, rce.Attempts)

	assert.Equal(t, int32(DefaultRetryCeiling+1), h.calls.Load())
	assert.Equal(t, scheduled+DefaultRetryCeiling, counterValue(t, "salvage_retries_scheduled_total", nil))
	assert.Equal(t, exhausted+1, counterValue(t, "salvage_instances_exhausted_total", nil))

	rs, err := h.be.LoadRetryState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rs)

	task, err := h.be.GetTask(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "exhausted")

	rec, err := h.be.GetLease(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecover_CustomCeiling(t *testing.T) {
	h := newHarness(t, failing(1000), func(c *Config) { c.Ceiling = 2 })
	h.putTask(t, "wf-1")

	var states []State
	for i := 0; i < 3; i++ {
		res := h.orch.Recover(context.Background(), "wf-1")
		states = append(states, res.State)
		h.clock.Advance(res.RetryAfter)
	}
	assert.Equal(t, []State{StateRetrying, StateRetrying, StateExhausted}, states)
}

// A crashed owner's lease blocks recovery until it expires.
func TestRecover_ScenarioCrashedOwner(t *testing.T) {
	h := newHarness(t, failing(0))
	h.putTask(t, "wf-1")
	ctx := context.Background()

	crashed := lease.NewToken("node-b")
	ok, err := h.lock.TryLock(ctx, "wf-1", crashed, nil)
	require.NoError(t, err)
	require.True(t, ok)

	res := h.orch.Recover(ctx, "wf-1")
	assert.Equal(t, StateDeferred, res.State)
	assert.Zero(t, res.RetryAfter)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.calls.Load())

	h.clock.Advance(h.lock.Duration())

	res = h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, int32(1), h.calls.Load())
}

// steal hands instanceID to thief at the store, as if the current lease had
// lapsed, without moving the clock the orchestrator sees.
func (h *harness) steal(t *testing.T, instanceID string, thief lease.Token) {
	t.Helper()
	now := h.clock.Now().Add(h.lock.Duration())
	_, ok, err := h.be.AcquireLease(context.Background(), backend.LeaseRecord{
		InstanceID: instanceID,
		Owner:      thief.String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecover_LockLostDuringExecution(t *testing.T) {
	thief := lease.NewToken("node-b")
	var h *harness
	var cause error

	h = newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		h.steal(t, task.InstanceID, thief)

		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
			return OutcomeRetriable, ctx.Err()
		case <-time.After(5 * time.Second):
			return OutcomeSuccess, nil
		}
	}, func(c *Config) { c.KeepaliveInterval = 5 * time.Millisecond })
	h.putTask(t, "wf-1")
	ctx := context.Background()

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateLockLost, res.State, "err: %v", res.Err)

	var lost *errors.LockLostError
	assert.True(t, errors.As(cause, &lost))
	assert.True(t, errors.As(res.Err, &lost))

	// Abandoned: no retry state, lease untouched.
	rs, err := h.be.LoadRetryState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rs)

	rec, err := h.be.GetLease(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, thief.String(), rec.Owner)
}

func TestRecover_LegibilityCheckAfterExecution(t *testing.T) {
	var h *harness
	h = newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		h.steal(t, task.InstanceID, lease.NewToken("node-b"))
		return OutcomeSuccess, nil
	}, func(c *Config) { c.KeepaliveInterval = time.Hour })
	h.putTask(t, "wf-1")

	res := h.orch.Recover(context.Background(), "wf-1")
	assert.Equal(t, StateLockLost, res.State)

	rs, err := h.be.LoadRetryState(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

// The lease lapses mid-execution and another node takes and releases it.
// The record is gone, so nobody holds it, but this attempt no longer does
// either and must not commit.
func TestRecover_LapsedLeaseAfterExecution(t *testing.T) {
	var h *harness
	h = newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		h.clock.Advance(h.lock.Duration() + time.Second)
		other := lease.NewToken("node-b")
		ok, err := h.lock.TryLock(ctx, task.InstanceID, other, nil)
		require.NoError(t, err)
		require.True(t, ok)
		released, err := h.lock.Release(ctx, task.InstanceID, other)
		require.NoError(t, err)
		require.True(t, released)
		return OutcomeSuccess, nil
	}, func(c *Config) { c.KeepaliveInterval = time.Hour })
	h.putTask(t, "wf-1")
	ctx := context.Background()

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateLockLost, res.State)
	var lost *errors.LockLostError
	assert.True(t, errors.As(res.Err, &lost))

	task, err := h.be.GetTask(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskStatusRunning, task.Status, "no terminal write after losing the lease")
}

func TestRecover_FatalFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		return OutcomeFatal, fmt.Errorf("workflow definition removed")
	})
	h.putTask(t, "wf-1")
	ctx := context.Background()
	require.NoError(t, h.be.SaveRetryState(ctx, &backend.RetryState{InstanceID: "wf-1", AttemptCount: 3}))

	res := h.orch.Recover(ctx, "wf-1")
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, res.Attempt)

	var ee *errors.ExecutorError
	require.True(t, errors.As(res.Err, &ee))
	assert.True(t, ee.Fatal)

	task, err := h.be.GetTask(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskStatusFailed, task.Status)

	rs, err := h.be.LoadRetryState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestRecover_UnresolvableResourceIsRetried(t *testing.T) {
	h := newHarness(t, failing(0))
	h.putTask(t, "wf-1", "s3://bucket/key")

	res := h.orch.Recover(context.Background(), "wf-1")
	require.Equal(t, StateRetrying, res.State)
	var ure *errors.ResourceUnresolvableError
	assert.True(t, errors.As(res.Err, &ure))
	assert.Zero(t, h.calls.Load(), "executor must not run without its resources")
}

func TestRecover_MissingTask(t *testing.T) {
	h := newHarness(t, failing(0))

	res := h.orch.Recover(context.Background(), "ghost")
	assert.Equal(t, StateFailed, res.State)
	var nf *errors.NotFoundError
	assert.True(t, errors.As(res.Err, &nf))
}

type unavailableStore struct{ backend.LeaseStore }

func (unavailableStore) AcquireLease(ctx context.Context, rec backend.LeaseRecord, now time.Time) (*backend.LeaseRecord, bool, error) {
	return nil, false, fmt.Errorf("connection refused")
}

func TestRecover_LeaseStoreUnavailable(t *testing.T) {
	h := newHarness(t, failing(0), func(c *Config) {
		l, err := lease.New(lease.Config{Store: unavailableStore{}})
		require.NoError(t, err)
		c.Lock = l
	})
	h.putTask(t, "wf-1")

	res := h.orch.Recover(context.Background(), "wf-1")
	assert.Equal(t, StateDeferred, res.State)
	assert.Positive(t, res.RetryAfter)
	var lu *errors.LockUnavailableError
	assert.True(t, errors.As(res.Err, &lu))
	assert.Zero(t, h.calls.Load())
}

func TestRecover_EmitsTransitions(t *testing.T) {
	h := newHarness(t, failing(0))
	h.putTask(t, "wf-1")

	h.orch.Recover(context.Background(), "wf-1")

	var states []State
	for _, e := range h.events.events {
		states = append(states, e.State)
	}
	assert.Equal(t, []State{
		StateDiscovered, StateLockPending, StateResolving, StateExecuting, StateSucceeded,
	}, states)
}

func TestRecover_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	h := newHarness(t, failing(1))
	h.orch.tracer = tp.Tracer("test")
	h.putTask(t, "wf-1")

	h.orch.Recover(context.Background(), "wf-1")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "recovery.attempt", spans[0].Name())

	attrs := map[string]string{}
	for _, attr := range spans[0].Attributes() {
		attrs[string(attr.Key)] = attr.Value.Emit()
	}
	assert.Equal(t, "wf-1", attrs[tracing.AttrInstanceID])
	assert.Equal(t, string(StateRetrying), attrs[tracing.AttrState])
	assert.Equal(t, "0", attrs[tracing.AttrAttempt])
	assert.Len(t, spans[0].Events(), 1, "error recorded")
}

func TestSubmit_Dedup(t *testing.T) {
	h := newHarness(t, failing(0))

	assert.True(t, h.orch.Submit("wf-1"))
	assert.False(t, h.orch.Submit("wf-1"))
	assert.True(t, h.orch.Submit("wf-2"))
	assert.Equal(t, 2, h.orch.Pending())
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	done := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		if calls.Add(1) <= 2 {
			return OutcomeRetriable, fmt.Errorf("not yet")
		}
		close(done)
		return OutcomeSuccess, nil
	}, func(c *Config) {
		c.Now = time.Now
		c.Policy = backoff.Constant{Delay: 10 * time.Millisecond}
		c.Workers = 2
	})
	l, err := lease.New(lease.Config{Store: h.be})
	require.NoError(t, err)
	h.orch.cfg.Lock = l
	h.putTask(t, "wf-1")

	ids := make(chan string, 1)
	ids <- "wf-1"

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(ctx, ChannelSource(ids)) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("instance was not recovered")
	}

	require.Eventually(t, func() bool {
		return len(h.events.terminal()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []State{StateRetrying, StateRetrying, StateSucceeded}, h.events.terminal())
	assert.Equal(t, 0, h.orch.Scheduled())
	assert.False(t, h.orch.Submit("wf-1"), "stopped orchestrator refuses work")
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	h := newHarness(t, func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (Outcome, error) {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return OutcomeSuccess, nil
	}, func(c *Config) { c.Workers = 2 })

	ids := make(chan string, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("wf-%d", i)
		h.putTask(t, id)
		ids <- id
	}
	wg.Add(6)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(ctx, ChannelSource(ids)) }()

	wg.Wait()
	cancel()
	require.NoError(t, <-runErr)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(6), h.calls.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		err     error
		want    Outcome
		wantErr bool
	}{
		{"success", OutcomeSuccess, nil, OutcomeSuccess, false},
		{"success with error", OutcomeSuccess, fmt.Errorf("boom"), OutcomeSuccess, false},
		{"retriable", OutcomeRetriable, nil, OutcomeRetriable, true},
		{"fatal", OutcomeFatal, nil, OutcomeFatal, true},
		{"retriable with fatal executor error", OutcomeRetriable, &errors.ExecutorError{Fatal: true}, OutcomeRetriable, true},
		{"fatal with retriable executor error", OutcomeFatal, &errors.ExecutorError{Cause: fmt.Errorf("boom")}, OutcomeFatal, true},
		{"unknown outcome", Outcome(42), fmt.Errorf("boom"), OutcomeRetriable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classify("wf-1", tt.outcome, tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
			if err == nil {
				return
			}
			var ee *errors.ExecutorError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.want == OutcomeFatal, ee.Fatal)
			assert.Equal(t, tt.want != OutcomeFatal, errors.IsRetryable(err))
		})
	}
}
