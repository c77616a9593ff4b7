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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backoff"
	"github.com/tombee/salvage/internal/lease"
	"github.com/tombee/salvage/internal/log"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/internal/tracing"
	"github.com/tombee/salvage/pkg/errors"
)

// DefaultRetryCeiling is the number of retries after which an instance is
// declared exhausted.
const DefaultRetryCeiling = 24

// Config contains orchestrator configuration.
type Config struct {
	// NodeID prefixes every owner token minted by this node. Required.
	NodeID string

	// Lock arbitrates ownership across the fleet. Required.
	Lock *lease.Lock

	// Tasks reads the persisted instance. If it also implements
	// backend.FailureMarker or backend.TaskCompleter, terminal outcomes are
	// recorded on the task so discovery stops returning it. Required.
	Tasks backend.TaskReader

	// RetryStates persists retry bookkeeping. Required.
	RetryStates backend.RetryStateStore

	// Cache resolves the task's resources. Required.
	Cache resource.Cache

	// Policy picks the wait before each retry. Required.
	Policy backoff.Policy

	// Executor resumes the instance. Required.
	Executor Executor

	// Ceiling is the number of retries before an instance is exhausted.
	// Defaults to DefaultRetryCeiling.
	Ceiling int

	// Workers bounds concurrent attempts. Defaults to 4.
	Workers int

	// AcquireRate paces lease acquisition attempts per second. Zero means
	// unlimited.
	AcquireRate float64

	// AcquireBurst is the limiter burst. Defaults to 1.
	AcquireBurst int

	// KeepaliveInterval is the lease renewal period. Zero renews at a
	// third of the lease duration.
	KeepaliveInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver adds observers that see every transition.
func WithObserver(obs ...Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs...)
	}
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithMetricsCollector sets the OTel collector for attempt durations.
func WithMetricsCollector(mc *tracing.MetricsCollector) Option {
	return func(o *Orchestrator) {
		o.collector = mc
	}
}

// Orchestrator drives stalled instances through the recovery state machine.
type Orchestrator struct {
	cfg       Config
	limiter   *rate.Limiter
	observers observers
	tracer    trace.Tracer
	collector *tracing.MetricsCollector
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timers  map[string]*time.Timer
	queue   []string
	notify  chan struct{}
	stopped bool

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultRetryCeiling
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.AcquireBurst <= 0 {
		cfg.AcquireBurst = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.AcquireRate > 0 {
		limit = rate.Limit(cfg.AcquireRate)
	}

	o := &Orchestrator{
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.AcquireBurst),
		observers: observers{MetricsObserver{}},
		tracer:    noop.NewTracerProvider().Tracer("salvage/recovery"),
		logger:    log.WithComponent(log.OrDefault(cfg.Logger), "recovery").With(slog.String(log.NodeKey, cfg.NodeID)),
		pending:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		notify:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

func (cfg Config) validate() error {
	required := []struct {
		field string
		ok    bool
	}{
		{"NodeID", cfg.NodeID != ""},
		{"Lock", cfg.Lock != nil},
		{"Tasks", cfg.Tasks != nil},
		{"RetryStates", cfg.RetryStates != nil},
		{"Cache", cfg.Cache != nil},
		{"Policy", cfg.Policy != nil},
		{"Executor", cfg.Executor != nil},
	}
	for _, r := range required {
		if !r.ok {
			return &errors.ValidationError{Field: r.field, Message: "is required"}
		}
	}
	return nil
}

// Submit queues instanceID for an attempt. It returns false if the instance
// is already queued, running, or waiting on a retry timer on this node, or
// the orchestrator has stopped.
func (o *Orchestrator) Submit(instanceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return false
	}
	if _, ok := o.pending[instanceID]; ok {
		return false
	}
	if _, ok := o.timers[instanceID]; ok {
		return false
	}

	o.pending[instanceID] = struct{}{}
	o.queue = append(o.queue, instanceID)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of instances queued or running.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Scheduled returns the number of instances waiting on a retry timer.
func (o *Orchestrator) Scheduled() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Run works submitted instances until ctx is done, feeding in everything
// the sources discover. It waits for in-flight attempts before returning.
func (o *Orchestrator) Run(ctx context.Context, sources ...Source) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		g.Go(func() error {
			return src.Run(gctx, o.Submit)
		})
	}
	g.Go(func() error {
		return o.dispatch(gctx)
	})

	err := g.Wait()

	o.stop()
	o.wg.Wait()

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(o.cfg.Workers))

	for {
		id, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.notify:
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			o.finish(id, 0)
			return err
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer sem.Release(1)

			res := o.Recover(ctx, id)
			o.finish(id, res.RetryAfter)
		}()
	}
}

func (o *Orchestrator) next() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return "", false
	}
	id := o.queue[0]
	o.queue = o.queue[1:]
	return id, true
}

// finish clears instanceID from the pending set and, if retryAfter is
// positive, arms its re-entry timer. Both happen under one lock so the
// timer can never observe the instance as still pending.
func (o *Orchestrator) finish(instanceID string, retryAfter time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.pending, instanceID)
	if retryAfter <= 0 || o.stopped {
		return
	}

	o.timers[instanceID] = time.AfterFunc(retryAfter, func() {
		o.mu.Lock()
		delete(o.timers, instanceID)
		o.mu.Unlock()
		o.Submit(instanceID)
	})
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopped = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.queue = nil
}

// Recover makes one attempt at resuming instanceID and returns where it
// ended. It does not arm any timers; Run does that from the result.
func (o *Orchestrator) Recover(ctx context.Context, instanceID string) Result {
	start := time.Now()
	owner := lease.NewToken(o.cfg.NodeID)

	ctx, span := o.tracer.Start(ctx, "recovery.attempt",
		trace.WithAttributes(
			attribute.String(tracing.AttrInstanceID, instanceID),
			attribute.String(tracing.AttrOwner, owner.String()),
		))
	defer span.End()

	a := &attempt{
		o:      o,
		id:     instanceID,
		owner:  owner,
		logger: log.WithInstance(o.logger, instanceID, owner.String()),
	}
	res := a.run(ctx)

	span.SetAttributes(
		attribute.Int(tracing.AttrAttempt, res.Attempt),
		attribute.String(tracing.AttrState, string(res.State)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	switch res.State {
	case StateSucceeded:
		span.SetStatus(codes.Ok, "")
	case StateExhausted, StateFailed, StateLockLost:
		span.SetStatus(codes.Error, string(res.State))
	}
	o.collector.RecordAttempt(ctx, string(res.State), time.Since(start))

	return res
}

// attempt carries the state of one Recover call.
type attempt struct {
	o      *Orchestrator
	id     string
	owner  lease.Token
	logger *slog.Logger

	retries int
	state   *backend.RetryState
}

func (a *attempt) emit(state State, retryAfter time.Duration, err error) {
	a.o.observers.Observe(Event{
		InstanceID: a.id,
		Owner:      a.owner.String(),
		State:      state,
		Attempt:    a.retries,
		RetryAfter: retryAfter,
		Err:        err,
		At:         a.o.cfg.Now(),
	})
}

func (a *attempt) end(state State, retryAfter time.Duration, err error) Result {
	a.emit(state, retryAfter, err)
	return Result{
		InstanceID: a.id,
		Owner:      a.owner.String(),
		State:      state,
		Attempt:    a.retries,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

func (a *attempt) run(ctx context.Context) Result {
	o := a.o
	a.emit(StateDiscovered, 0, nil)

	if err := o.limiter.Wait(ctx); err != nil {
		return a.end(StateDeferred, 0, err)
	}

	a.emit(StateLockPending, 0, nil)

	var loadErr error
	acquired, err := o.cfg.Lock.TryLock(ctx, a.id, a.owner, func(instanceID string, _ time.Time) {
		a.state, loadErr = o.cfg.RetryStates.LoadRetryState(ctx, instanceID)
	})
	if err != nil {
		return a.end(StateDeferred, o.cfg.Policy.Interval(0), err)
	}
	if !acquired {
		// Someone else is working it.
		return a.end(StateDeferred, 0, nil)
	}

	// From here on writes must land even if the caller is shutting down.
	commitCtx := context.WithoutCancel(ctx)

	if loadErr != nil {
		a.release(commitCtx)
		return a.end(StateDeferred, o.cfg.Policy.Interval(0), loadErr)
	}
	if a.state != nil {
		a.retries = a.state.AttemptCount
		if wait := a.state.NextEligibleAt.Sub(o.cfg.Now()); wait > 0 {
			a.release(commitCtx)
			return a.end(StateDeferred, wait, nil)
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	keepaliveDone := make(chan struct{})
	lost := o.cfg.Lock.Keepalive(runCtx, a.id, a.owner, o.cfg.KeepaliveInterval)
	go func() {
		defer close(keepaliveDone)
		if err, ok := <-lost; ok {
			cancel(err)
		}
	}()
	defer func() {
		cancel(nil)
		<-keepaliveDone
	}()

	outcome, err := a.execute(runCtx)

	if lostErr := lockLost(runCtx); lostErr != nil {
		return a.end(StateLockLost, 0, lostErr)
	}
	if ctx.Err() != nil {
		// Shutdown cut the attempt short; leave retry state untouched.
		a.release(commitCtx)
		return a.end(StateDeferred, 0, ctx.Err())
	}

	// The lease must still be ours and live; a lapsed or released one may
	// already have been worked by another node.
	held, checkErr := o.cfg.Lock.Holds(commitCtx, a.id, a.owner)
	if checkErr == nil && !held {
		return a.end(StateLockLost, 0, &errors.LockLostError{InstanceID: a.id, Owner: a.owner.String()})
	}

	switch outcome {
	case OutcomeSuccess:
		a.clearRetryState(commitCtx)
		a.markCompleted(commitCtx)
		a.release(commitCtx)
		return a.end(StateSucceeded, 0, nil)

	case OutcomeFatal:
		a.clearRetryState(commitCtx)
		a.markFailed(commitCtx, err)
		a.release(commitCtx)
		return a.end(StateFailed, 0, err)

	default:
		return a.fail(commitCtx, err)
	}
}

// execute runs the Resolving and Executing states.
func (a *attempt) execute(ctx context.Context) (Outcome, error) {
	o := a.o
	a.emit(StateResolving, 0, nil)

	task, err := o.cfg.Tasks.GetTask(ctx, a.id)
	if err != nil {
		return a.failure(err)
	}

	ec := resource.NewExecutionContext(a.id, a.owner.String())
	if err := resource.Resolve(ctx, o.cfg.Cache, ec, task.Resources); err != nil {
		return a.failure(err)
	}

	a.emit(StateExecuting, 0, nil)
	outcome, err := o.cfg.Executor.Execute(ctx, ec, task)
	return classify(a.id, outcome, err)
}

// failure classifies an error raised before the executor ran. Errors that
// declare themselves not retryable end the instance; unclassified ones are
// store or transport faults and are retried.
func (a *attempt) failure(err error) (Outcome, error) {
	if errors.Classify(err) != errors.TypeUnknown && !errors.IsRetryable(err) {
		return OutcomeFatal, &errors.ExecutorError{InstanceID: a.id, Fatal: true, Cause: err}
	}
	return OutcomeRetriable, err
}

// fail handles a retriable failure: schedule a retry below the ceiling,
// exhaust the instance at it.
func (a *attempt) fail(ctx context.Context, cause error) Result {
	o := a.o

	if a.retries >= o.cfg.Ceiling {
		a.clearRetryState(ctx)
		exhausted := &errors.RetryCeilingExceededError{InstanceID: a.id, Attempts: a.retries, LastErr: cause}
		a.markFailed(ctx, exhausted)
		a.release(ctx)
		return a.end(StateExhausted, 0, exhausted)
	}

	interval := o.cfg.Policy.Interval(a.retries)
	now := o.cfg.Now()
	next := &backend.RetryState{
		InstanceID:     a.id,
		AttemptCount:   a.retries + 1,
		NextEligibleAt: now.Add(interval),
		UpdatedAt:      now,
	}
	if cause != nil {
		next.LastError = cause.Error()
	}

	if err := o.cfg.RetryStates.SaveRetryState(ctx, next); err != nil {
		// Without a record the next attempt would repeat this count;
		// back off and let rediscovery try again.
		a.logger.Error("failed to save retry state", log.Error(err))
		a.release(ctx)
		return a.end(StateDeferred, interval, err)
	}

	a.release(ctx)
	return a.end(StateRetrying, interval, cause)
}

func (a *attempt) release(ctx context.Context) {
	if _, err := a.o.cfg.Lock.Release(ctx, a.id, a.owner); err != nil {
		a.logger.Warn("failed to release lease", log.Error(err))
	}
}

func (a *attempt) clearRetryState(ctx context.Context) {
	if err := a.o.cfg.RetryStates.ClearRetryState(ctx, a.id); err != nil {
		a.logger.Warn("failed to clear retry state", log.Error(err))
	}
}

func (a *attempt) markFailed(ctx context.Context, cause error) {
	marker, ok := a.o.cfg.Tasks.(backend.FailureMarker)
	if !ok {
		return
	}
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := marker.MarkFailed(ctx, a.id, reason); err != nil {
		a.logger.Warn("failed to mark task failed", log.Error(err))
	}
}

func (a *attempt) markCompleted(ctx context.Context) {
	completer, ok := a.o.cfg.Tasks.(backend.TaskCompleter)
	if !ok {
		return
	}
	if err := completer.MarkCompleted(ctx, a.id); err != nil {
		a.logger.Warn("failed to mark task completed", log.Error(err))
	}
}

// lockLost returns the LockLostError that cancelled ctx, if any.
func lockLost(ctx context.Context) error {
	var lost *errors.LockLostError
	if errors.As(context.Cause(ctx), &lost) {
		return lost
	}
	return nil
}
