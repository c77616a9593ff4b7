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


package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/salvage/internal/metrics"
	"github.com/tombee/salvage/internal/tracing"
)

// Cache resolves resources for a run, preferring ones already attached to
// the run's ExecutionContext.
type Cache interface {
	// Get returns the resource for url: the one attached to ec if present
	// and not expired, otherwise a fresh read. Get does not attach.
	Get(ctx context.Context, ec *ExecutionContext, url URL) (*Resource, error)

	// Put attaches r to ec under url.
	Put(ec *ExecutionContext, url URL, r *Resource)

	// IsResourceExpired reports whether r was marked stale.
	IsResourceExpired(r *Resource) bool

	// SetResourceExpired marks r stale so the next Get re-reads it.
	SetResourceExpired(r *Resource)
}

// Compile-time interface assertion.
var _ Cache = (*ContextCache)(nil)

// ContextCacheConfig configures a ContextCache.
type ContextCacheConfig struct {
	// Registry resolves misses. Required.
	Registry *Registry

	// Shared is an optional cross-run tier consulted between the context
	// and the reader. Each run gets its own Resource with a fresh
	// Reference, but the decoded Value is shared between runs and must be
	// treated as read-only by executors.
	Shared *SharedCache

	// Collector records reader latency. Optional.
	Collector *tracing.MetricsCollector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ContextCache is the Cache used by the orchestrator.
type ContextCache struct {
	registry  *Registry
	shared    *SharedCache
	collector *tracing.MetricsCollector
	logger    *slog.Logger
}

// NewContextCache creates a ContextCache.
func NewContextCache(cfg ContextCacheConfig) *ContextCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextCache{
		registry:  cfg.Registry,
		shared:    cfg.Shared,
		collector: cfg.Collector,
		logger:    logger.With(slog.String("component", "resource-cache")),
	}
}

// Get implements Cache.
func (c *ContextCache) Get(ctx context.Context, ec *ExecutionContext, url URL) (*Resource, error) {
	if r, ok := ec.Lookup(url); ok && !r.Expired() {
		metrics.RecordResolution(metrics.TierContext)
		return r, nil
	}

	if c.shared != nil {
		if r, ok := c.shared.Get(url); ok {
			metrics.RecordResolution(metrics.TierShared)
			return r.share(), nil
		}
	}

	start := time.Now()
	r, err := c.registry.Read(ctx, url)
	if err != nil {
		metrics.RecordUnresolvable(url.Kind)
		c.logger.Debug("resource unresolvable",
			slog.String("url", url.String()),
			slog.String("error", err.Error()))
		return nil, err
	}
	c.collector.RecordResolve(ctx, url.Kind, time.Since(start))
	metrics.RecordResolution(metrics.TierReader)

	if c.shared != nil {
		c.shared.Put(url, r)
		return r.share(), nil
	}
	return r, nil
}

// Put implements Cache.
func (c *ContextCache) Put(ec *ExecutionContext, url URL, r *Resource) {
	ec.Attach(url, r)
}

// IsResourceExpired implements Cache.
func (c *ContextCache) IsResourceExpired(r *Resource) bool {
	return r.Expired()
}

// SetResourceExpired implements Cache.
func (c *ContextCache) SetResourceExpired(r *Resource) {
	r.markExpired()
}

// SharedCache keeps resources across runs on one node for a fixed TTL. It
// stores the resource a reader returned; ContextCache never attaches that
// value to a run directly.
type SharedCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[URL]sharedEntry
}

type sharedEntry struct {
	resource *Resource
	storedAt time.Time
}

// NewSharedCache creates a shared tier with the given TTL. A nil now uses
// time.Now.
func NewSharedCache(ttl time.Duration, now func() time.Time) *SharedCache {
	if now == nil {
		now = time.Now
	}
	return &SharedCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[URL]sharedEntry),
	}
}

// Get returns the entry for url unless it is older than the TTL or was
// marked expired.
func (s *SharedCache) Get(url URL) (*Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[url]
	if !ok {
		return nil, false
	}
	if e.resource.Expired() || s.now().Sub(e.storedAt) >= s.ttl {
		delete(s.entries, url)
		return nil, false
	}
	return e.resource, true
}

// Put stores r under url.
func (s *SharedCache) Put(url URL, r *Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[url] = sharedEntry{resource: r, storedAt: s.now()}
}

// Len returns the number of stored entries, including stale ones not yet
// evicted.
func (s *SharedCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Resolve gets and attaches every url in order, stopping at the first
// failure. Each distinct url is read at most once per ExecutionContext.
func Resolve(ctx context.Context, cache Cache, ec *ExecutionContext, urls []string) error {
	for _, raw := range urls {
		url, err := ParseURL(raw)
		if err != nil {
			return err
		}
		r, err := cache.Get(ctx, ec, url)
		if err != nil {
			return err
		}
		cache.Put(ec, url, r)
	}
	return nil
}
