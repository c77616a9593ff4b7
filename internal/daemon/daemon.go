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


// Package daemon assembles a salvage node from its configuration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/memory"
	"github.com/tombee/salvage/internal/backend/postgres"
	"github.com/tombee/salvage/internal/backend/redis"
	"github.com/tombee/salvage/internal/backend/sqlite"
	"github.com/tombee/salvage/internal/backoff"
	"github.com/tombee/salvage/internal/config"
	"github.com/tombee/salvage/internal/lease"
	internallog "github.com/tombee/salvage/internal/log"
	"github.com/tombee/salvage/internal/metrics"
	"github.com/tombee/salvage/internal/recovery"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/internal/resource/readers/bolt"
	"github.com/tombee/salvage/internal/resource/readers/file"
	"github.com/tombee/salvage/internal/resource/readers/kv"
	"github.com/tombee/salvage/internal/tracing"
)

// Options contains daemon options set at build time or by the embedding
// program.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Executor resumes instances. If nil, every resumption fails fatally
	// so that nothing is silently dropped.
	Executor recovery.Executor

	// Logger defaults to one built from the log section of the config.
	Logger *slog.Logger
}

// Daemon is a running salvage node.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend    backend.Backend
	redis      goredis.UniversalClient
	boltReader *bolt.Reader
	tracing    *tracing.Provider
	registry   *resource.Registry
	orch       *recovery.Orchestrator
	poller     *recovery.Poller

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan error
}

// New creates a daemon. Everything that can fail is opened here so that
// Start only has to listen and run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: internallog.WithComponent(logger, "daemon"),
		done:   make(chan error, 1),
	}

	// Release whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			if err := d.close(); err != nil {
				d.logger.Warn("cleanup after failed start", internallog.Error(err))
			}
		}
	}()

	var err error
	if d.backend, err = openBackend(cfg); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		d.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	leaseStore, err := d.leaseStore()
	if err != nil {
		return nil, err
	}

	if d.tracing, err = tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "salvage",
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		PrettyPrint:    cfg.Tracing.PrettyPrint,
		SampleRate:     cfg.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}

	lock, err := lease.New(lease.Config{
		Store:         leaseStore,
		LeaseDuration: cfg.Lease.Duration,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lease lock: %w", err)
	}

	if d.registry, err = d.buildRegistry(); err != nil {
		return nil, err
	}

	var shared *resource.SharedCache
	if cfg.Cache.SharedTTL > 0 {
		shared = resource.NewSharedCache(cfg.Cache.SharedTTL, nil)
	}
	cache := resource.NewContextCache(resource.ContextCacheConfig{
		Registry:  d.registry,
		Shared:    shared,
		Collector: d.tracing.MetricsCollector(),
		Logger:    logger,
	})

	policy, err := backoff.FromConfig(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry policy: %w", err)
	}

	executor := opts.Executor
	if executor == nil {
		executor = unconfiguredExecutor
	}

	if d.orch, err = recovery.New(recovery.Config{
		NodeID:            cfg.Node.ID,
		Lock:              lock,
		Tasks:             d.backend,
		RetryStates:       d.backend,
		Cache:             cache,
		Policy:            policy,
		Executor:          executor,
		Ceiling:           cfg.Retry.Ceiling,
		Workers:           cfg.Recovery.Workers,
		AcquireRate:       cfg.Recovery.AcquireRate,
		AcquireBurst:      cfg.Recovery.AcquireBurst,
		KeepaliveInterval: cfg.KeepaliveInterval(),
		Logger:            logger,
	},
		recovery.WithObserver(recovery.NewLogObserver(logger)),
		recovery.WithTracer(d.tracing.Tracer("salvage/recovery")),
		recovery.WithMetricsCollector(d.tracing.MetricsCollector()),
	); err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d.poller = recovery.NewPoller(recovery.PollerConfig{
		Lister:         d.backend,
		Interval:       cfg.Recovery.PollInterval,
		StallThreshold: cfg.Recovery.StallThreshold,
		BatchSize:      cfg.Recovery.BatchSize,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", d.handleHealth)
	d.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ok = true
	return d, nil
}

var unconfiguredExecutor = recovery.ExecutorFunc(func(ctx context.Context, ec *resource.ExecutionContext, task *backend.Task) (recovery.Outcome, error) {
	return recovery.OutcomeFatal, fmt.Errorf("no executor configured for workflow %q", task.Workflow)
})

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Backend.SQLite.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		be, err := sqlite.New(sqlite.Config{
			Path: cfg.Backend.SQLite.Path,
			WAL:  cfg.Backend.SQLite.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return be, nil
	case config.BackendPostgres:
		be, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Backend.Postgres.URL,
			MaxOpenConns:     cfg.Backend.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres backend: %w", err)
		}
		return be, nil
	default:
		return memory.New(), nil
	}
}

func (d *Daemon) leaseStore() (backend.LeaseStore, error) {
	if d.cfg.Lease.Store != config.StoreRedis {
		return d.backend, nil
	}
	store, err := redis.NewLeaseStore(redis.Config{Client: d.redis, KeyPrefix: d.cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis lease store: %w", err)
	}
	return store, nil
}

// buildRegistry registers the kv reader and, when configured, the file and
// bolt readers.
func (d *Daemon) buildRegistry() (*resource.Registry, error) {
	rc := d.cfg.Resources
	var readers []resource.Reader

	kvShape, err := resource.ParseShape(rc.KV.Shape)
	if err != nil {
		return nil, fmt.Errorf("resources.kv: %w", err)
	}
	var kvStore backend.ResourceStore = d.backend
	if rc.KV.Source == config.StoreRedis {
		kvStore = redis.NewResourceStore(d.redis, d.cfg.Redis.KeyPrefix, 0)
	}
	readers = append(readers, kv.New(rc.KV.Kind, kvShape, kvStore))

	if rc.File.Root != "" {
		shape, err := resource.ParseShape(rc.File.Shape)
		if err != nil {
			return nil, fmt.Errorf("resources.file: %w", err)
		}
		r, err := file.New(rc.File.Kind, shape, rc.File.Root)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}

	if rc.Bolt.Path != "" {
		shape, err := resource.ParseShape(rc.Bolt.Shape)
		if err != nil {
			return nil, fmt.Errorf("resources.bolt: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := bolt.Open(ctx, rc.Bolt.Kind, shape, rc.Bolt.Path)
		if err != nil {
			return nil, err
		}
		d.boltReader = r
		readers = append(readers, r)
	}

	return resource.NewRegistry(readers...)
}

// Orchestrator returns the node's orchestrator, for submitting instances
// directly.
func (d *Daemon) Orchestrator() *recovery.Orchestrator {
	return d.orch
}

// Backend returns the storage backend.
func (d *Daemon) Backend() backend.Backend {
	return d.backend
}

// Addr returns the metrics listener address once started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start serves metrics and runs recovery until ctx is cancelled or
// Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true

	if d.cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Metrics.Listen, err)
		}
		d.ln = ln
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.logger.Info("daemon starting",
		slog.String(internallog.NodeKey, d.cfg.Node.ID),
		slog.String("backend", d.cfg.Backend.Type),
		slog.String("lease_store", d.cfg.Lease.Store),
		slog.Any("resource_kinds", d.registry.Kinds()),
		slog.String("version", d.opts.Version))

	serverErr := make(chan error, 1)
	if d.ln != nil {
		go func() {
			if err := d.server.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	go func() {
		d.done <- d.orch.Run(runCtx, d.poller)
		close(d.done)
	}()

	select {
	case <-runCtx.Done():
		return nil
	case err, ok := <-serverErr:
		if ok {
			cancel()
			return fmt.Errorf("metrics server error: %w", err)
		}
		<-runCtx.Done()
		return nil
	}
}

// Shutdown stops recovery, waits up to the configured shutdown timeout for
// in-flight attempts, and closes every resource the daemon opened.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return d.close()
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("pending", d.orch.Pending()),
		slog.Int("scheduled", d.orch.Scheduled()))

	d.cancel()

	var err error
	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.Recovery.ShutdownTimeout)
	defer drainCancel()

	select {
	case runErr := <-d.done:
		err = multierr.Append(err, runErr)
	case <-drainCtx.Done():
		d.logger.Warn("drain timeout exceeded",
			slog.Duration("shutdown_timeout", d.cfg.Recovery.ShutdownTimeout))
	}

	if d.ln != nil {
		if serr := d.server.Shutdown(drainCtx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics server shutdown: %w", serr))
		}
	}

	err = multierr.Append(err, d.close())

	d.started = false
	d.logger.Info("daemon stopped")
	return err
}

// close releases everything opened by New.
func (d *Daemon) close() error {
	var err error

	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if terr := d.tracing.Shutdown(ctx); terr != nil {
			err = multierr.Append(err, fmt.Errorf("tracing shutdown: %w", terr))
		}
		d.tracing = nil
	}
	if d.boltReader != nil {
		if berr := d.boltReader.Close(); berr != nil {
			err = multierr.Append(err, fmt.Errorf("bolt close: %w", berr))
		}
		d.boltReader = nil
	}
	if d.redis != nil {
		if rerr := d.redis.Close(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("redis close: %w", rerr))
		}
		d.redis = nil
	}
	if d.backend != nil {
		if berr := d.backend.Close(); berr != nil {
			err = multierr.Append(err, fmt.Errorf("backend close: %w", berr))
		}
		d.backend = nil
	}
	return err
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","node_id":%q,"pending":%d,"scheduled":%d}`,
		d.cfg.Node.ID, d.orch.Pending(), d.orch.Scheduled())
}
