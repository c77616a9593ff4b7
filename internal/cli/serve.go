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


package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/salvage/internal/config"
	"github.com/tombee/salvage/internal/daemon"
	"github.com/tombee/salvage/internal/log"
)

type serveFlags struct {
	nodeID      string
	backend     string
	metricsAddr string
}

func newServeCommand() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a recovery node",
		Long: `Run a recovery node until interrupted.

The node polls the task store for stalled instances and recovers them.
SIGINT or SIGTERM stops polling, waits for in-flight attempts up to
recovery.shutdown_timeout, and releases their leases.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd, flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.nodeID, "node-id", "", "Node identity used in lease owner tokens (default: hostname)")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "Storage backend (memory, sqlite, postgres)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Address for the metrics and health endpoint")

	return cmd
}

// loadServeConfig loads the config file and environment, then applies the
// command-line overrides and validates the result.
func loadServeConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	var path string
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.nodeID != "" {
		cfg.Node.ID = flags.nodeID
	}
	if flags.backend != "" {
		cfg.Backend.Type = flags.backend
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Listen = flags.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startErr := d.Start(ctx)
	if startErr != nil {
		logger.Error("daemon error", log.Error(startErr))
	}

	// Shutdown gets a fresh context: ctx is already done here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Recovery.ShutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", log.Error(err))
		if startErr == nil {
			startErr = err
		}
	}
	return startErr
}
