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
	"time"

	"github.com/tombee/salvage/internal/backend"
)

// Source discovers instances to recover and hands them to submit until ctx
// is done. A nil return before ctx is done means the source is exhausted.
type Source interface {
	Run(ctx context.Context, submit func(instanceID string) bool) error
}

// ChannelSource submits every instance ID received on a channel. It stops
// when the channel is closed.
type ChannelSource <-chan string

// Run implements Source.
func (c ChannelSource) Run(ctx context.Context, submit func(string) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-c:
			if !ok {
				return nil
			}
			submit(id)
		}
	}
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Lister finds stalled instances. Required.
	Lister backend.StalledLister

	// Interval between polls. Defaults to 10s.
	Interval time.Duration

	// StallThreshold is how long a running task must go without an update
	// before it counts as stalled. Defaults to 1m.
	StallThreshold time.Duration

	// BatchSize caps the instances returned per poll. Zero means no cap.
	BatchSize int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Poller periodically lists stalled instances from the task store.
type Poller struct {
	cfg    PollerConfig
	logger *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "poller")),
	}
}

// Run implements Source. Listing errors are logged and the next tick tries
// again.
func (p *Poller) Run(ctx context.Context, submit func(string) bool) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately
	p.poll(ctx, submit)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, submit)
		}
	}
}

func (p *Poller) poll(ctx context.Context, submit func(string) bool) {
	before := p.cfg.Now().Add(-p.cfg.StallThreshold)
	ids, err := p.cfg.Lister.ListStalled(ctx, before, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("failed to list stalled instances", slog.Any("error", err))
		}
		return
	}

	submitted := 0
	for _, id := range ids {
		if submit(id) {
			submitted++
		}
	}
	if submitted > 0 {
		p.logger.Debug("submitted stalled instances",
			slog.Int("found", len(ids)),
			slog.Int("submitted", submitted))
	}
}
