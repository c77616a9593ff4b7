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

	"github.com/tombee/salvage/internal/log"
	"github.com/tombee/salvage/internal/metrics"
	"github.com/tombee/salvage/pkg/errors"
)

// MetricsObserver counts terminal transitions in Prometheus. Every
// orchestrator installs one.
type MetricsObserver struct{}

// Observe implements Observer.
func (MetricsObserver) Observe(e Event) {
	if !e.State.Terminal() {
		return
	}
	metrics.RecordRecovery(string(e.State))

	switch e.State {
	case StateRetrying:
		metrics.RecordRetryScheduled()
	case StateExhausted:
		metrics.RecordExhausted()
	}
}

// LogObserver writes transitions to a structured logger. Intermediate
// states go out at trace level.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{Logger: log.WithComponent(log.OrDefault(logger), "recovery")}
}

// Observe implements Observer.
func (l *LogObserver) Observe(e Event) {
	attrs := []slog.Attr{
		slog.String(log.InstanceIDKey, e.InstanceID),
		slog.String(log.OwnerKey, e.Owner),
		slog.Int(log.AttemptKey, e.Attempt),
		slog.String(log.StateKey, string(e.State)),
	}
	if e.RetryAfter > 0 {
		attrs = append(attrs, slog.Duration("retry_after", e.RetryAfter))
	}
	if e.Err != nil {
		attrs = append(attrs, log.Error(e.Err), slog.String("error_type", errors.Classify(e.Err)))
	}

	var level slog.Level
	msg := "recovery transition"
	switch e.State {
	case StateSucceeded:
		level, msg = slog.LevelInfo, "instance recovered"
	case StateRetrying:
		level, msg = slog.LevelWarn, "recovery attempt failed, retry scheduled"
	case StateDeferred:
		level, msg = slog.LevelDebug, "recovery deferred"
	case StateLockLost:
		level, msg = slog.LevelWarn, "lease lost during recovery, attempt abandoned"
	case StateExhausted:
		level, msg = slog.LevelError, "instance exhausted its retries"
	case StateFailed:
		level, msg = slog.LevelError, "instance failed permanently"
	default:
		level = log.LevelTrace
	}

	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
