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


package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records recovery timings through the OTel metrics API.
// A nil collector ignores every call.
type MetricsCollector struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	resolveDuration metric.Float64Histogram
}

// NewMetricsCollector creates a collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("salvage")
	mc := &MetricsCollector{}

	var err error
	mc.attempts, err = meter.Int64Counter(
		"salvage_recovery_attempts",
		metric.WithDescription("Recovery attempts by final state"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	mc.attemptDuration, err = meter.Float64Histogram(
		"salvage_recovery_attempt_duration",
		metric.WithDescription("Duration of one recovery attempt from lock to outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.resolveDuration, err = meter.Float64Histogram(
		"salvage_resource_resolve_duration",
		metric.WithDescription("Duration of resolving a resource from a reader"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordAttempt records a finished recovery attempt.
func (mc *MetricsCollector) RecordAttempt(ctx context.Context, state string, d time.Duration) {
	if mc == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	mc.attempts.Add(ctx, 1, attrs)
	mc.attemptDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordResolve records a reader fetch for a resource kind.
func (mc *MetricsCollector) RecordResolve(ctx context.Context, kind string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.resolveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}
