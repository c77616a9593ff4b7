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


/*
Package tracing sets up OpenTelemetry for salvage.

A Provider owns an SDK tracer provider and a meter provider. Spans go to the
console exporter (stdouttrace) or to any span processor passed in as an
option; metrics are exported through the OTel Prometheus exporter so they
appear on the same /metrics endpoint as the promauto counters.

	provider, err := tracing.NewProvider(tracing.Config{
	    Enabled:     true,
	    ServiceName: "salvage",
	    Exporter:    tracing.ExporterConsole,
	})
	defer provider.Shutdown(ctx)

	tracer := provider.Tracer("salvage/recovery")
	ctx, span := tracer.Start(ctx, "recovery.attempt",
	    trace.WithAttributes(attribute.String(tracing.AttrInstanceID, id)),
	)
	defer span.End()

When tracing is disabled the Provider hands out no-op tracers and a nil
MetricsCollector, whose methods are safe to call.
*/
package tracing
