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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsCollector_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	ctx := context.Background()
	mc.RecordAttempt(ctx, "succeeded", 150*time.Millisecond)
	mc.RecordAttempt(ctx, "retrying", 20*time.Millisecond)
	mc.RecordResolve(ctx, "file", time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
			if m.Name == "salvage_recovery_attempts" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				assert.Equal(t, int64(2), total)
			}
		}
	}

	assert.True(t, names["salvage_recovery_attempts"])
	assert.True(t, names["salvage_recovery_attempt_duration"])
	assert.True(t, names["salvage_resource_resolve_duration"])
}

func TestMetricsCollector_Nil(t *testing.T) {
	var mc *MetricsCollector
	mc.RecordAttempt(context.Background(), "succeeded", time.Second)
	mc.RecordResolve(context.Background(), "file", time.Second)
}
