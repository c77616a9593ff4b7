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


// Package metrics exposes the Prometheus counters for lease ownership,
// recovery outcomes and resource resolution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lease acquisition results.
const (
	LeaseAcquired    = "acquired"
	LeaseRefreshed   = "refreshed"
	LeaseHeld        = "held"
	LeaseUnavailable = "unavailable"
)

// Resource resolution tiers.
const (
	TierContext = "context"
	TierShared  = "shared"
	TierReader  = "reader"
)

var (
	leaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvage_lease_acquisitions_total",
			Help: "Lease acquisition attempts by result",
		},
		[]string{"result"},
	)

	leaseReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvage_lease_releases_total",
			Help: "Lease release attempts by result",
		},
		[]string{"result"},
	)

	leasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salvage_leases_lost_total",
		Help: "Leases lost to another owner while work was in flight",
	})

	recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvage_recoveries_total",
			Help: "Recovery attempts by final state",
		},
		[]string{"state"},
	)

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salvage_retries_scheduled_total",
		Help: "Delayed re-entries scheduled after a retriable failure",
	})

	instancesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salvage_instances_exhausted_total",
		Help: "Instances that reached the retry ceiling",
	})

	resourceResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvage_resource_resolutions_total",
			Help: "Resource resolutions by the tier that served them",
		},
		[]string{"tier"},
	)

	resourcesUnresolvable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvage_resources_unresolvable_total",
			Help: "Resource resolutions that failed, by authority kind",
		},
		[]string{"kind"},
	)
)

// RecordLeaseAcquisition increments the lease acquisition counter.
// result should be one of the Lease* constants.
func RecordLeaseAcquisition(result string) {
	leaseAcquisitions.WithLabelValues(result).Inc()
}

// RecordLeaseRelease increments the lease release counter.
func RecordLeaseRelease(released bool) {
	result := "released"
	if !released {
		result = "refused"
	}
	leaseReleases.WithLabelValues(result).Inc()
}

// RecordLeaseLost increments the lost lease counter.
func RecordLeaseLost() {
	leasesLost.Inc()
}

// RecordRecovery increments the recovery counter for a final state.
func RecordRecovery(state string) {
	recoveries.WithLabelValues(state).Inc()
}

// RecordRetryScheduled increments the scheduled retry counter.
func RecordRetryScheduled() {
	retriesScheduled.Inc()
}

// RecordExhausted increments the exhausted instance counter.
func RecordExhausted() {
	instancesExhausted.Inc()
}

// RecordResolution increments the resolution counter for tier.
func RecordResolution(tier string) {
	resourceResolutions.WithLabelValues(tier).Inc()
}

// RecordUnresolvable increments the unresolvable resource counter for kind.
func RecordUnresolvable(kind string) {
	resourcesUnresolvable.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
