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
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter names.
const (
	ExporterConsole = "console"
	ExporterNone    = "none"
)

// Span attribute keys.
const (
	AttrInstanceID = "salvage.instance_id"
	AttrOwner      = "salvage.owner"
	AttrAttempt    = "salvage.attempt"
	AttrState      = "salvage.state"
	AttrResource   = "salvage.resource"
)

// Config holds observability configuration.
type Config struct {
	// Enabled controls whether tracing is active.
	Enabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// Exporter is "console" or "none". With "none" spans are only handed
	// to span processors passed as options.
	Exporter string

	// PrettyPrint formats console output for humans.
	PrettyPrint bool

	// Output is the console exporter destination (default: os.Stdout).
	Output io.Writer

	// SampleRate is the fraction of root spans recorded (0.0 - 1.0).
	// Zero means record everything.
	SampleRate float64

	// Registerer receives the OTel Prometheus exporter.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultConfig returns tracing disabled with console export ready to enable.
func DefaultConfig() Config {
	return Config{
		ServiceName: "salvage",
		Exporter:    ExporterConsole,
	}
}
