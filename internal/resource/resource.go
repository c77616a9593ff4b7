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


// Package resource reconstructs the working state of a workflow instance.
//
// A resource is addressed by a URL of the form kind://path. The kind selects
// the Reader registered for it; the path is meaningful only to that reader.
// Resolution goes through a Cache that first consults the run's
// ExecutionContext and only then the reader.
package resource

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tombee/salvage/pkg/errors"
)

// Shape is the type of value a reader decodes raw content into.
type Shape string

// Supported shapes.
const (
	// ShapeJSON decodes JSON into any (maps, slices, numbers, strings).
	ShapeJSON Shape = "json"
	// ShapeYAML decodes YAML into any.
	ShapeYAML Shape = "yaml"
	// ShapeText keeps the content as a string.
	ShapeText Shape = "text"
	// ShapeBytes keeps the raw content.
	ShapeBytes Shape = "bytes"
)

// ParseShape returns the shape named s.
func ParseShape(s string) (Shape, error) {
	switch shape := Shape(strings.ToLower(s)); shape {
	case ShapeJSON, ShapeYAML, ShapeText, ShapeBytes:
		return shape, nil
	default:
		return "", fmt.Errorf("unknown resource shape %q", s)
	}
}

// Authority is what a reader produces: a kind and a value shape.
type Authority struct {
	Kind  string
	Shape Shape
}

// String implements fmt.Stringer.
func (a Authority) String() string {
	return a.Kind + "(" + string(a.Shape) + ")"
}

// Reference identifies one concrete read of a resource.
type Reference string

// NewReference returns a fresh reference.
func NewReference() Reference {
	return Reference(uuid.NewString())
}

// URL addresses a resource.
type URL struct {
	Kind string
	Path string
}

// ParseURL parses the textual form kind://path.
func ParseURL(s string) (URL, error) {
	kind, path, ok := strings.Cut(s, "://")
	if !ok || kind == "" || path == "" {
		return URL{}, &errors.ResourceUnresolvableError{URL: s, Kind: kind, Reason: "malformed resource url"}
	}
	return URL{Kind: kind, Path: path}, nil
}

// String returns the textual form kind://path.
func (u URL) String() string {
	return u.Kind + "://" + u.Path
}

// Resource is a resolved unit of execution state. Everything but the
// expired flag is fixed at construction, and the flag never goes back to
// false once set.
type Resource struct {
	Reference Reference
	Authority Authority
	URL       URL
	Value     any

	expired atomic.Bool
	origin  *Resource
}

// New returns an unexpired resource with a fresh reference.
func New(auth Authority, url URL, value any) *Resource {
	return &Resource{
		Reference: NewReference(),
		Authority: auth,
		URL:       url,
		Value:     value,
	}
}

// Expired reports whether the resource, or the shared entry it was handed
// out from, was marked stale.
func (r *Resource) Expired() bool {
	return r.expired.Load() || (r.origin != nil && r.origin.expired.Load())
}

func (r *Resource) markExpired() {
	r.expired.Store(true)
	if r.origin != nil {
		r.origin.expired.Store(true)
	}
}

// share returns a handle on r for one run: a fresh Reference over the same
// decoded Value. Expiring the handle expires r as well.
func (r *Resource) share() *Resource {
	return &Resource{
		Reference: NewReference(),
		Authority: r.Authority,
		URL:       r.URL,
		Value:     r.Value,
		origin:    r,
	}
}

// Unresolvable builds the error readers return when url cannot be read.
func Unresolvable(url URL, reason string, cause error) error {
	return &errors.ResourceUnresolvableError{
		URL:    url.String(),
		Kind:   url.Kind,
		Reason: reason,
		Cause:  cause,
	}
}
