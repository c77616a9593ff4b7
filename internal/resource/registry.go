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


package resource

import (
	"context"
	"fmt"
	"sort"
)

// Reader fetches resources of exactly one authority from a backing store.
type Reader interface {
	// Authority returns the authority this reader resolves.
	Authority() Authority

	// Read fetches and decodes the resource at url. It returns a new
	// unexpired Resource or an *errors.ResourceUnresolvableError; never a
	// partial value.
	Read(ctx context.Context, url URL) (*Resource, error)
}

// Registry maps authority kinds to readers. It is built once and is
// read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	readers map[string]Reader
}

// NewRegistry creates a registry of the given readers. Two readers
// declaring the same kind are an error.
func NewRegistry(readers ...Reader) (*Registry, error) {
	m := make(map[string]Reader, len(readers))
	for _, r := range readers {
		kind := r.Authority().Kind
		if kind == "" {
			return nil, fmt.Errorf("reader %T declares an empty kind", r)
		}
		if _, exists := m[kind]; exists {
			return nil, fmt.Errorf("duplicate reader for kind %q", kind)
		}
		m[kind] = r
	}
	return &Registry{readers: m}, nil
}

// Lookup returns the reader registered for kind.
func (r *Registry) Lookup(kind string) (Reader, error) {
	reader, ok := r.readers[kind]
	if !ok {
		return nil, Unresolvable(URL{Kind: kind}, fmt.Sprintf("no reader registered for kind %q", kind), nil)
	}
	return reader, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.readers))
	for k := range r.readers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Read resolves url through the reader registered for its kind.
func (r *Registry) Read(ctx context.Context, url URL) (*Resource, error) {
	reader, ok := r.readers[url.Kind]
	if !ok {
		return nil, Unresolvable(url, fmt.Sprintf("no reader registered for kind %q", url.Kind), nil)
	}

	res, err := reader.Read(ctx, url)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Authority.Kind != url.Kind {
		return nil, Unresolvable(url, fmt.Sprintf("reader for %q returned a mismatched resource", url.Kind), nil)
	}
	return res, nil
}
