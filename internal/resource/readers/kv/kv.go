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


// Package kv reads resources from a key/value store such as the
// resources table of the SQL backends or a Redis keyspace.
package kv

import (
	"context"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/pkg/errors"
)

// Compile-time interface assertion.
var _ resource.Reader = (*Reader)(nil)

// Reader resolves kind://key by fetching key from a ResourceStore.
type Reader struct {
	auth  resource.Authority
	store backend.ResourceStore
}

// New creates a kv reader over store.
func New(kind string, shape resource.Shape, store backend.ResourceStore) *Reader {
	return &Reader{
		auth:  resource.Authority{Kind: kind, Shape: shape},
		store: store,
	}
}

// Authority implements resource.Reader.
func (r *Reader) Authority() resource.Authority {
	return r.auth
}

// Read implements resource.Reader.
func (r *Reader) Read(ctx context.Context, url resource.URL) (*resource.Resource, error) {
	raw, err := r.store.GetResource(ctx, url.Path)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return nil, resource.Unresolvable(url, "no such key", err)
		}
		return nil, resource.Unresolvable(url, "store read failed", err)
	}
	return resource.Build(r.auth, url, raw)
}
