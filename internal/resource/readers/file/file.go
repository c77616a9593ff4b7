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


// Package file reads resources from files under a root directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tombee/salvage/internal/resource"
)

// Compile-time interface assertion.
var _ resource.Reader = (*Reader)(nil)

// Reader resolves kind://relative/path against Root.
type Reader struct {
	auth resource.Authority
	root string
}

// New creates a file reader. root must be an existing directory.
func New(kind string, shape resource.Shape, root string) (*Reader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat resource root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource root %s is not a directory", abs)
	}
	return &Reader{
		auth: resource.Authority{Kind: kind, Shape: shape},
		root: abs,
	}, nil
}

// Authority implements resource.Reader.
func (r *Reader) Authority() resource.Authority {
	return r.auth
}

// Root returns the absolute root directory.
func (r *Reader) Root() string {
	return r.root
}

// Read implements resource.Reader.
func (r *Reader) Read(ctx context.Context, url resource.URL) (*resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, resource.Unresolvable(url, "read cancelled", err)
	}

	rel := filepath.FromSlash(url.Path)
	if !filepath.IsLocal(rel) {
		return nil, resource.Unresolvable(url, "path escapes resource root", nil)
	}

	raw, err := os.ReadFile(filepath.Join(r.root, rel))
	if err != nil {
		reason := "read failed"
		if errors.Is(err, fs.ErrNotExist) {
			reason = "no such file"
		}
		return nil, resource.Unresolvable(url, reason, err)
	}

	return resource.Build(r.auth, url, raw)
}
