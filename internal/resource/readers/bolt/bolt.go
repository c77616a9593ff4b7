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


// Package bolt reads resources from a BoltDB file.
//
// A URL path of the form bucket/sub/key names the key "key" inside the
// nested bucket "sub" of top-level bucket "bucket".
package bolt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"

	"github.com/tombee/salvage/internal/resource"
)

// Compile-time interface assertion.
var _ resource.Reader = (*Reader)(nil)

// Reader resolves resources stored in BoltDB buckets.
type Reader struct {
	auth resource.Authority
	db   *bbolt.DB
}

// Open opens the database at path. The context deadline, if any, bounds the
// time spent waiting for the file lock.
func Open(ctx context.Context, kind string, shape resource.Shape, path string) (*Reader, error) {
	db, err := openDB(ctx, path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	return &Reader{
		auth: resource.Authority{Kind: kind, Shape: shape},
		db:   db,
	}, nil
}

func openDB(ctx context.Context, path string, mode os.FileMode, opts *bbolt.Options) (*bbolt.DB, error) {
	// A non-positive Timeout means "wait forever" to bbolt.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		clone := *bbolt.DefaultOptions
		if opts != nil {
			clone = *opts
		}
		if clone.Timeout == 0 || clone.Timeout > timeout {
			clone.Timeout = timeout
		}
		opts = &clone
	}

	db, err := bbolt.Open(path, mode, opts)
	if err != nil && err.Error() == "timeout" {
		err = context.DeadlineExceeded
	}
	return db, err
}

// Authority implements resource.Reader.
func (r *Reader) Authority() resource.Authority {
	return r.auth
}

// Read implements resource.Reader.
func (r *Reader) Read(ctx context.Context, url resource.URL) (*resource.Resource, error) {
	buckets, key, err := splitPath(url.Path)
	if err != nil {
		return nil, resource.Unresolvable(url, err.Error(), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, resource.Unresolvable(url, "read cancelled", err)
	}

	var raw []byte
	err = r.db.View(func(tx *bbolt.Tx) error {
		b := bucket(tx, buckets...)
		if b == nil {
			return fmt.Errorf("no bucket %s", strings.Join(toStrings(buckets), "/"))
		}
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("no key %s", key)
		}
		// v is only valid inside the transaction.
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, resource.Unresolvable(url, "lookup failed", err)
	}

	return resource.Build(r.auth, url, raw)
}

// Put stores content under the bucket/sub/key path, creating buckets as
// needed.
func (r *Reader) Put(path string, content []byte) error {
	buckets, key, err := splitPath(path)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		var (
			b      *bbolt.Bucket
			parent bucketParent = tx
		)
		for _, n := range buckets {
			b, err = parent.CreateBucketIfNotExists(n)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", n, err)
			}
			parent = b
		}
		return b.Put(key, content)
	})
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

type bucketParent interface {
	Bucket(name []byte) *bbolt.Bucket
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

func bucket(p bucketParent, path ...[]byte) (b *bbolt.Bucket) {
	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil
		}
		p = b
	}
	return b
}

func splitPath(path string) ([][]byte, []byte, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("path %q must be bucket/.../key", path)
	}
	out := make([][]byte, len(parts))
	for i, p := range parts {
		if p == "" {
			return nil, nil, fmt.Errorf("path %q has an empty element", path)
		}
		out[i] = []byte(p)
	}
	return out[:len(out)-1], out[len(out)-1], nil
}

func toStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = string(b)
	}
	return out
}
