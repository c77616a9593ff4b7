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


package kv

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend/memory"
	"github.com/tombee/salvage/internal/resource"
	"github.com/tombee/salvage/pkg/errors"
)

type brokenStore struct{}

func (brokenStore) GetResource(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestReader_Read(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutResource(ctx, "wf-1/checkpoint", []byte(`{"step":"deploy"}`)))

	r := New("kv", resource.ShapeJSON, store)
	res, err := r.Read(ctx, resource.URL{Kind: "kv", Path: "wf-1/checkpoint"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": "deploy"}, res.Value)
	assert.Equal(t, "kv", res.Authority.Kind)
}

func TestReader_Unresolvable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutResource(ctx, "bad", []byte(`nope`)))

	tests := []struct {
		name   string
		reader *Reader
		key    string
	}{
		{"missing", New("kv", resource.ShapeJSON, store), "missing"},
		{"decode failure", New("kv", resource.ShapeJSON, store), "bad"},
		{"store failure", New("kv", resource.ShapeJSON, brokenStore{}), "any"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.reader.Read(ctx, resource.URL{Kind: "kv", Path: tt.key})
			var ure *errors.ResourceUnresolvableError
			assert.True(t, errors.As(err, &ure), "got %v", err)
		})
	}
}
