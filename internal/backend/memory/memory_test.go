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


package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/backendtest"
)

func TestLeaseStore(t *testing.T) {
	backendtest.RunLeaseStoreTests(t, func(t *testing.T) backend.LeaseStore { return New() })
}

func TestRetryStateStore(t *testing.T) {
	backendtest.RunRetryStateStoreTests(t, func(t *testing.T) backend.RetryStateStore { return New() })
}

func TestTaskStore(t *testing.T) {
	backendtest.RunTaskStoreTests(t, func(t *testing.T) backendtest.TaskStore { return New() })
}

func TestResourceStore(t *testing.T) {
	backendtest.RunResourceStoreTests(t, func(t *testing.T) backendtest.ResourceStore { return New() })
}

func TestGetResource_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.PutResource(ctx, "k", []byte("abc")))

	content, err := b.GetResource(ctx, "k")
	require.NoError(t, err)
	content[0] = 'x'

	again, err := b.GetResource(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}
