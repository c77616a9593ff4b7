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


package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/backendtest"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	be, err := New(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		WAL:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	return be
}

func TestLeaseStore(t *testing.T) {
	backendtest.RunLeaseStoreTests(t, func(t *testing.T) backend.LeaseStore { return createTestBackend(t) })
}

func TestRetryStateStore(t *testing.T) {
	backendtest.RunRetryStateStoreTests(t, func(t *testing.T) backend.RetryStateStore { return createTestBackend(t) })
}

func TestTaskStore(t *testing.T) {
	backendtest.RunTaskStoreTests(t, func(t *testing.T) backendtest.TaskStore { return createTestBackend(t) })
}

func TestResourceStore(t *testing.T) {
	backendtest.RunResourceStoreTests(t, func(t *testing.T) backendtest.ResourceStore { return createTestBackend(t) })
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	be, err := New(Config{Path: dbPath})
	require.NoError(t, err)

	_, ok, err := be.AcquireLease(ctx, backend.LeaseRecord{
		InstanceID: "wf-1",
		Owner:      "node-a/1",
		AcquiredAt: backendtest.Epoch,
		ExpiresAt:  backendtest.Epoch.Add(6 * time.Second),
	}, backendtest.Epoch)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, be.Close())

	reopened, err := New(Config{Path: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetLease(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "node-a/1", rec.Owner)
}

func TestSQLiteBackend_InvalidPath(t *testing.T) {
	_, err := New(Config{Path: filepath.Join(t.TempDir(), "missing", "dir", "x.db")})
	assert.Error(t, err)
}
