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


package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/backend/backendtest"
)

// createTestBackend connects to SALVAGE_TEST_POSTGRES_URL and empties every
// table. Tests are skipped when the variable is unset.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	url := os.Getenv("SALVAGE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("SALVAGE_TEST_POSTGRES_URL not set")
	}

	be, err := New(Config{ConnectionString: url, MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	_, err = be.DB().ExecContext(context.Background(), `TRUNCATE leases, retry_states, tasks, resources`)
	require.NoError(t, err)

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
