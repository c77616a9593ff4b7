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


// Package sqlite provides a SQLite backend implementation for single-node
// deployments and for several processes sharing one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.LeaseStore      = (*Backend)(nil)
	_ backend.RetryStateStore = (*Backend)(nil)
	_ backend.TaskWriter      = (*Backend)(nil)
	_ backend.ResourceWriter  = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// casAttempts bounds how often a lease write is retried after losing a race
// with another writer on the same row.
const casAttempts = 3

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to configure pragmas")
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute %s", pragma)
		}
	}

	return nil
}

// migrate runs database migrations. Timestamps are stored as unix
// milliseconds so ordering and equality compare exactly.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS leases (
			instance_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retry_states (
			instance_id TEXT PRIMARY KEY,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_eligible_at INTEGER NOT NULL,
			last_error TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			instance_id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			resources TEXT,
			payload TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS resources (
			key TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}

	return nil
}

// AcquireLease conditionally writes rec using a compare-and-set on the
// row read just before. A lost race re-reads and re-evaluates.
func (b *Backend) AcquireLease(ctx context.Context, rec backend.LeaseRecord, now time.Time) (*backend.LeaseRecord, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		prev, err := b.GetLease(ctx, rec.InstanceID)
		if err != nil {
			return nil, false, err
		}
		if prev.HeldByOther(rec.Owner, now) {
			return prev, false, nil
		}

		var result sql.Result
		if prev == nil {
			result, err = b.db.ExecContext(ctx,
				`INSERT INTO leases (instance_id, owner, acquired_at, expires_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (instance_id) DO NOTHING`,
				rec.InstanceID, rec.Owner, rec.AcquiredAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
			)
		} else {
			result, err = b.db.ExecContext(ctx,
				`UPDATE leases SET owner = ?, acquired_at = ?, expires_at = ?
				WHERE instance_id = ? AND owner = ? AND expires_at = ?`,
				rec.Owner, rec.AcquiredAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
				rec.InstanceID, prev.Owner, prev.ExpiresAt.UnixMilli(),
			)
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to write lease")
		}

		n, err := result.RowsAffected()
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to write lease")
		}
		if n == 1 {
			return prev, true, nil
		}
	}

	// Still contended after every attempt; report the current holder.
	prev, err := b.GetLease(ctx, rec.InstanceID)
	if err != nil {
		return nil, false, err
	}
	return prev, false, nil
}

// ReleaseLease deletes the lease if owner may act on it.
func (b *Backend) ReleaseLease(ctx context.Context, instanceID, owner string, now time.Time) (bool, error) {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM leases WHERE instance_id = ? AND (owner = ? OR expires_at <= ?)`,
		instanceID, owner, now.UnixMilli(),
	); err != nil {
		return false, errors.Wrap(err, "failed to release lease")
	}

	remaining, err := b.GetLease(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return !remaining.HeldByOther(owner, now), nil
}

// GetLease returns the lease for instanceID.
func (b *Backend) GetLease(ctx context.Context, instanceID string) (*backend.LeaseRecord, error) {
	var rec backend.LeaseRecord
	var acquiredAt, expiresAt int64

	err := b.db.QueryRowContext(ctx,
		`SELECT instance_id, owner, acquired_at, expires_at FROM leases WHERE instance_id = ?`,
		instanceID,
	).Scan(&rec.InstanceID, &rec.Owner, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get lease")
	}

	rec.AcquiredAt = time.UnixMilli(acquiredAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return &rec, nil
}

// LoadRetryState returns the retry state for instanceID.
func (b *Backend) LoadRetryState(ctx context.Context, instanceID string) (*backend.RetryState, error) {
	var state backend.RetryState
	var nextEligibleAt, updatedAt int64
	var lastError sql.NullString

	err := b.db.QueryRowContext(ctx,
		`SELECT instance_id, attempt_count, next_eligible_at, last_error, updated_at
		FROM retry_states WHERE instance_id = ?`,
		instanceID,
	).Scan(&state.InstanceID, &state.AttemptCount, &nextEligibleAt, &lastError, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load retry state")
	}

	state.NextEligibleAt = time.UnixMilli(nextEligibleAt)
	state.UpdatedAt = time.UnixMilli(updatedAt)
	if lastError.Valid {
		state.LastError = lastError.String
	}
	return &state, nil
}

// SaveRetryState creates or replaces the retry state.
func (b *Backend) SaveRetryState(ctx context.Context, state *backend.RetryState) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO retry_states (instance_id, attempt_count, next_eligible_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			next_eligible_at = excluded.next_eligible_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		state.InstanceID, state.AttemptCount, state.NextEligibleAt.UnixMilli(), state.LastError, now.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save retry state")
	}

	state.UpdatedAt = now
	return nil
}

// ClearRetryState removes the retry state.
func (b *Backend) ClearRetryState(ctx context.Context, instanceID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM retry_states WHERE instance_id = ?`, instanceID); err != nil {
		return errors.Wrap(err, "failed to clear retry state")
	}
	return nil
}

// PutTask creates or replaces a task.
func (b *Backend) PutTask(ctx context.Context, task *backend.Task) error {
	resourcesJSON, err := json.Marshal(task.Resources)
	if err != nil {
		return errors.Wrap(err, "failed to marshal resources")
	}
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO tasks (instance_id, workflow, status, resources, payload, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			workflow = excluded.workflow,
			status = excluded.status,
			resources = excluded.resources,
			payload = excluded.payload,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		task.InstanceID, task.Workflow, task.Status, string(resourcesJSON), string(payloadJSON),
		task.Error, task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to put task")
	}
	return nil
}

// GetTask retrieves a task by instance ID.
func (b *Backend) GetTask(ctx context.Context, instanceID string) (*backend.Task, error) {
	var task backend.Task
	var resourcesJSON, payloadJSON, errorStr sql.NullString
	var createdAt, updatedAt int64

	err := b.db.QueryRowContext(ctx,
		`SELECT instance_id, workflow, status, resources, payload, error, created_at, updated_at
		FROM tasks WHERE instance_id = ?`,
		instanceID,
	).Scan(&task.InstanceID, &task.Workflow, &task.Status, &resourcesJSON, &payloadJSON, &errorStr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}

	if resourcesJSON.Valid && resourcesJSON.String != "" {
		if err := json.Unmarshal([]byte(resourcesJSON.String), &task.Resources); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal resources")
		}
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &task.Payload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal payload")
		}
	}
	if errorStr.Valid {
		task.Error = errorStr.String
	}
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)

	return &task, nil
}

// ListStalled returns running tasks last updated before the given time,
// oldest first.
func (b *Backend) ListStalled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `SELECT instance_id FROM tasks WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`
	args := []any{backend.TaskStatusRunning, before.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stalled tasks")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkFailed sets the task status to failed.
func (b *Backend) MarkFailed(ctx context.Context, instanceID, reason string) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE instance_id = ?`,
		backend.TaskStatusFailed, reason, time.Now().UnixMilli(), instanceID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark task failed")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	return nil
}

// MarkCompleted sets the task status to completed.
func (b *Backend) MarkCompleted(ctx context.Context, instanceID string) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = '', updated_at = ? WHERE instance_id = ?`,
		backend.TaskStatusCompleted, time.Now().UnixMilli(), instanceID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark task completed")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "task", ID: instanceID}
	}
	return nil
}

// PutResource stores raw resource content.
func (b *Backend) PutResource(ctx context.Context, key string, content []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO resources (key, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		key, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to put resource")
	}
	return nil
}

// GetResource returns raw resource content.
func (b *Backend) GetResource(ctx context.Context, key string) ([]byte, error) {
	var content []byte
	err := b.db.QueryRowContext(ctx, `SELECT content FROM resources WHERE key = ?`, key).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "resource", ID: key}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get resource")
	}
	return content, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// DB returns the underlying database connection.
func (b *Backend) DB() *sql.DB {
	return b.db
}
