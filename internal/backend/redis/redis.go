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


// Package redis provides a Redis lease store and raw resource store.
//
// Leases are hashes holding owner, acquired_at and expires_at (unix
// milliseconds). Acquire and release run as Lua scripts so the
// check-then-write is atomic on the server. Each key also carries a PX
// expiry so a lease of a crashed owner disappears on its own.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/salvage/internal/backend"
	salvageerrors "github.com/tombee/salvage/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.LeaseStore     = (*LeaseStore)(nil)
	_ backend.ResourceStore  = (*ResourceStore)(nil)
	_ backend.ResourceWriter = (*ResourceStore)(nil)
)

// DefaultKeyPrefix namespaces every key written by this package.
const DefaultKeyPrefix = "salvage"

// acquireScript returns {acquired, prevOwner, prevAcquiredAt, prevExpiresAt};
// the prev fields are omitted when no lease existed.
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'acquired_at', 'expires_at')
local now = tonumber(ARGV[4])
if cur[1] and cur[1] ~= ARGV[1] and tonumber(cur[3]) > now then
	return {0, cur[1], cur[2], cur[3]}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if cur[1] then
	return {1, cur[1], cur[2], cur[3]}
end
return {1}
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'expires_at')
if not cur[1] then
	return 1
end
if cur[1] == ARGV[1] or tonumber(cur[2]) <= tonumber(ARGV[2]) then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// Config contains Redis lease store configuration.
type Config struct {
	// Client is the Redis client to use.
	Client redis.UniversalClient

	// KeyPrefix namespaces keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// LeaseStore is a backend.LeaseStore on Redis.
type LeaseStore struct {
	client redis.UniversalClient
	prefix string
}

// NewLeaseStore creates a Redis lease store.
func NewLeaseStore(cfg Config) (*LeaseStore, error) {
	if cfg.Client == nil {
		return nil, &salvageerrors.ConfigError{Key: "redis.addr", Reason: "redis client is required"}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &LeaseStore{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *LeaseStore) key(instanceID string) string {
	return s.prefix + ":lease:" + instanceID
}

// AcquireLease conditionally writes rec.
func (s *LeaseStore) AcquireLease(ctx context.Context, rec backend.LeaseRecord, now time.Time) (*backend.LeaseRecord, bool, error) {
	ttl := rec.ExpiresAt.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	res, err := acquireScript.Run(ctx, s.client, []string{s.key(rec.InstanceID)},
		rec.Owner,
		rec.AcquiredAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
		ttl,
	).Slice()
	if err != nil {
		return nil, false, salvageerrors.Wrap(err, "failed to acquire lease")
	}
	if len(res) == 0 {
		return nil, false, fmt.Errorf("failed to acquire lease: empty script reply")
	}

	acquired, _ := res[0].(int64)
	var prev *backend.LeaseRecord
	if len(res) == 4 {
		prev, err = leaseFromFields(rec.InstanceID, res[1], res[2], res[3])
		if err != nil {
			return nil, false, err
		}
	}
	return prev, acquired == 1, nil
}

// ReleaseLease deletes the lease if owner may act on it.
func (s *LeaseStore) ReleaseLease(ctx context.Context, instanceID, owner string, now time.Time) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(instanceID)}, owner, now.UnixMilli()).Int64()
	if err != nil {
		return false, salvageerrors.Wrap(err, "failed to release lease")
	}
	return n == 1, nil
}

// GetLease returns the lease for instanceID.
func (s *LeaseStore) GetLease(ctx context.Context, instanceID string) (*backend.LeaseRecord, error) {
	vals, err := s.client.HMGet(ctx, s.key(instanceID), "owner", "acquired_at", "expires_at").Result()
	if err != nil {
		return nil, salvageerrors.Wrap(err, "failed to get lease")
	}
	if len(vals) != 3 || vals[0] == nil {
		return nil, nil
	}
	return leaseFromFields(instanceID, vals[0], vals[1], vals[2])
}

func leaseFromFields(instanceID string, owner, acquiredAt, expiresAt any) (*backend.LeaseRecord, error) {
	o, ok := owner.(string)
	if !ok {
		return nil, fmt.Errorf("invalid lease owner for %s", instanceID)
	}
	acq, err := parseMillis(acquiredAt)
	if err != nil {
		return nil, salvageerrors.Wrapf(err, "invalid lease acquired_at for %s", instanceID)
	}
	exp, err := parseMillis(expiresAt)
	if err != nil {
		return nil, salvageerrors.Wrapf(err, "invalid lease expires_at for %s", instanceID)
	}
	return &backend.LeaseRecord{InstanceID: instanceID, Owner: o, AcquiredAt: acq, ExpiresAt: exp}, nil
}

func parseMillis(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// ResourceStore reads raw resource content stored as plain Redis strings.
type ResourceStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewResourceStore creates a Redis resource store. Keys are written as
// prefix:resource:key; ttl of zero keeps them forever.
func NewResourceStore(client redis.UniversalClient, prefix string, ttl time.Duration) *ResourceStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ResourceStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *ResourceStore) key(key string) string {
	return s.prefix + ":resource:" + key
}

// GetResource returns the content stored under key.
func (s *ResourceStore) GetResource(ctx context.Context, key string) ([]byte, error) {
	content, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &salvageerrors.NotFoundError{Resource: "resource", ID: key}
	}
	if err != nil {
		return nil, salvageerrors.Wrap(err, "failed to get resource")
	}
	return content, nil
}

// PutResource stores content under key.
func (s *ResourceStore) PutResource(ctx context.Context, key string, content []byte) error {
	if err := s.client.Set(ctx, s.key(key), content, s.ttl).Err(); err != nil {
		return salvageerrors.Wrap(err, "failed to put resource")
	}
	return nil
}
