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


// Package lease provides per-instance distributed mutual exclusion with a
// time-bounded ownership window.
//
// A Lock grants ownership of a workflow instance to one Token at a time.
// Ownership lapses on its own after the lease duration, so a crashed owner
// never blocks recovery for longer than that. The atomic check-and-write is
// delegated to a backend.LeaseStore.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/salvage/internal/backend"
	"github.com/tombee/salvage/internal/log"
	"github.com/tombee/salvage/internal/metrics"
	"github.com/tombee/salvage/pkg/errors"
)

// DefaultLeaseDuration is how long an acquisition stays valid without renewal.
const DefaultLeaseDuration = 6000 * time.Millisecond

// PostAction runs after an acquisition that changed ownership.
type PostAction func(instanceID string, acquiredAt time.Time)

// Config contains lease lock configuration.
type Config struct {
	// Store is the backing lease store.
	Store backend.LeaseStore

	// LeaseDuration is the ownership window. Defaults to DefaultLeaseDuration.
	LeaseDuration time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Lock is a lease lock over a LeaseStore.
type Lock struct {
	store    backend.LeaseStore
	duration time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a lease lock.
func New(cfg Config) (*Lock, error) {
	if cfg.Store == nil {
		return nil, &errors.ValidationError{Field: "Store", Message: "lease store is required"}
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Lock{
		store:    cfg.Store,
		duration: cfg.LeaseDuration,
		now:      cfg.Now,
		logger:   log.WithComponent(log.OrDefault(cfg.Logger), "lease"),
	}, nil
}

// Duration returns the configured lease duration.
func (l *Lock) Duration() time.Duration {
	return l.duration
}

// TryLock makes owner the holder of instanceID when the lease is free,
// expired, or already held by owner; the expiry becomes now plus the lease
// duration. post runs once when ownership changed hands, never on a refresh
// of a live lease by its own holder.
//
// A false result means do not proceed. A store failure returns false
// together with a *errors.LockUnavailableError.
func (l *Lock) TryLock(ctx context.Context, instanceID string, owner Token, post PostAction) (bool, error) {
	now := l.now()
	rec := backend.LeaseRecord{
		InstanceID: instanceID,
		Owner:      owner.String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.duration),
	}

	prev, acquired, err := l.store.AcquireLease(ctx, rec, now)
	if err != nil {
		metrics.RecordLeaseAcquisition(metrics.LeaseUnavailable)
		l.logger.Warn("lease store unavailable",
			slog.String(log.InstanceIDKey, instanceID),
			log.Error(err))
		return false, &errors.LockUnavailableError{InstanceID: instanceID, Operation: "acquire", Cause: err}
	}

	if !acquired {
		metrics.RecordLeaseAcquisition(metrics.LeaseHeld)
		if prev != nil {
			l.logger.Debug("lease held by another owner",
				slog.String(log.InstanceIDKey, instanceID),
				slog.String("holder", prev.Owner),
				slog.Time("expires_at", prev.ExpiresAt))
		}
		return false, nil
	}

	refresh := prev != nil && prev.Owner == rec.Owner && !prev.Expired(now)
	if refresh {
		metrics.RecordLeaseAcquisition(metrics.LeaseRefreshed)
		return true, nil
	}

	metrics.RecordLeaseAcquisition(metrics.LeaseAcquired)
	if prev != nil {
		l.logger.Info("lease taken over",
			slog.String(log.InstanceIDKey, instanceID),
			slog.String(log.OwnerKey, rec.Owner),
			slog.String("previous_owner", prev.Owner))
	}
	if post != nil {
		post(instanceID, now)
	}
	return true, nil
}

// Renew extends owner's live lease on instanceID by the lease duration. It
// returns false when the lease is held by another owner, and also when it
// had lapsed or been released: a renewal never regains a lease that owner
// stopped holding. A lease picked up that way is handed straight back.
func (l *Lock) Renew(ctx context.Context, instanceID string, owner Token) (bool, error) {
	now := l.now()
	rec := backend.LeaseRecord{
		InstanceID: instanceID,
		Owner:      owner.String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.duration),
	}

	prev, acquired, err := l.store.AcquireLease(ctx, rec, now)
	if err != nil {
		metrics.RecordLeaseAcquisition(metrics.LeaseUnavailable)
		return false, &errors.LockUnavailableError{InstanceID: instanceID, Operation: "renew", Cause: err}
	}
	if !acquired {
		return false, nil
	}

	if prev == nil || prev.Owner != rec.Owner || prev.Expired(now) {
		if _, err := l.store.ReleaseLease(ctx, instanceID, rec.Owner, now); err != nil {
			l.logger.Warn("failed to hand back lapsed lease",
				slog.String(log.InstanceIDKey, instanceID),
				log.Error(err))
		}
		return false, nil
	}

	metrics.RecordLeaseAcquisition(metrics.LeaseRefreshed)
	log.Trace(l.logger, "lease renewed",
		slog.String(log.InstanceIDKey, instanceID),
		slog.String(log.OwnerKey, rec.Owner),
		slog.Time("expires_at", rec.ExpiresAt))
	return true, nil
}

// Release clears owner's lease on instanceID. It returns true when owner is
// the legible owner, including when no lease exists, and false when another
// live owner holds it.
func (l *Lock) Release(ctx context.Context, instanceID string, owner Token) (bool, error) {
	released, err := l.store.ReleaseLease(ctx, instanceID, owner.String(), l.now())
	if err != nil {
		return false, &errors.LockUnavailableError{InstanceID: instanceID, Operation: "release", Cause: err}
	}
	metrics.RecordLeaseRelease(released)
	return released, nil
}

// IsLegibleOwner reports whether owner may act on instanceID: no lease
// exists, the lease expired, or owner holds it.
func (l *Lock) IsLegibleOwner(ctx context.Context, instanceID string, owner Token) (bool, error) {
	rec, err := l.store.GetLease(ctx, instanceID)
	if err != nil {
		return false, &errors.LockUnavailableError{InstanceID: instanceID, Operation: "check", Cause: err}
	}
	return !rec.HeldByOther(owner.String(), l.now()), nil
}

// Holds reports whether owner currently holds a live lease on instanceID.
// Unlike IsLegibleOwner it is false when no lease exists.
func (l *Lock) Holds(ctx context.Context, instanceID string, owner Token) (bool, error) {
	rec, err := l.store.GetLease(ctx, instanceID)
	if err != nil {
		return false, &errors.LockUnavailableError{InstanceID: instanceID, Operation: "check", Cause: err}
	}
	return rec != nil && rec.Owner == owner.String() && !rec.Expired(l.now()), nil
}
