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


package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/salvage/internal/log"
	"github.com/tombee/salvage/internal/metrics"
	"github.com/tombee/salvage/pkg/errors"
)

// Keepalive renews owner's lease on instanceID every interval until ctx is
// done. If a renewal finds the lease held by someone else, finds it lapsed or
// released, or renewals keep failing until the lease would have lapsed, a
// *errors.LockLostError is sent
// on the returned channel and renewal stops. The channel is closed when
// Keepalive returns.
//
// An interval of zero renews at a third of the lease duration.
func (l *Lock) Keepalive(ctx context.Context, instanceID string, owner Token, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = l.duration / 3
	}

	lost := make(chan error, 1)

	go func() {
		defer close(lost)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastRenewal := l.now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := l.Renew(ctx, instanceID, owner)
			if ctx.Err() != nil {
				return
			}

			switch {
			case err != nil:
				if l.now().Sub(lastRenewal) < l.duration {
					l.logger.Warn("lease renewal failed, will retry",
						slog.String(log.InstanceIDKey, instanceID),
						log.Error(err))
					continue
				}
			case ok:
				lastRenewal = l.now()
				continue
			}

			metrics.RecordLeaseLost()
			l.logger.Warn("lease lost",
				slog.String(log.InstanceIDKey, instanceID),
				slog.String(log.OwnerKey, owner.String()))
			lost <- &errors.LockLostError{InstanceID: instanceID, Owner: owner.String()}
			return
		}
	}()

	return lost
}
