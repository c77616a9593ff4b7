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


/*
Package recovery resumes stalled workflow instances safely across a fleet.

Each node runs an Orchestrator. Instances arrive from one or more Sources
(a Poller over the task store, or a ChannelSource fed by another
component) and are worked by a bounded pool. One attempt moves through

	Discovered -> LockPending -> Resolving -> Executing

and ends in one of Succeeded, Retrying, Exhausted, LockLost, Failed or
Deferred.

Every attempt uses a fresh lease.Token, so ownership is never tied to a
goroutine. The lease is released while an instance waits out its backoff;
any node may pick it up again once RetryState.NextEligibleAt has passed.

If the lease is lost mid-execution the attempt's context is cancelled with
a *errors.LockLostError cause and the attempt is abandoned without any
further writes. Executors must therefore be idempotent: a new owner may
resume an instance whose previous owner had already applied some effects.
*/
package recovery
