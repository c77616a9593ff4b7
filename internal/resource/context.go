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


package resource

import "sync"

// ExecutionContext holds the resources resolved during one run of one
// instance. It is the in-memory cache tier and is discarded when the run
// ends.
type ExecutionContext struct {
	// InstanceID is the instance being run.
	InstanceID string

	// Owner is the lease token of the run.
	Owner string

	mu        sync.RWMutex
	resources map[URL]*Resource
}

// NewExecutionContext creates an empty execution context.
func NewExecutionContext(instanceID, owner string) *ExecutionContext {
	return &ExecutionContext{
		InstanceID: instanceID,
		Owner:      owner,
		resources:  make(map[URL]*Resource),
	}
}

// Attach makes r visible under url for the rest of the run.
func (ec *ExecutionContext) Attach(url URL, r *Resource) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.resources[url] = r
}

// Lookup returns the resource attached under url.
func (ec *ExecutionContext) Lookup(url URL) (*Resource, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.resources[url]
	return r, ok
}

// Resources returns a snapshot of the attached resources.
func (ec *ExecutionContext) Resources() map[URL]*Resource {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	out := make(map[URL]*Resource, len(ec.resources))
	for u, r := range ec.resources {
		out[u] = r
	}
	return out
}

// Len returns the number of attached resources.
func (ec *ExecutionContext) Len() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return len(ec.resources)
}
