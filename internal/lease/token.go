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
	"strings"

	"github.com/google/uuid"
)

// Token identifies one owner of a lease. A node mints a fresh token for
// every recovery attempt, so two attempts on the same node never share
// ownership.
type Token string

// NewToken returns a token of the form nodeID/uuid.
func NewToken(nodeID string) Token {
	return Token(nodeID + "/" + uuid.NewString())
}

// Node returns the node part of the token.
func (t Token) Node() string {
	node, _, _ := strings.Cut(string(t), "/")
	return node
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return string(t)
}
