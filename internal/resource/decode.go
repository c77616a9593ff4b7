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

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode converts raw content into a value of the given shape.
func Decode(shape Shape, raw []byte) (any, error) {
	switch shape {
	case ShapeJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
		return v, nil
	case ShapeYAML:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
		return v, nil
	case ShapeText:
		return string(raw), nil
	case ShapeBytes:
		return append([]byte(nil), raw...), nil
	default:
		return nil, fmt.Errorf("unknown resource shape %q", shape)
	}
}

// Build decodes raw for auth and wraps it in a new Resource. A decode
// failure is reported as unresolvable.
func Build(auth Authority, url URL, raw []byte) (*Resource, error) {
	value, err := Decode(auth.Shape, raw)
	if err != nil {
		return nil, Unresolvable(url, "decode failed", err)
	}
	return New(auth, url, value), nil
}
