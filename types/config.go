// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import "encoding/json"

// ChannelConfig is the opaque per-kind channel configuration. Values come
// from JSON so nested values are the usual any-typed shapes; the accessors
// below normalize the cases the notifiers care about.
type ChannelConfig map[string]interface{}

// Str returns the string value under key, or def when absent or not a string.
func (c ChannelConfig) Str(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// StrSlice returns the string-list value under key. Both []string and
// []interface{} of strings are accepted.
func (c ChannelConfig) StrSlice(key string) []string {
	v, ok := c[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StrMap returns the string-map value under key.
func (c ChannelConfig) StrMap(key string) map[string]string {
	v, ok := c[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case map[string]string:
		return vv
	case map[string]interface{}:
		out := make(map[string]string, len(vv))
		for k, e := range vv {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// MarshalJSON keeps a nil config encoding as an empty object so KV records
// round-trip without nulls.
func (c ChannelConfig) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(c))
}
