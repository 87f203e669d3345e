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

// Package template implements the fixed substitution language used in rule
// annotations and webhook body templates. Only four patterns are recognized:
//
//	{{ $value }}    {{ .value }}    {{ $labels.NAME }}    {{ .labels.NAME }}
//
// Whitespace inside the braces is ignored. A label that is not present in
// the alert substitutes the literal placeholder "<未定义:NAME>". The language
// is deliberately closed: annotation texts are operator input and must not
// reach a general-purpose template engine.
package template

import (
	"regexp"
	"strconv"
)

var (
	valuePattern = regexp.MustCompile(`\{\{\s*[$.]value\s*\}\}`)
	labelPattern = regexp.MustCompile(`\{\{\s*[$.]labels\.(\w+)\s*\}\}`)
)

// Expand renders tmpl against the given labels and value.
func Expand(tmpl string, labels map[string]string, value float64) string {
	if tmpl == "" {
		return tmpl
	}
	out := valuePattern.ReplaceAllString(tmpl, formatValue(value))
	out = labelPattern.ReplaceAllStringFunc(out, func(m string) string {
		name := labelPattern.FindStringSubmatch(m)[1]
		if v, ok := labels[name]; ok {
			return v
		}
		return "<未定义:" + name + ">"
	})
	return out
}

// ExpandAll renders every annotation of a rule. The returned map is a fresh
// copy; the input is never mutated.
func ExpandAll(annotations, labels map[string]string, value float64) map[string]string {
	if len(annotations) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(annotations))
	for k, v := range annotations {
		out[k] = Expand(v, labels, value)
	}
	return out
}

// formatValue renders floats the way the original engine did: integral
// values without a trailing ".0", everything else in shortest form.
func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
