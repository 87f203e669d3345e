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

// Package silence decides whether an alert's labels are suppressed by a
// silence rule. Matchers combine with AND semantics; regex operators match
// the full label value and a missing label reads as the empty string.
package silence

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/alertflow-io/alertflow/types"
)

// compiled is one matcher with its regex (if any) pre-built.
type compiled struct {
	label string
	op    types.MatchOp
	value string
	re    *regexp.Regexp
}

// Matchers is a compiled, reusable form of a silence rule's matcher list.
type Matchers struct {
	ms []compiled
}

// Compile validates and compiles a matcher list. It rejects empty lists,
// unknown operators and un-compilable regex patterns.
func Compile(matchers []types.Matcher) (*Matchers, error) {
	if len(matchers) == 0 {
		return nil, fmt.Errorf("matcher list is empty")
	}
	out := make([]compiled, 0, len(matchers))
	for i, m := range matchers {
		c := compiled{label: m.Label, op: m.Op, value: m.Value}
		switch m.Op {
		case types.MatchEqual, types.MatchNotEqual:
		case types.MatchRegexp, types.MatchNotRegexp:
			// Anchored: the pattern must cover the whole label value.
			re, err := regexp.Compile("^(?:" + m.Value + ")$")
			if err != nil {
				return nil, fmt.Errorf("matcher[%d]: invalid regex %q: %w", i, m.Value, err)
			}
			c.re = re
		default:
			return nil, fmt.Errorf("matcher[%d]: unknown operator %q", i, m.Op)
		}
		if m.Label == "" {
			return nil, fmt.Errorf("matcher[%d]: empty label name", i)
		}
		out = append(out, c)
	}
	return &Matchers{ms: out}, nil
}

// Matches reports whether the labels satisfy every matcher.
func (m *Matchers) Matches(labels map[string]string) bool {
	for _, c := range m.ms {
		v := labels[c.label] // missing label reads as ""
		switch c.op {
		case types.MatchEqual:
			if v != c.value {
				return false
			}
		case types.MatchNotEqual:
			if v == c.value {
				return false
			}
		case types.MatchRegexp:
			if !c.re.MatchString(v) {
				return false
			}
		case types.MatchNotRegexp:
			if c.re.MatchString(v) {
				return false
			}
		}
	}
	return true
}

// Validate checks a matcher list without keeping the compiled form. Intended
// for the CRUD collaborators that persist silence rules.
func Validate(matchers []types.Matcher) error {
	_, err := Compile(matchers)
	return err
}

// Matcher caches compiled matcher lists per silence rule so regex patterns
// are built once and reused across evaluations. Entries are keyed by silence
// id; an updated rule must be re-registered under a new cache epoch by the
// caller (the store invalidates on mutation).
type Matcher struct {
	mtx   sync.RWMutex
	cache map[int64]*Matchers
}

// NewMatcher returns an empty matcher cache.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[int64]*Matchers)}
}

// Silenced reports whether the labels match any of the given silence rules
// active at the given unix time. Rules whose matchers fail to compile are
// skipped; a persisted rule is validated on write, so this only guards
// against hand-edited rows.
func (sm *Matcher) Silenced(labels map[string]string, rules []*types.SilenceRule, now int64) (*types.SilenceRule, bool) {
	for _, rule := range rules {
		if !rule.Active(now) {
			continue
		}
		ms, err := sm.compiledFor(rule)
		if err != nil {
			continue
		}
		if ms.Matches(labels) {
			return rule, true
		}
	}
	return nil, false
}

func (sm *Matcher) compiledFor(rule *types.SilenceRule) (*Matchers, error) {
	sm.mtx.RLock()
	ms, ok := sm.cache[rule.ID]
	sm.mtx.RUnlock()
	if ok {
		return ms, nil
	}

	ms, err := Compile(rule.Matchers)
	if err != nil {
		return nil, err
	}
	sm.mtx.Lock()
	sm.cache[rule.ID] = ms
	sm.mtx.Unlock()
	return ms, nil
}

// Invalidate drops the cached compiled form for a silence rule.
func (sm *Matcher) Invalidate(id int64) {
	sm.mtx.Lock()
	delete(sm.cache, id)
	sm.mtx.Unlock()
}
