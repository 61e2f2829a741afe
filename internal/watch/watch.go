// Package watch implements the watch-rule engine: a list of user-defined
// predicates evaluated against every event as it is ingested, with matches
// landing in a bounded, newest-first buffer. A rule matches when every
// condition it declares matches.
package watch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/glob"
	"github.com/daibug/daibug/internal/huberr"
)

// Conditions is the non-empty subset of predicates a rule may specify.
// Unspecified fields (nil/empty) are always satisfied.
type Conditions struct {
	StatusCodes     []int
	URLPattern      string
	Methods         []string
	Levels          []event.Level
	MessageContains string
	PayloadContains map[string]any
}

func (c Conditions) empty() bool {
	return len(c.StatusCodes) == 0 && c.URLPattern == "" && len(c.Methods) == 0 &&
		len(c.Levels) == 0 && c.MessageContains == "" && len(c.PayloadContains) == 0
}

type Rule struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Source     *event.Source `json:"source,omitempty"`
	Conditions Conditions    `json:"conditions"`
	CreatedAt  int64         `json:"createdAt"`
	Active     bool          `json:"active"`
}

type RuleRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type WatchedEvent struct {
	Event       event.Event `json:"event"`
	MatchedRule RuleRef     `json:"matchedRule"`
	MatchedAt   int64       `json:"matchedAt"`
}

const watchedCapacity = 200

// Engine holds the rule list and the matched-event buffer.
type Engine struct {
	mu      sync.Mutex
	rules   []*Rule
	watched []WatchedEvent // newest-first
	clock   func() time.Time
	seq     int
}

func New() *Engine {
	return &Engine{clock: time.Now}
}

// AddRule validates that at least one condition is present, assigns id,
// createdAt and active=true, and stores a defensive copy of the rule.
func (e *Engine) AddRule(label string, source *event.Source, cond Conditions) (*Rule, error) {
	if label == "" {
		return nil, huberr.InvalidFormatf("label must not be empty")
	}
	if cond.empty() {
		return nil, huberr.InvalidFormatf("at least one condition must be present")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UnixMilli()
	e.seq++
	r := &Rule{
		ID:         fmt.Sprintf("rule_%013d_%03d", now, e.seq),
		Label:      label,
		Source:     source,
		Conditions: copyConditions(cond),
		CreatedAt:  now,
		Active:     true,
	}
	e.rules = append(e.rules, r)
	return cloneRule(r), nil
}

func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) ListRules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// Evaluate runs every active rule against ev, recording a watched entry
// (newest-first, capped at 200) for each match, and annotating ev's payload
// in place so downstream consumers can see it was watched.
func (e *Engine) Evaluate(ev event.Event) []WatchedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matches []WatchedEvent
	for _, r := range e.rules {
		if !r.Active {
			continue
		}
		if r.Source != nil && *r.Source != ev.Source {
			continue
		}
		if !matchConditions(ev, r.Conditions) {
			continue
		}

		ev.Payload["watched"] = true
		ev.Payload["watchRuleLabel"] = r.Label
		ev.Payload["watchRuleId"] = r.ID

		we := WatchedEvent{
			Event:       ev,
			MatchedRule: RuleRef{ID: r.ID, Label: r.Label},
			MatchedAt:   e.clock().UnixMilli(),
		}
		e.watched = append([]WatchedEvent{we}, e.watched...)
		if len(e.watched) > watchedCapacity {
			e.watched = e.watched[:watchedCapacity]
		}
		matches = append(matches, we)
	}
	return matches
}

// WatchedEvents returns up to limit newest-first watched entries, optionally
// filtered to a single rule id.
func (e *Engine) WatchedEvents(limit int, ruleID string) []WatchedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []WatchedEvent
	for _, we := range e.watched {
		if ruleID != "" && we.MatchedRule.ID != ruleID {
			continue
		}
		out = append(out, we)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (e *Engine) ClearWatchedEvents() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched = nil
}

func matchConditions(ev event.Event, c Conditions) bool {
	if len(c.StatusCodes) > 0 {
		status, ok := numericField(ev.Payload, "status")
		if !ok {
			return false
		}
		found := false
		for _, s := range c.StatusCodes {
			if int(status) == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.URLPattern != "" {
		u, ok := ev.Payload["url"].(string)
		if !ok {
			return false
		}
		if !glob.Compile(c.URLPattern).MatchURL(u) {
			return false
		}
	}

	if len(c.Methods) > 0 {
		m, ok := ev.Payload["method"].(string)
		if !ok {
			return false
		}
		found := false
		mu := strings.ToUpper(m)
		for _, want := range c.Methods {
			if strings.ToUpper(want) == mu {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(c.Levels) > 0 {
		found := false
		for _, l := range c.Levels {
			if l == ev.Level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.MessageContains != "" {
		msg, ok := ev.Payload["message"].(string)
		if !ok {
			return false
		}
		if !strings.Contains(strings.ToLower(msg), strings.ToLower(c.MessageContains)) {
			return false
		}
	}

	if len(c.PayloadContains) > 0 {
		if !partialMatch(c.PayloadContains, ev.Payload) {
			return false
		}
	}

	return true
}

// partialMatch reports whether every key in expected exists in actual with:
// scalar equality, array prefix equality by index, and recursive partial
// match for nested mappings.
func partialMatch(expected map[string]any, actual map[string]any) bool {
	for k, ev := range expected {
		av, ok := actual[k]
		if !ok {
			return false
		}
		if !valueMatches(ev, av) {
			return false
		}
	}
	return true
}

func valueMatches(expected, actual any) bool {
	switch ex := expected.(type) {
	case map[string]any:
		am, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		return partialMatch(ex, am)
	case []any:
		aa, ok := actual.([]any)
		if !ok || len(aa) < len(ex) {
			return false
		}
		for i, item := range ex {
			if !valueMatches(item, aa[i]) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprint(expected) == fmt.Sprint(actual) && sameKind(expected, actual)
	}
}

// sameKind guards against "1" matching 1 via fmt.Sprint coincidence for
// mismatched JSON types, while still allowing numeric widening (float64
// decoded from JSON vs an int literal built in Go).
func sameKind(a, b any) bool {
	switch a.(type) {
	case float64, int, int64:
		switch b.(type) {
		case float64, int, int64:
			return true
		default:
			return false
		}
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	default:
		return true
	}
}

func numericField(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func copyConditions(c Conditions) Conditions {
	out := c
	out.StatusCodes = append([]int(nil), c.StatusCodes...)
	out.Methods = append([]string(nil), c.Methods...)
	out.Levels = append([]event.Level(nil), c.Levels...)
	if c.PayloadContains != nil {
		out.PayloadContains = make(map[string]any, len(c.PayloadContains))
		for k, v := range c.PayloadContains {
			out.PayloadContains[k] = v
		}
	}
	return out
}

func cloneRule(r *Rule) *Rule {
	clone := *r
	clone.Conditions = copyConditions(r.Conditions)
	if r.Source != nil {
		s := *r.Source
		clone.Source = &s
	}
	return &clone
}
