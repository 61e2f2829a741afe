// Package redact deep-clones event payloads, replacing sensitive field
// values with a sentinel string. Field matching is case-insensitive and
// recursive through nested mappings and arrays; network and storage events
// get additional source-specific redaction rules.
package redact

import (
	"strings"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/glob"
)

const (
	Sentinel        = "[REDACTED]"
	NetworkSentinel = "[REDACTED - sensitive endpoint]"
)

// Redactor holds the configured sensitive field names and URL patterns.
type Redactor struct {
	fields      map[string]struct{}
	urlPatterns []*glob.Matcher
}

func New(fields []string, urlPatterns []string) *Redactor {
	fm := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		fm[strings.ToLower(f)] = struct{}{}
	}
	matchers := make([]*glob.Matcher, 0, len(urlPatterns))
	for _, p := range urlPatterns {
		matchers = append(matchers, glob.Compile(p))
	}
	return &Redactor{fields: fm, urlPatterns: matchers}
}

// Redact returns a new Event with sensitive values replaced. The input
// event is left untouched.
func (r *Redactor) Redact(e event.Event) event.Event {
	out := e.Clone()
	out.Payload = r.redactMapping(out.Payload)

	if e.Source == event.SourceBrowserNetwork {
		r.redactNetworkBodies(out.Payload)
	}
	if e.Source == event.SourceBrowserStorage {
		r.redactStorageValue(out.Payload)
	}
	return out
}

func (r *Redactor) redactMapping(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, sensitive := r.fields[strings.ToLower(k)]; sensitive {
			out[k] = Sentinel
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return r.redactMapping(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) redactNetworkBodies(payload map[string]any) {
	urlVal, ok := payload["url"].(string)
	if !ok {
		return
	}
	for _, m := range r.urlPatterns {
		if m.MatchURL(urlVal) {
			if _, ok := payload["requestBody"]; ok {
				payload["requestBody"] = NetworkSentinel
			}
			if _, ok := payload["responseBody"]; ok {
				payload["responseBody"] = NetworkSentinel
			}
			return
		}
	}
}

func (r *Redactor) redactStorageValue(payload map[string]any) {
	key, ok := payload["key"].(string)
	if !ok {
		return
	}
	if _, sensitive := r.fields[strings.ToLower(key)]; !sensitive {
		return
	}
	if _, ok := payload["value"]; ok {
		payload["value"] = Sentinel
	}
	if _, ok := payload["previousValue"]; ok {
		payload["previousValue"] = Sentinel
	}
}

// RedactStringMap applies field-name redaction to a flat string->string
// mapping (used by the session recorder for localStorage/sessionStorage
// snapshots, where the "value" itself is opaque but the key name may be
// sensitive).
func (r *Redactor) RedactStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if _, sensitive := r.fields[strings.ToLower(k)]; sensitive {
			out[k] = Sentinel
			continue
		}
		out[k] = v
	}
	return out
}
