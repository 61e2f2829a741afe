// Package tools implements the hub's agent-facing tool surface: a registry
// of named tools, each with a description, a declarative input schema, and
// a handler returning a single JSON text fragment. Tools are invoked
// directly by Go callers or over the stdio transport in mcpstdio.go.
package tools

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/huberr"
	"github.com/daibug/daibug/internal/interaction"
	"github.com/daibug/daibug/internal/session"
	"github.com/daibug/daibug/internal/watch"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	defaultReplayLimit = 50
	maxReplayLimit     = 200
	defaultCommandTimeout   = 3 * time.Second
	defaultEvaluateTimeout  = 300 * time.Millisecond
	maxCommandTimeout       = 10 * time.Second
)

// EventFilter is the query shape shared by get_events and the network-log
// cursor scan.
type EventFilter struct {
	Source string
	Level  string
	Since  int64
	TabID  string
	Limit  int
}

// Deps are the hub accessors the tool surface is built on. The hub supplies
// each field against its own state; none of the handlers below reach into
// hub internals directly.
type Deps struct {
	Events       func(filter EventFilter) []event.Event
	Interactions func(limit int) []interaction.Interaction
	ClearEvents  func()
	Broadcast    func(v any)
	// Subscribe installs handler on the ingestion path and returns a
	// function that removes it. handler must not block.
	Subscribe func(handler func(event.Event)) (unsubscribe func())

	AddWatchRule       func(label string, source *event.Source, cond watch.Conditions) (*watch.Rule, error)
	RemoveWatchRule    func(id string) bool
	ListWatchRules     func() []*watch.Rule
	WatchedEvents      func(limit int, ruleID string) []watch.WatchedEvent
	ClearWatchedEvents func()

	StartSession   func(label string) error
	StopSession    func() error
	ExportSession  func(path string) error
	ImportSession  func(path string) (*session.Session, error)
	DiffSessions   func(pathA, pathB string) (*session.SessionDiff, error)
	SessionSummary func() (summary *session.Summary, active bool)
}

// Description is the discovery-facing shape of one tool.
type Description struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Handler executes a tool call against raw JSON arguments and returns a
// single text fragment, itself JSON, per the tool's declared output shape.
type Handler func(args json.RawMessage) string

type tool struct {
	desc    Description
	handler Handler
}

// Registry holds the fixed set of tools available to an agent connected to
// this hub instance.
type Registry struct {
	deps Deps

	order []string
	tools map[string]*tool

	netCursorMu sync.Mutex
	netCursor   int64
}

// New builds the full registry against deps. Every tool named in spec
// §4.11 is registered unconditionally, and each handler calls its deps
// function directly with no nil check, so every field of deps must be set.
func New(deps Deps) *Registry {
	r := &Registry{deps: deps, tools: make(map[string]*tool)}

	r.add("get_events",
		"Return the most recent events, optionally filtered by source, level, tab, or minimum timestamp.",
		schema(map[string]field{
			"source":  {"string", false, "event source filter, e.g. browser:console"},
			"level":   {"string", false, "event level filter"},
			"since":   {"integer", false, "only events with ts greater than this value"},
			"tab_id":  {"string", false, "only events with no tabId, or this tabId"},
			"limit":   {"integer", false, "max events to return, default 50, capped at 500"},
		}),
		r.getEvents)

	r.add("get_network_log",
		"Return browser:network events observed since this tool's last call (per-tool advancing cursor).",
		schema(map[string]field{
			"include_successful": {"boolean", false, "include 2xx/3xx responses, default true"},
			"include_failed":     {"boolean", false, "include non-2xx/3xx responses, default true"},
		}),
		r.getNetworkLog)

	r.add("replay_interactions",
		"Return recorded browser interactions (clicks, input, navigation) in arrival order.",
		schema(map[string]field{
			"limit": {"integer", false, "max interactions to return, default 50, capped at 200"},
		}),
		r.replayInteractions)

	r.add("clear_events",
		"Empty the event ring.",
		schema(nil),
		r.clearEvents)

	r.add("snapshot_dom",
		"Ask a connected browser tab for a DOM snapshot and wait for the response.",
		schema(map[string]field{
			"selector": {"string", false, "CSS selector to scope the snapshot"},
			"timeout":  {"integer", false, "milliseconds to wait, default 3000, capped at 10000"},
		}),
		r.snapshotDOM)

	r.add("get_component_state",
		"Ask a connected browser tab for its React component tree and wait for the response.",
		schema(map[string]field{
			"timeout": {"integer", false, "milliseconds to wait, default 3000, capped at 10000"},
		}),
		r.getComponentState)

	r.add("capture_storage",
		"Ask a connected browser tab for a storage snapshot and wait for the response.",
		schema(map[string]field{
			"timeout": {"integer", false, "milliseconds to wait, default 3000, capped at 10000"},
		}),
		r.captureStorage)

	r.add("evaluate_in_browser",
		"Evaluate a JavaScript expression in a connected browser tab and wait for the result.",
		schema(map[string]field{
			"expression": {"string", true, "JavaScript expression to evaluate"},
			"timeout":    {"integer", false, "milliseconds to wait, default 300, capped at 10000"},
		}),
		r.evaluateInBrowser)

	r.add("add_watch_rule",
		"Register a watch rule; matching events are appended to the watched-events buffer.",
		schema(map[string]field{
			"label":            {"string", true, "human-readable rule name"},
			"source":           {"string", false, "restrict to this event source"},
			"status_codes":     {"array", false, "match network events with these status codes"},
			"url_pattern":      {"string", false, "glob pattern matched against event URLs"},
			"methods":          {"array", false, "match network events with these HTTP methods"},
			"levels":           {"array", false, "match events with these levels"},
			"message_contains": {"string", false, "substring match against payload.message"},
			"payload_contains": {"object", false, "partial structural match against the event payload"},
		}),
		r.addWatchRule)

	r.add("remove_watch_rule",
		"Remove a watch rule by id.",
		schema(map[string]field{"id": {"string", true, "rule id"}}),
		r.removeWatchRule)

	r.add("list_watch_rules",
		"List all registered watch rules.",
		schema(nil),
		r.listWatchRules)

	r.add("get_watched_events",
		"Return matched watch events, newest first.",
		schema(map[string]field{
			"limit":   {"integer", false, "max events to return"},
			"rule_id": {"string", false, "restrict to matches for this rule"},
		}),
		r.getWatchedEvents)

	r.add("clear_watched_events",
		"Empty the watched-events buffer.",
		schema(nil),
		r.clearWatchedEvents)

	r.add("start_session",
		"Clear the event ring and start a new session recording.",
		schema(map[string]field{"label": {"string", false, "session label"}}),
		r.startSession)

	r.add("stop_session",
		"Stop the active session recording, preserving its final snapshot.",
		schema(nil),
		r.stopSession)

	r.add("export_session",
		"Write the active or last-stopped session to a file, with sensitive fields redacted.",
		schema(map[string]field{"path": {"string", true, "destination file path"}}),
		r.exportSession)

	r.add("import_session",
		"Read a session file previously written by export_session.",
		schema(map[string]field{"path": {"string", true, "source file path"}}),
		r.importSession)

	r.add("diff_sessions",
		"Compare two exported session files.",
		schema(map[string]field{
			"path_a": {"string", true, "first session file path"},
			"path_b": {"string", true, "second session file path"},
		}),
		r.diffSessions)

	r.add("get_session_summary",
		"Return the active or last-stopped session's summary statistics.",
		schema(nil),
		r.getSessionSummary)

	return r
}

type field struct {
	Type     string
	Required bool
	Desc     string
}

func schema(fields map[string]field) map[string]any {
	properties := map[string]any{}
	var required []string
	for name, f := range fields {
		properties[name] = map[string]any{"type": f.Type, "description": f.Desc}
		if f.Required {
			required = append(required, name)
		}
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (r *Registry) add(name, desc string, inputSchema map[string]any, h Handler) {
	r.order = append(r.order, name)
	r.tools[name] = &tool{desc: Description{Name: name, Description: desc, InputSchema: inputSchema}, handler: h}
}

// List returns every tool's discovery description, in registration order.
func (r *Registry) List() []Description {
	out := make([]Description, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Call invokes the named tool. An unknown tool name is itself reported as
// the standard {error} shape rather than a Go error, matching every other
// tool failure mode.
func (r *Registry) Call(name string, args json.RawMessage) string {
	t, ok := r.tools[name]
	if !ok {
		return errText(fmt.Sprintf("unknown tool %q", name))
	}
	return t.handler(args)
}

func errText(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func okText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errText(err.Error())
	}
	return string(b)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return huberr.InvalidFormatf("invalid arguments: %s", err.Error())
	}
	return nil
}

func clampLimit(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func clampTimeout(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxCommandTimeout {
		return maxCommandTimeout
	}
	return d
}

// --- always-available tools ---

func (r *Registry) getEvents(args json.RawMessage) string {
	var p struct {
		Source string `json:"source"`
		Level  string `json:"level"`
		Since  int64  `json:"since"`
		TabID  string `json:"tab_id"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	limit := clampLimit(p.Limit, defaultEventLimit, maxEventLimit)
	events := r.deps.Events(EventFilter{Source: p.Source, Level: p.Level, Since: p.Since, TabID: p.TabID, Limit: limit})
	return okText(map[string]any{"events": events})
}

func (r *Registry) getNetworkLog(args json.RawMessage) string {
	var p struct {
		IncludeSuccessful *bool `json:"include_successful"`
		IncludeFailed     *bool `json:"include_failed"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	includeSuccessful := p.IncludeSuccessful == nil || *p.IncludeSuccessful
	includeFailed := p.IncludeFailed == nil || *p.IncludeFailed

	r.netCursorMu.Lock()
	since := r.netCursor
	r.netCursorMu.Unlock()

	events := r.deps.Events(EventFilter{Source: string(event.SourceBrowserNetwork), Since: since})

	var maxTS int64
	out := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if ev.TS > maxTS {
			maxTS = ev.TS
		}
		successful := isSuccessfulResponse(ev)
		if successful && includeSuccessful || !successful && includeFailed {
			out = append(out, ev)
		}
	}
	if maxTS > since {
		r.netCursorMu.Lock()
		if maxTS > r.netCursor {
			r.netCursor = maxTS
		}
		r.netCursorMu.Unlock()
	}
	return okText(map[string]any{"events": out})
}

func isSuccessfulResponse(ev event.Event) bool {
	status, ok := numericStatus(ev.Payload["status"])
	if !ok {
		return true
	}
	return status >= 200 && status < 400
}

func numericStatus(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (r *Registry) replayInteractions(args json.RawMessage) string {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	limit := clampLimit(p.Limit, defaultReplayLimit, maxReplayLimit)
	return okText(map[string]any{"interactions": r.deps.Interactions(limit)})
}

func (r *Registry) clearEvents(args json.RawMessage) string {
	r.deps.ClearEvents()
	return okText(map[string]any{"cleared": true, "timestamp": time.Now().UnixMilli()})
}

// --- command/response tools ---

func (r *Registry) waitFor(match func(event.Event) bool, timeout time.Duration) (event.Event, error) {
	ch := make(chan event.Event, 1)
	var once sync.Once
	unsubscribe := r.deps.Subscribe(func(ev event.Event) {
		if match(ev) {
			once.Do(func() { ch <- ev })
		}
	})
	defer unsubscribe()

	select {
	case ev := <-ch:
		return ev, nil
	case <-time.After(timeout):
		return event.Event{}, huberr.CommandTimeoutf("timed out after %s waiting for a browser response", timeout)
	}
}

func payloadType(ev event.Event) string {
	t, _ := ev.Payload["type"].(string)
	return t
}

func (r *Registry) snapshotDOM(args json.RawMessage) string {
	var p struct {
		Selector string `json:"selector"`
		Timeout  int    `json:"timeout"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	cmd := map[string]any{"type": "command", "command": "snapshot_dom"}
	if p.Selector != "" {
		cmd["selector"] = p.Selector
	}
	r.deps.Broadcast(cmd)

	ev, err := r.waitFor(func(ev event.Event) bool {
		return ev.Source == event.SourceBrowserDOM && payloadType(ev) == "dom_snapshot"
	}, clampTimeout(p.Timeout, defaultCommandTimeout))
	if err != nil {
		return errText(err.Error())
	}
	return okText(ev.Payload)
}

func (r *Registry) getComponentState(args json.RawMessage) string {
	var p struct {
		Timeout int `json:"timeout"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	r.deps.Broadcast(map[string]any{"type": "command", "command": "capture_react"})

	ev, err := r.waitFor(func(ev event.Event) bool {
		if ev.Source != event.SourceBrowserDOM {
			return false
		}
		t := payloadType(ev)
		return t == "react_tree" || t == "react-tree"
	}, clampTimeout(p.Timeout, defaultCommandTimeout))
	if err != nil {
		return errText(err.Error())
	}
	return okText(ev.Payload)
}

func (r *Registry) captureStorage(args json.RawMessage) string {
	var p struct {
		Timeout int `json:"timeout"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	r.deps.Broadcast(map[string]any{"type": "command", "command": "capture_storage"})

	ev, err := r.waitFor(func(ev event.Event) bool {
		return ev.Source == event.SourceBrowserStorage && payloadType(ev) == "storage_snapshot"
	}, clampTimeout(p.Timeout, defaultCommandTimeout))
	if err != nil {
		return errText(err.Error())
	}
	return okText(ev.Payload)
}

var (
	fetchCallRe = regexp.MustCompile(`fetch\s*\(\s*['"]([^'"]+)['"]`)
	openCallRe  = regexp.MustCompile(`\.open\s*\(\s*['"][^'"]*['"]\s*,\s*['"]([^'"]+)['"]`)
)

func sandboxViolation(expression string) bool {
	for _, m := range fetchCallRe.FindAllStringSubmatch(expression, -1) {
		if !isLocalTarget(m[1]) {
			return true
		}
	}
	for _, m := range openCallRe.FindAllStringSubmatch(expression, -1) {
		if !isLocalTarget(m[1]) {
			return true
		}
	}
	return false
}

func isLocalTarget(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "/") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return true
	}
	return host == "localhost" || host == "127.0.0.1"
}

func (r *Registry) evaluateInBrowser(args json.RawMessage) string {
	var p struct {
		Expression string `json:"expression"`
		Timeout    int    `json:"timeout"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.Expression) == "" {
		return errText("expression is required")
	}
	if sandboxViolation(p.Expression) {
		return errText(huberr.SandboxViolationf("Sandbox violation: network requests to non-localhost URLs are not allowed").Message)
	}

	evaluationID := uuid.New().String()
	r.deps.Broadcast(map[string]any{
		"type":         "command",
		"command":      "evaluate",
		"evaluationId": evaluationID,
		"expression":   p.Expression,
	})

	ev, err := r.waitFor(func(ev event.Event) bool {
		id, _ := ev.Payload["evaluationId"].(string)
		return id == evaluationID
	}, clampTimeout(p.Timeout, defaultEvaluateTimeout))
	if err != nil {
		return errText(err.Error())
	}
	if msg, ok := ev.Payload["error"]; ok {
		return errText(fmt.Sprint(msg))
	}
	return okText(map[string]any{"result": ev.Payload["result"]})
}

// --- watch/session tools ---

func toLevels(ss []string) []event.Level {
	out := make([]event.Level, 0, len(ss))
	for _, s := range ss {
		out = append(out, event.Level(s))
	}
	return out
}

func (r *Registry) addWatchRule(args json.RawMessage) string {
	var p struct {
		Label           string         `json:"label"`
		Source          string         `json:"source"`
		StatusCodes     []int          `json:"status_codes"`
		URLPattern      string         `json:"url_pattern"`
		Methods         []string       `json:"methods"`
		Levels          []string       `json:"levels"`
		MessageContains string         `json:"message_contains"`
		PayloadContains map[string]any `json:"payload_contains"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.Label) == "" {
		return errText("label must not be empty")
	}
	var source *event.Source
	if p.Source != "" {
		s := event.Source(p.Source)
		source = &s
	}
	cond := watch.Conditions{
		StatusCodes:     p.StatusCodes,
		URLPattern:      p.URLPattern,
		Methods:         p.Methods,
		Levels:          toLevels(p.Levels),
		MessageContains: p.MessageContains,
		PayloadContains: p.PayloadContains,
	}
	rule, err := r.deps.AddWatchRule(p.Label, source, cond)
	if err != nil {
		return errText(err.Error())
	}
	return okText(rule)
}

func (r *Registry) removeWatchRule(args json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.ID) == "" {
		return errText("id must not be empty")
	}
	return okText(map[string]bool{"removed": r.deps.RemoveWatchRule(p.ID)})
}

func (r *Registry) listWatchRules(args json.RawMessage) string {
	return okText(map[string]any{"rules": r.deps.ListWatchRules()})
}

func (r *Registry) getWatchedEvents(args json.RawMessage) string {
	var p struct {
		Limit  int    `json:"limit"`
		RuleID string `json:"rule_id"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	return okText(map[string]any{"events": r.deps.WatchedEvents(p.Limit, p.RuleID)})
}

func (r *Registry) clearWatchedEvents(args json.RawMessage) string {
	r.deps.ClearWatchedEvents()
	return okText(map[string]bool{"cleared": true})
}

func (r *Registry) startSession(args json.RawMessage) string {
	var p struct {
		Label string `json:"label"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	r.deps.ClearEvents()
	if err := r.deps.StartSession(p.Label); err != nil {
		return errText(err.Error())
	}
	return okText(map[string]bool{"started": true})
}

func (r *Registry) stopSession(args json.RawMessage) string {
	if err := r.deps.StopSession(); err != nil {
		return errText(err.Error())
	}
	return okText(map[string]bool{"stopped": true})
}

func (r *Registry) exportSession(args json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.Path) == "" {
		return errText("path must not be empty")
	}
	if err := r.deps.ExportSession(p.Path); err != nil {
		return errText(err.Error())
	}
	return okText(map[string]any{"exported": true, "path": p.Path})
}

func (r *Registry) importSession(args json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.Path) == "" {
		return errText("path must not be empty")
	}
	s, err := r.deps.ImportSession(p.Path)
	if err != nil {
		return errText(err.Error())
	}
	return okText(s)
}

func (r *Registry) diffSessions(args json.RawMessage) string {
	var p struct {
		PathA string `json:"path_a"`
		PathB string `json:"path_b"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return errText(err.Error())
	}
	if strings.TrimSpace(p.PathA) == "" || strings.TrimSpace(p.PathB) == "" {
		return errText("path_a and path_b must not be empty")
	}
	diff, err := r.deps.DiffSessions(p.PathA, p.PathB)
	if err != nil {
		return errText(err.Error())
	}
	return okText(diff)
}

func (r *Registry) getSessionSummary(args json.RawMessage) string {
	summary, active := r.deps.SessionSummary()
	return okText(map[string]any{"active": active, "summary": summary})
}
