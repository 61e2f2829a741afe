// Package session implements the session recorder (spec §4.7): starting
// from Start, it records every subsequent event/interaction/watched-event/
// storage-snapshot the hub observes, plus the events already present in the
// hub at Start time. Stop freezes the recording; GetSnapshot always returns
// a defensive copy so callers never see the recorder's internal slices.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daibug/daibug/internal/config"
	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/huberr"
	"github.com/daibug/daibug/internal/interaction"
	"github.com/daibug/daibug/internal/redact"
	"github.com/daibug/daibug/internal/watch"
)

// Version is the literal session file format version this recorder writes
// and requires on import.
const Version = "1.0"

// StorageSnapshot is a single point-in-time capture of a tab's storage.
type StorageSnapshot struct {
	TS             int64             `json:"ts"`
	URL            string            `json:"url"`
	TabID          string            `json:"tabId,omitempty"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	Cookies        map[string]string `json:"cookies,omitempty"`
}

// Environment describes the process the session was recorded against.
type Environment struct {
	Framework     string `json:"framework"`
	NodeVersion   string `json:"nodeVersion"`
	Platform      string `json:"platform"`
	DaibugVersion string `json:"daibugVersion"`
	Cmd           string `json:"cmd"`
	StartedAt     int64  `json:"startedAt"`
}

// Summary is computed deterministically over sorted events (§3).
type Summary struct {
	TotalEvents       int      `json:"totalEvents"`
	ErrorCount        int      `json:"errorCount"`
	WarnCount         int      `json:"warnCount"`
	NetworkRequests   int      `json:"networkRequests"`
	FailedRequests    int      `json:"failedRequests"`
	InteractionCount  int      `json:"interactionCount"`
	Duration          int64    `json:"duration"`
	TopErrors         []string `json:"topErrors"`
}

// Session is the exported/imported document (spec §6.4).
type Session struct {
	Version          string                 `json:"version"`
	ID               string                 `json:"id"`
	ExportedAt       int64                  `json:"exportedAt"`
	Environment      Environment            `json:"environment"`
	Config           *config.Config         `json:"config"`
	Events           []event.Event          `json:"events"`
	Interactions     []interaction.Interaction `json:"interactions"`
	WatchedEvents    []watch.WatchedEvent   `json:"watchedEvents"`
	StorageSnapshots []StorageSnapshot      `json:"storageSnapshots"`
	Summary          Summary                `json:"summary"`
}

// Recorder owns the append-only recording state. The zero value is not
// usable; use New.
type Recorder struct {
	mu    sync.Mutex
	clock func() time.Time

	active bool
	frozen *Session

	id          string
	environment Environment
	cfg         *config.Config

	events           []event.Event
	interactions     []interaction.Interaction
	watched          []watch.WatchedEvent
	storageSnapshots []StorageSnapshot
}

func New() *Recorder {
	return &Recorder{clock: time.Now}
}

// Start begins recording. initialEvents is the hub's event ring contents at
// call time, included so the session captures pre-start activity.
func (r *Recorder) Start(cfg *config.Config, env Environment, initialEvents []event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UnixMilli()
	r.active = true
	r.frozen = nil
	r.id = fmt.Sprintf("session_%013d", now)
	r.cfg = cfg
	r.environment = env
	r.events = append([]event.Event(nil), initialEvents...)
	r.interactions = nil
	r.watched = nil
	r.storageSnapshots = nil
}

// Active reports whether the recorder is currently recording.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnEvent appends ev to the recording if active.
func (r *Recorder) OnEvent(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.events = append(r.events, ev)
}

// OnInteraction appends an interaction to the recording if active.
func (r *Recorder) OnInteraction(i interaction.Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.interactions = append(r.interactions, i)
}

// OnWatchedEvent appends a watched-event entry to the recording if active.
func (r *Recorder) OnWatchedEvent(we watch.WatchedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.watched = append(r.watched, we)
}

// OnStorageSnapshot appends a storage snapshot to the recording if active.
func (r *Recorder) OnStorageSnapshot(s StorageSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.storageSnapshots = append(r.storageSnapshots, s)
}

// Stop freezes the current snapshot; later reads always return the frozen
// value.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.active = false
	snap := r.buildSnapshot()
	r.frozen = &snap
}

// GetSnapshot returns the current (if active) or frozen (if stopped) session.
func (r *Recorder) GetSnapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active && r.frozen != nil {
		return cloneSession(*r.frozen)
	}
	return r.buildSnapshot()
}

// HasRecording reports whether Start has ever been called.
func (r *Recorder) HasRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id != ""
}

func (r *Recorder) buildSnapshot() Session {
	events := append([]event.Event(nil), r.events...)
	sortEvents(events)

	s := Session{
		Version:          Version,
		ID:               r.id,
		ExportedAt:       r.clock().UnixMilli(),
		Environment:      r.environment,
		Config:           r.cfg,
		Events:           events,
		Interactions:     append([]interaction.Interaction(nil), r.interactions...),
		WatchedEvents:    append([]watch.WatchedEvent(nil), r.watched...),
		StorageSnapshots: append([]StorageSnapshot(nil), r.storageSnapshots...),
	}
	s.Summary = computeSummary(s, r.environment.StartedAt)
	return s
}

func sortEvents(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TS != events[j].TS {
			return events[i].TS < events[j].TS
		}
		return events[i].ID < events[j].ID
	})
}

func computeSummary(s Session, startedAt int64) Summary {
	sum := Summary{
		TotalEvents:      len(s.Events),
		InteractionCount: len(s.Interactions),
	}

	errCounts := make(map[string]int)
	var lastTS int64
	for _, ev := range s.Events {
		if ev.TS > lastTS {
			lastTS = ev.TS
		}
		switch ev.Level {
		case event.LevelError:
			sum.ErrorCount++
			if msg, ok := ev.Payload["message"].(string); ok && msg != "" {
				errCounts[msg]++
			}
		case event.LevelWarn:
			sum.WarnCount++
		}
		if ev.Source == event.SourceBrowserNetwork {
			sum.NetworkRequests++
			if isFailedRequest(ev) {
				sum.FailedRequests++
			}
		}
	}

	sum.TopErrors = topErrors(errCounts, 5)

	if startedAt > 0 && lastTS >= startedAt {
		sum.Duration = lastTS - startedAt
	}
	return sum
}

func isFailedRequest(ev event.Event) bool {
	if status, ok := numericStatus(ev.Payload["status"]); ok {
		return status < 200 || status >= 400
	}
	if _, ok := ev.Payload["error"]; ok {
		return true
	}
	return false
}

func numericStatus(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// topErrors returns the top-n messages by frequency, ties broken
// lexicographically.
func topErrors(counts map[string]int, n int) []string {
	type entry struct {
		msg   string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for msg, c := range counts {
		entries = append(entries, entry{msg, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].msg < entries[j].msg
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// ExportToString serializes the current snapshot, redacting storage
// snapshot key/value pairs with redactor's field list — the recorder is the
// redaction boundary for exported data (spec §4.7).
func (rec *Recorder) ExportToString(redactor *redact.Redactor) (string, error) {
	snap := rec.GetSnapshot()
	if redactor != nil {
		for i := range snap.StorageSnapshots {
			snap.StorageSnapshots[i].LocalStorage = redactor.RedactStringMap(snap.StorageSnapshots[i].LocalStorage)
			snap.StorageSnapshots[i].SessionStorage = redactor.RedactStringMap(snap.StorageSnapshots[i].SessionStorage)
		}
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Export writes ExportToString's output to path, creating parent
// directories as needed.
func (rec *Recorder) Export(path string, redactor *redact.Redactor) error {
	s, err := rec.ExportToString(redactor)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(s), 0o644)
}

// ImportFromString parses and validates a session document.
func ImportFromString(data string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, huberr.InvalidFormatf("invalid session JSON: %v", err)
	}
	if s.Version != Version {
		return nil, huberr.InvalidFormatf("unsupported session version %q", s.Version)
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, huberr.InvalidFormatf("session id must not be empty")
	}
	return &s, nil
}

// Import reads and validates a session document from path.
func Import(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ImportFromString(string(b))
}

func cloneSession(s Session) Session {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out Session
	if err := json.Unmarshal(b, &out); err != nil {
		return s
	}
	return out
}
