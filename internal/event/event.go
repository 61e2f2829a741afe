// Package event defines the Event type, its closed source/level tags, and
// the factory that assigns monotonically ordered ids. Event id generation is
// process-wide state, confined here and never exposed as a mutable handle:
// callers go through Factory.Create, which the hub serializes on its single
// ingestion goroutine (see internal/hub).
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/daibug/daibug/internal/huberr"
)

// Source is one of the closed framework/browser tags an event can carry.
type Source string

const (
	SourceVite           Source = "vite"
	SourceNext           Source = "next"
	SourceDevServer      Source = "devserver"
	SourceBrowserConsole Source = "browser:console"
	SourceBrowserNetwork Source = "browser:network"
	SourceBrowserDOM     Source = "browser:dom"
	SourceBrowserStorage Source = "browser:storage"
)

func (s Source) Valid() bool {
	switch s {
	case SourceVite, SourceNext, SourceDevServer, SourceBrowserConsole,
		SourceBrowserNetwork, SourceBrowserDOM, SourceBrowserStorage:
		return true
	}
	return false
}

// Level is one of the closed severity tags an event can carry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelDebug Level = "debug"
)

func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError, LevelDebug:
		return true
	}
	return false
}

// Payload is the mapping string -> arbitrary JSON value every event carries.
// It is never nil and never a scalar.
type Payload map[string]any

// Event is immutable once constructed by a Factory.
type Event struct {
	ID      string  `json:"id"`
	TS      int64   `json:"ts"`
	Source  Source  `json:"source"`
	Level   Level   `json:"level"`
	Payload Payload `json:"payload"`
}

// Clone returns a deep copy of the event, used whenever an event is handed
// to a component (redactor, watch engine) that must not mutate the caller's
// copy in place.
func (e Event) Clone() Event {
	return Event{
		ID:      e.ID,
		TS:      e.TS,
		Source:  e.Source,
		Level:   e.Level,
		Payload: clonePayload(e.Payload),
	}
}

func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Factory assigns ids of the form evt_<13-digit-ms>_<3-digit-seq>. The
// sequence resets to 1 whenever clock reports a new millisecond and
// increments for each further Create within the same millisecond.
type Factory struct {
	mu       sync.Mutex
	clock    func() time.Time
	tickMS   int64
	lastTick int64
	seq      int
}

// NewFactory constructs a Factory using wall-clock time, resetting the
// sequence counter at each millisecond boundary — the equivalent batching
// boundary documented for non-event-loop runtimes (spec Open Question ii).
func NewFactory() *Factory {
	return &Factory{clock: time.Now, tickMS: 1}
}

// Create validates source/level/payload and returns a new, fully-populated
// Event, or an INVALID_KIND error.
func (f *Factory) Create(source Source, level Level, payload Payload) (Event, error) {
	if !source.Valid() {
		return Event{}, huberr.InvalidKindf("invalid source %q", source)
	}
	if !level.Valid() {
		return Event{}, huberr.InvalidKindf("invalid level %q", level)
	}
	if payload == nil {
		return Event{}, huberr.InvalidKindf("payload must be a non-nil mapping")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ts := f.clock().UnixMilli()
	if ts == f.lastTick {
		f.seq++
	} else {
		f.lastTick = ts
		f.seq = 1
	}

	id := fmt.Sprintf("evt_%013d_%03d", ts, f.seq)
	return Event{ID: id, TS: ts, Source: source, Level: level, Payload: payload}, nil
}
