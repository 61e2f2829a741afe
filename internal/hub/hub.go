// Package hub wires every hub component into the single container that
// owns the ingestion pipeline: tab-registry updates, event construction,
// redaction, ring insertion, WS broadcast and subscriber fan-out all run on
// one serialized logical path, plus the lifecycle (start/stop) and the
// accessors the HTTP endpoint and tool surface read through.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daibug/daibug/internal/config"
	"github.com/daibug/daibug/internal/detector"
	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/httpapi"
	"github.com/daibug/daibug/internal/huberr"
	"github.com/daibug/daibug/internal/interaction"
	"github.com/daibug/daibug/internal/redact"
	"github.com/daibug/daibug/internal/ring"
	"github.com/daibug/daibug/internal/session"
	"github.com/daibug/daibug/internal/supervisor"
	"github.com/daibug/daibug/internal/tabs"
	"github.com/daibug/daibug/internal/tools"
	"github.com/daibug/daibug/internal/watch"
	"github.com/daibug/daibug/internal/wshub"
)

const (
	eventRingCapacity       = 500
	interactionRingCapacity = 200
	ingestPending           = 256
	startupDrainTimeout     = 700 * time.Millisecond
	startupDrainInterval    = 25 * time.Millisecond
)

// ingestJob is one unit of work on the serialized ingestion path.
type ingestJob struct {
	fn func()
}

// Hub owns every piece of hub-local state and the goroutine that serializes
// mutation of it.
type Hub struct {
	logger     *slog.Logger
	cmd        string
	configPath string

	eventFactory *event.Factory
	interFactory *interaction.Factory
	detector     *detector.Detector
	watchEngine  *watch.Engine
	tabRegistry  *tabs.Registry
	recorder     *session.Recorder
	supervisor   *supervisor.Supervisor

	events       *ring.Ring[event.Event]
	interactions *ring.Ring[interaction.Interaction]

	ws   *wshub.Server
	http *httpapi.Server

	// cfgMu guards cfg and redactor, both of which are swapped wholesale on
	// a config reload rather than mutated in place.
	cfgMu               sync.RWMutex
	cfg                 *config.Config
	redactor            *redact.Redactor
	configWatchRuleIDs  []string

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAt   int64
	subscribers []func(event.Event)

	ingestCh chan ingestJob
	stopCh   chan struct{}
	drainWG  sync.WaitGroup
}

// New builds an unstarted Hub. cmd is the dev-server command line supplied
// on the CLI; cfg is the loaded, validated configuration. configPath is the
// file cfg was loaded from, watched for hot-reload once Start runs; pass ""
// to disable reload (e.g. when running from defaults only).
func New(cfg *config.Config, cmd string, configPath string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:       logger,
		cfg:          cfg,
		cmd:          cmd,
		configPath:   configPath,
		eventFactory: event.NewFactory(),
		interFactory: interaction.NewFactory(),
		detector:     detector.New(),
		redactor:     redact.New(cfg.Redact.Fields, cfg.Redact.URLPatterns),
		watchEngine:  watch.New(),
		tabRegistry:  tabs.New(),
		recorder:     session.New(),
		events:       ring.New[event.Event](eventRingCapacity),
		interactions: ring.New[interaction.Interaction](interactionRingCapacity),
		ingestCh:     make(chan ingestJob, ingestPending),
		stopCh:       make(chan struct{}),
	}
	h.detector.DetectFromCommand(cmd)
	return h
}

// config returns the current configuration. Safe to call from any
// goroutine; reloads swap the pointer rather than mutating fields in place.
func (h *Hub) config() *config.Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// currentRedactor returns the redactor built from the current config.
func (h *Hub) currentRedactor() *redact.Redactor {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.redactor
}

// Start binds the HTTP and WS endpoints, spawns the child dev-server,
// registers configured watch rules, optionally auto-starts a session
// recording, and waits briefly for the pipeline to produce its first event.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return huberr.AlreadyStartedf("hub already started")
	}
	h.started = true
	h.startedAt = time.Now().UnixMilli()
	h.mu.Unlock()

	h.drainWG.Add(1)
	go h.runIngest()

	h.http = httpapi.New(h.httpDeps(), h.logger)
	httpPort, err := h.http.Start(h.config().Hub.HTTPPort, 0)
	if err != nil {
		return err
	}

	h.ws = wshub.New(wshub.Handlers{
		OnBrowserEvent: h.handleBrowserEvent,
		OnInteraction:  h.handleInteraction,
		OnTabInfo:      h.handleTabInfo,
		OnStorageEvent: h.handleStorageEvent,
		ConsoleFilter:  h.consoleFilter,
	}, h.logger)
	wsPort, err := h.ws.Start(h.config().Hub.WSPort, httpPort)
	if err != nil {
		h.http.Close()
		return err
	}
	h.cfgMu.Lock()
	h.cfg.Hub.HTTPPort = httpPort
	h.cfg.Hub.WSPort = wsPort
	h.cfgMu.Unlock()

	h.supervisor = supervisor.New(h.detector, h.emitFromSupervisor, h.logger)
	if h.cmd != "" {
		if err := h.supervisor.Spawn(h.cmd); err != nil {
			h.logger.Error("failed to spawn dev server", slog.String("error", err.Error()))
		}
	}

	h.configWatchRuleIDs = h.registerWatchRulesFromConfig(h.config().Watch)

	if h.config().Session.AutoStart {
		h.recorder.Start(h.config(), session.Environment{
			Cmd:       h.cmd,
			StartedAt: time.Now().UnixMilli(),
		}, h.events.ToArray())
	}

	if h.configPath != "" {
		if err := config.Watch(ctx, h.configPath, h.logger, h.onConfigReload); err != nil {
			h.logger.Warn("config hot-reload disabled", slog.String("path", h.configPath), slog.String("error", err.Error()))
		}
	}

	h.waitForFirstEvent()
	return nil
}

// registerWatchRulesFromConfig adds every rule declared in the config's
// watch list and returns the IDs of the ones that were accepted, so a later
// reload can remove exactly this set before adding the new one.
func (h *Hub) registerWatchRulesFromConfig(rules []config.WatchRule) []string {
	ids := make([]string, 0, len(rules))
	for _, wr := range rules {
		var source *event.Source
		if wr.Source != "" {
			s := event.Source(wr.Source)
			source = &s
		}
		cond := watch.Conditions{
			StatusCodes:     wr.StatusCodes,
			URLPattern:      wr.URLPattern,
			Methods:         wr.Methods,
			Levels:          toLevels(wr.Levels),
			MessageContains: wr.MessageContains,
		}
		rule, err := h.watchEngine.AddRule(wr.Label, source, cond)
		if err != nil {
			h.logger.Warn("skipping invalid configured watch rule", slog.String("label", wr.Label), slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, rule.ID)
	}
	return ids
}

// onConfigReload is invoked by config.Watch on a file write. It runs the
// actual swap on the ingestion goroutine so it never races a concurrent
// ingestEvent's read of the redactor, and preserves the ports already bound
// at startup since those cannot change without rebinding the listeners.
func (h *Hub) onConfigReload(newCfg *config.Config) {
	h.enqueue(func() {
		old := h.config()
		newCfg.Hub.HTTPPort = old.Hub.HTTPPort
		newCfg.Hub.WSPort = old.Hub.WSPort

		for _, id := range h.configWatchRuleIDs {
			h.watchEngine.RemoveRule(id)
		}
		h.configWatchRuleIDs = h.registerWatchRulesFromConfig(newCfg.Watch)

		newRedactor := redact.New(newCfg.Redact.Fields, newCfg.Redact.URLPatterns)

		h.cfgMu.Lock()
		h.cfg = newCfg
		h.redactor = newRedactor
		h.cfgMu.Unlock()
	})
}

// Stop tears the hub down in reverse order: freeze the recorder, close WS
// (dropping clients), close HTTP, signal the child and wait for it to exit.
// Stop is idempotent after its first successful call.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return huberr.NotStartedf("hub has not been started")
	}
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if h.recorder.Active() {
		h.recorder.Stop()
	}
	if h.ws != nil {
		h.ws.Close()
	}
	if h.http != nil {
		h.http.Close()
	}
	if h.supervisor != nil && h.supervisor.IsRunning() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		h.supervisor.Shutdown(shutdownCtx)
		cancel()
	}

	close(h.stopCh)
	h.drainWG.Wait()
	return nil
}

func toLevels(ss []string) []event.Level {
	out := make([]event.Level, 0, len(ss))
	for _, s := range ss {
		out = append(out, event.Level(s))
	}
	return out
}

// waitForFirstEvent polls up to startupDrainTimeout for the ring to become
// non-empty, so an interactive caller of start() observes early dev-server
// output rather than an empty read racing the child's startup.
func (h *Hub) waitForFirstEvent() {
	deadline := time.Now().Add(startupDrainTimeout)
	for time.Now().Before(deadline) {
		if h.events.Size() > 0 {
			return
		}
		time.Sleep(startupDrainInterval)
	}
}

// runIngest is the single logical ingestion goroutine: every mutation of
// hub-owned state is funneled through jobs sent to ingestCh.
func (h *Hub) runIngest() {
	defer h.drainWG.Done()
	for {
		select {
		case job := <-h.ingestCh:
			job.fn()
		case <-h.stopCh:
			// Drain any already-queued jobs before exiting so a call
			// racing shutdown still lands.
			for {
				select {
				case job := <-h.ingestCh:
					job.fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules fn on the ingestion goroutine and blocks until it runs.
// A shutdown that races the send is not treated as an error: the job is
// simply dropped, matching the ingestion-path failure policy of logging and
// moving on rather than blocking a caller (e.g. the child supervisor's exit
// handler) indefinitely.
func (h *Hub) enqueue(fn func()) {
	done := make(chan struct{})
	select {
	case h.ingestCh <- ingestJob{fn: func() {
		fn()
		close(done)
	}}:
	case <-h.stopCh:
		return
	}
	select {
	case <-done:
	case <-h.stopCh:
	}
}

// --- ingestion sources ---

func (h *Hub) emitFromSupervisor(source event.Source, level event.Level, payload event.Payload) {
	h.ingestEvent(source, level, payload, "")
}

func (h *Hub) handleBrowserEvent(source event.Source, level event.Level, payload event.Payload) {
	tabID, _ := payload["tabId"].(string)
	h.ingestEvent(source, level, payload, tabID)
}

func (h *Hub) handleInteraction(interactionType string, target, value, url *string, x, y *float64) {
	h.enqueue(func() {
		i := h.interFactory.Create(interaction.New{Type: interactionType, Target: target, Value: value, URL: url, X: x, Y: y})
		h.interactions.Push(i)
		h.recorder.OnInteraction(i)
	})
}

func (h *Hub) handleTabInfo(tabID, tabURL, tabTitle string) {
	h.enqueue(func() {
		h.tabRegistry.Upsert(tabID, tabURL, tabTitle, time.Now().UnixMilli())
	})
}

func (h *Hub) handleStorageEvent(payload map[string]any) {
	h.ingestEvent(event.SourceBrowserStorage, event.LevelInfo, payload, "")
	if h.config().Session.CaptureStorage {
		h.enqueue(func() {
			h.recorder.OnStorageSnapshot(session.StorageSnapshot{
				TS:             time.Now().UnixMilli(),
				URL:            fmt.Sprint(payload["url"]),
				LocalStorage:   toStringMap(payload["localStorage"]),
				SessionStorage: toStringMap(payload["sessionStorage"]),
			})
		})
	}
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out
}

// ingestEvent is the pipeline named in spec §4.12: tab registry update ->
// event construction -> redaction -> ring push -> WS broadcast ->
// subscriber fan-out. It runs on the ingestion goroutine.
func (h *Hub) ingestEvent(source event.Source, level event.Level, payload event.Payload, tabID string) {
	h.enqueue(func() {
		if tabID != "" {
			h.tabRegistry.Upsert(tabID, "", "", time.Now().UnixMilli())
		}
		if payload == nil {
			payload = event.Payload{}
		}
		ev, err := h.eventFactory.Create(source, level, payload)
		if err != nil {
			h.logger.Debug("dropping invalid event", slog.String("error", err.Error()))
			return
		}
		ev = h.currentRedactor().Redact(ev)
		h.events.Push(ev)
		if h.ws != nil {
			h.ws.Broadcast(ev)
		}
		for _, we := range h.watchEngine.Evaluate(ev) {
			h.recorder.OnWatchedEvent(we)
		}
		h.recorder.OnEvent(ev)
		h.fanOut(ev)
	})
}

func (h *Hub) fanOut(ev event.Event) {
	h.mu.Lock()
	subs := make([]func(event.Event), len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.Unlock()

	for _, sub := range subs {
		safeInvoke(h.logger, sub, ev)
	}
}

func safeInvoke(logger *slog.Logger, sub func(event.Event), ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked, isolating", slog.Any("recover", r))
		}
	}()
	sub(ev)
}

// Subscribe registers a callback invoked with every ingested event, in
// subscriber-registration order, after redaction and ring insertion.
func (h *Hub) Subscribe(handler func(event.Event)) func() {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, handler)
	idx := len(h.subscribers) - 1
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.subscribers) {
			h.subscribers[idx] = func(event.Event) {}
		}
	}
}

func (h *Hub) consoleFilter() ([]string, bool) {
	include := h.config().Console.Include
	if len(include) == 0 {
		return nil, false
	}
	return config.ExpandConsoleLevels(include), true
}

// Broadcast sends v as a command frame to every connected WS client.
func (h *Hub) Broadcast(v any) {
	if h.ws != nil {
		h.ws.Broadcast(v)
	}
}

// Tools builds a tools.Registry bound to this hub's state.
func (h *Hub) Tools() *tools.Registry {
	return tools.New(tools.Deps{
		Events:             h.queryEvents,
		Interactions:       h.queryInteractions,
		ClearEvents:        func() { h.events.Clear() },
		Broadcast:          h.Broadcast,
		Subscribe:          h.Subscribe,
		AddWatchRule:       h.watchEngine.AddRule,
		RemoveWatchRule:    h.watchEngine.RemoveRule,
		ListWatchRules:     h.watchEngine.ListRules,
		WatchedEvents:      h.watchEngine.WatchedEvents,
		ClearWatchedEvents: h.watchEngine.ClearWatchedEvents,
		StartSession:       h.startSession,
		StopSession:        h.stopSession,
		ExportSession:      h.exportSession,
		ImportSession:      func(path string) (*session.Session, error) { return session.Import(path) },
		DiffSessions:       h.diffSessions,
		SessionSummary:     h.sessionSummary,
	})
}

func (h *Hub) queryEvents(filter tools.EventFilter) []event.Event {
	all := h.events.ToArray()
	var out []event.Event
	for _, ev := range all {
		if filter.Source != "" && string(ev.Source) != filter.Source {
			continue
		}
		if filter.Level != "" && string(ev.Level) != filter.Level {
			continue
		}
		if filter.Since != 0 && ev.TS <= filter.Since {
			continue
		}
		if filter.TabID != "" {
			tabID, hasTab := ev.Payload["tabId"].(string)
			if hasTab && tabID != filter.TabID {
				continue
			}
		}
		out = append(out, ev)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func (h *Hub) queryInteractions(limit int) []interaction.Interaction {
	all := h.interactions.ToArray()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func (h *Hub) startSession(label string) error {
	h.recorder.Start(h.config(), session.Environment{Cmd: h.cmd, StartedAt: time.Now().UnixMilli()}, h.events.ToArray())
	_ = label
	return nil
}

func (h *Hub) stopSession() error {
	if !h.recorder.Active() {
		return huberr.NotStartedf("no active session recording")
	}
	h.recorder.Stop()
	return nil
}

func (h *Hub) exportSession(path string) error {
	if !h.recorder.HasRecording() {
		return huberr.NotFoundf("no session recording to export")
	}
	return h.recorder.Export(path, h.currentRedactor())
}

func (h *Hub) diffSessions(pathA, pathB string) (*session.SessionDiff, error) {
	a, err := session.Import(pathA)
	if err != nil {
		return nil, err
	}
	b, err := session.Import(pathB)
	if err != nil {
		return nil, err
	}
	d := session.Diff(*a, *b)
	return &d, nil
}

func (h *Hub) sessionSummary() (*session.Summary, bool) {
	if !h.recorder.HasRecording() {
		return nil, false
	}
	snap := h.recorder.GetSnapshot()
	return &snap.Summary, h.recorder.Active()
}

// httpDeps assembles the httpapi.Deps closures against hub state.
func (h *Hub) httpDeps() httpapi.Deps {
	return httpapi.Deps{
		Events: func(source, level string, limit int) ([]event.Event, int) {
			out := h.queryEvents(tools.EventFilter{Source: source, Level: level, Limit: limit})
			return out, h.events.Size()
		},
		Status: func() httpapi.Status {
			source, locked := h.detector.Locked()
			framework := string(source)
			if !locked {
				framework = ""
			}
			return httpapi.Status{
				ConnectedClients:   h.connectedClients(),
				IsDevServerRunning: h.supervisor != nil && h.supervisor.IsRunning(),
				DetectedFramework:  framework,
				UptimeSeconds:      time.Since(time.UnixMilli(h.startedAt)).Seconds(),
			}
		},
		Ports:      func() (int, int) { cfg := h.config(); return cfg.Hub.HTTPPort, cfg.Hub.WSPort },
		Tabs:       h.tabRegistry.List,
		WatchRules: h.watchEngine.ListRules,
		WatchedEvents: func() []watch.WatchedEvent {
			return h.watchEngine.WatchedEvents(200, "")
		},
		Config: h.config,
		SessionStatus: func() httpapi.SessionStatus {
			summary, active := h.sessionSummary()
			return httpapi.SessionStatus{Active: active, Summary: summary}
		},
		Command: func(command string) error {
			h.Broadcast(map[string]any{"type": "command", "command": command})
			return nil
		},
		Diagnostics: func() map[string]any {
			return map[string]any{
				"eventRingSize":       h.events.Size(),
				"interactionRingSize": h.interactions.Size(),
				"watchRuleCount":      len(h.watchEngine.ListRules()),
				"connectedClients":    h.connectedClients(),
			}
		},
	}
}

// connectedClients reports the current WS client count, or 0 before the WS
// server has been assigned during Start's bind sequence.
func (h *Hub) connectedClients() int {
	if h.ws == nil {
		return 0
	}
	return h.ws.ConnectedClients()
}
