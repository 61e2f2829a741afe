package watch

import (
	"testing"

	"github.com/daibug/daibug/internal/event"
)

func mustEvent(t *testing.T, source event.Source, level event.Level, payload event.Payload) event.Event {
	t.Helper()
	f := event.NewFactory()
	e, err := f.Create(source, level, payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAddRule_RejectsEmptyLabelOrConditions(t *testing.T) {
	e := New()
	if _, err := e.AddRule("", nil, Conditions{StatusCodes: []int{401}}); err == nil {
		t.Error("expected error for empty label")
	}
	if _, err := e.AddRule("x", nil, Conditions{}); err == nil {
		t.Error("expected error for empty conditions")
	}
}

// TestEvaluate_AuthFailures implements scenario S2: a rule named "auth
// failures" matching statusCodes:[401] + urlPattern:"/api/**" fires on a
// 401 network event and annotates its payload.
func TestEvaluate_AuthFailures(t *testing.T) {
	e := New()
	rule, err := e.AddRule("auth failures", nil, Conditions{
		StatusCodes: []int{401},
		URLPattern:  "/api/**",
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{
		"url":    "/api/login",
		"status": float64(401),
		"method": "POST",
	})

	matches := e.Evaluate(ev)
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	if matches[0].MatchedRule.ID != rule.ID {
		t.Errorf("matched rule id = %s, want %s", matches[0].MatchedRule.ID, rule.ID)
	}
	if ev.Payload["watched"] != true {
		t.Error("payload not annotated with watched=true")
	}
	if ev.Payload["watchRuleLabel"] != "auth failures" {
		t.Errorf("watchRuleLabel = %v", ev.Payload["watchRuleLabel"])
	}
	if ev.Payload["watchRuleId"] != rule.ID {
		t.Errorf("watchRuleId = %v", ev.Payload["watchRuleId"])
	}

	watched := e.WatchedEvents(0, "")
	if len(watched) != 1 {
		t.Fatalf("len(watched) = %d, want 1", len(watched))
	}
}

func TestEvaluate_NonMatchingStatusDoesNotFire(t *testing.T) {
	e := New()
	if _, err := e.AddRule("auth failures", nil, Conditions{StatusCodes: []int{401}, URLPattern: "/api/**"}); err != nil {
		t.Fatal(err)
	}
	ev := mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{
		"url":    "/api/login",
		"status": float64(200),
	})
	if matches := e.Evaluate(ev); len(matches) != 0 {
		t.Errorf("len(matches) = %d, want 0", len(matches))
	}
}

func TestEvaluate_SourceFilter(t *testing.T) {
	e := New()
	src := event.SourceBrowserConsole
	if _, err := e.AddRule("console errors", &src, Conditions{Levels: []event.Level{event.LevelError}}); err != nil {
		t.Fatal(err)
	}
	networkErr := mustEvent(t, event.SourceBrowserNetwork, event.LevelError, event.Payload{"url": "/x"})
	if matches := e.Evaluate(networkErr); len(matches) != 0 {
		t.Errorf("source filter did not exclude non-matching source: %d matches", len(matches))
	}
	consoleErr := mustEvent(t, event.SourceBrowserConsole, event.LevelError, event.Payload{"message": "boom"})
	if matches := e.Evaluate(consoleErr); len(matches) != 1 {
		t.Errorf("len(matches) = %d, want 1", len(matches))
	}
}

func TestEvaluate_PayloadContainsPartialMatch(t *testing.T) {
	e := New()
	if _, err := e.AddRule("cart updates", nil, Conditions{
		PayloadContains: map[string]any{"action": "cart.update", "meta": map[string]any{"itemCount": float64(3)}},
	}); err != nil {
		t.Fatal(err)
	}
	match := mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{
		"action": "cart.update",
		"meta":   map[string]any{"itemCount": float64(3), "currency": "USD"},
		"extra":  "ignored",
	})
	if matches := e.Evaluate(match); len(matches) != 1 {
		t.Errorf("expected partial match to fire, got %d matches", len(matches))
	}

	noMatch := mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{
		"action": "cart.remove",
	})
	if matches := e.Evaluate(noMatch); len(matches) != 0 {
		t.Errorf("expected no match, got %d", len(matches))
	}
}

// TestWatchedEvents_CapAndOrder covers invariant: the watched buffer holds
// at most 200 entries and returns newest-first.
func TestWatchedEvents_CapAndOrder(t *testing.T) {
	e := New()
	if _, err := e.AddRule("all console", nil, Conditions{MessageContains: "x"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 205; i++ {
		ev := mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{"message": "x", "i": i})
		e.Evaluate(ev)
	}
	watched := e.WatchedEvents(0, "")
	if len(watched) != watchedCapacity {
		t.Fatalf("len(watched) = %d, want %d", len(watched), watchedCapacity)
	}
	if got := watched[0].Event.Payload["i"]; got != 204 {
		t.Errorf("newest entry i = %v, want 204", got)
	}
	if got := watched[len(watched)-1].Event.Payload["i"]; got != 5 {
		t.Errorf("oldest kept entry i = %v, want 5", got)
	}
}

func TestRemoveRule(t *testing.T) {
	e := New()
	r, err := e.AddRule("x", nil, Conditions{MessageContains: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if !e.RemoveRule(r.ID) {
		t.Error("RemoveRule returned false for existing rule")
	}
	if e.RemoveRule(r.ID) {
		t.Error("RemoveRule returned true for already-removed rule")
	}
	if len(e.ListRules()) != 0 {
		t.Error("rule still present after removal")
	}
}

func TestClearWatchedEvents(t *testing.T) {
	e := New()
	if _, err := e.AddRule("x", nil, Conditions{MessageContains: "a"}); err != nil {
		t.Fatal(err)
	}
	ev := mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{"message": "a"})
	e.Evaluate(ev)
	e.ClearWatchedEvents()
	if len(e.WatchedEvents(0, "")) != 0 {
		t.Error("expected watched events cleared")
	}
}
