package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/redact"
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

// TestImportExportRoundTrip implements invariant 6: import(export(s)).id ==
// s.id and version == "1.0".
func TestImportExportRoundTrip(t *testing.T) {
	r := New()
	r.Start(nil, Environment{Framework: "vite", StartedAt: 1000}, nil)
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{"message": "hello"}))
	r.Stop()

	data, err := r.ExportToString(nil)
	if err != nil {
		t.Fatal(err)
	}

	imported, err := ImportFromString(data)
	if err != nil {
		t.Fatal(err)
	}
	original := r.GetSnapshot()
	if imported.ID != original.ID {
		t.Errorf("imported id = %s, want %s", imported.ID, original.ID)
	}
	if imported.Version != Version {
		t.Errorf("imported version = %s, want %s", imported.Version, Version)
	}
}

func TestImportFromString_RejectsBadVersionOrEmptyID(t *testing.T) {
	if _, err := ImportFromString(`{"version":"2.0","id":"session_1"}`); err == nil {
		t.Error("expected error for bad version")
	}
	if _, err := ImportFromString(`{"version":"1.0","id":""}`); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestExport_CreatesParentDirectories(t *testing.T) {
	r := New()
	r.Start(nil, Environment{}, nil)
	r.Stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "session.json")
	if err := r.Export(path, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
}

// TestExportToString_RedactsStorageSnapshots implements invariant 7.
func TestExportToString_RedactsStorageSnapshots(t *testing.T) {
	r := New()
	r.Start(nil, Environment{}, nil)
	r.OnStorageSnapshot(StorageSnapshot{
		LocalStorage:   map[string]string{"token": "abc123", "theme": "dark"},
		SessionStorage: map[string]string{},
	})
	r.Stop()

	redactor := redact.New([]string{"token"}, nil)
	data, err := r.ExportToString(redactor)
	if err != nil {
		t.Fatal(err)
	}
	imported, err := ImportFromString(data)
	if err != nil {
		t.Fatal(err)
	}
	if imported.StorageSnapshots[0].LocalStorage["token"] != redact.Sentinel {
		t.Errorf("token = %s, want redacted", imported.StorageSnapshots[0].LocalStorage["token"])
	}
	if imported.StorageSnapshots[0].LocalStorage["theme"] != "dark" {
		t.Errorf("theme was redacted unexpectedly")
	}
}

func TestStop_FreezesSnapshot(t *testing.T) {
	r := New()
	r.Start(nil, Environment{}, nil)
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{"message": "a"}))
	r.Stop()

	before := r.GetSnapshot()
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelInfo, event.Payload{"message": "b"}))
	after := r.GetSnapshot()

	if len(before.Events) != len(after.Events) {
		t.Errorf("frozen snapshot changed: before=%d after=%d", len(before.Events), len(after.Events))
	}
}

// TestDiff_Identical implements invariant 10: diff(s, s) has identical=true.
func TestDiff_Identical(t *testing.T) {
	r := New()
	r.Start(nil, Environment{}, nil)
	r.OnEvent(mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{"url": "/api/x", "status": float64(200)}))
	r.Stop()

	s := r.GetSnapshot()
	d := Diff(s, s)
	if !d.Identical {
		t.Errorf("expected identical diff, got %+v", d)
	}
}

// TestDiff_NetworkStatusDifference implements scenario S5.
func TestDiff_NetworkStatusDifference(t *testing.T) {
	a := New()
	a.Start(nil, Environment{}, nil)
	a.OnEvent(mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{"url": "/api/checkout", "status": float64(200)}))
	a.Stop()

	b := New()
	b.Start(nil, Environment{}, nil)
	b.OnEvent(mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{"url": "/api/checkout", "status": float64(500)}))
	b.Stop()

	d := Diff(a.GetSnapshot(), b.GetSnapshot())
	if d.Identical {
		t.Fatal("expected non-identical diff")
	}
	if len(d.NetworkDiff.StatusDifferences) != 1 {
		t.Fatalf("len(StatusDifferences) = %d, want 1", len(d.NetworkDiff.StatusDifferences))
	}
	sd := d.NetworkDiff.StatusDifferences[0]
	if sd.URL != "/api/checkout" || sd.StatusA != 200 || sd.StatusB != 500 {
		t.Errorf("unexpected status diff: %+v", sd)
	}
}

func TestSummary_TopErrorsAndCounts(t *testing.T) {
	r := New()
	r.Start(nil, Environment{StartedAt: 1000}, nil)
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelError, event.Payload{"message": "boom"}))
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelError, event.Payload{"message": "boom"}))
	r.OnEvent(mustEvent(t, event.SourceBrowserConsole, event.LevelWarn, event.Payload{"message": "careful"}))
	r.OnEvent(mustEvent(t, event.SourceBrowserNetwork, event.LevelInfo, event.Payload{"url": "/x", "status": float64(500)}))
	r.Stop()

	s := r.GetSnapshot()
	if s.Summary.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", s.Summary.ErrorCount)
	}
	if s.Summary.WarnCount != 1 {
		t.Errorf("WarnCount = %d, want 1", s.Summary.WarnCount)
	}
	if s.Summary.NetworkRequests != 1 || s.Summary.FailedRequests != 1 {
		t.Errorf("NetworkRequests=%d FailedRequests=%d", s.Summary.NetworkRequests, s.Summary.FailedRequests)
	}
	if len(s.Summary.TopErrors) != 1 || s.Summary.TopErrors[0] != "boom" {
		t.Errorf("TopErrors = %v", s.Summary.TopErrors)
	}
}
