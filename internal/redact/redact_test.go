package redact

import (
	"testing"

	"github.com/daibug/daibug/internal/event"
)

func mustEvent(t *testing.T, source event.Source, payload event.Payload) event.Event {
	t.Helper()
	f := event.NewFactory()
	e, err := f.Create(source, event.LevelInfo, payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRedact_CaseInsensitiveFieldNames(t *testing.T) {
	r := New([]string{"password", "token"}, nil)
	e := mustEvent(t, event.SourceBrowserConsole, event.Payload{
		"Password": "hunter2",
		"nested":   map[string]any{"TOKEN": "abc", "keep": "me"},
	})
	out := r.Redact(e)
	if out.Payload["Password"] != Sentinel {
		t.Errorf("Password = %v, want %v", out.Payload["Password"], Sentinel)
	}
	nested := out.Payload["nested"].(map[string]any)
	if nested["TOKEN"] != Sentinel {
		t.Errorf("TOKEN = %v, want %v", nested["TOKEN"], Sentinel)
	}
	if nested["keep"] != "me" {
		t.Errorf("keep = %v, want untouched", nested["keep"])
	}
}

func TestRedact_DoesNotMutateInput(t *testing.T) {
	r := New([]string{"password"}, nil)
	e := mustEvent(t, event.SourceBrowserConsole, event.Payload{"password": "secret"})
	_ = r.Redact(e)
	if e.Payload["password"] != "secret" {
		t.Fatalf("input event was mutated: %v", e.Payload["password"])
	}
}

func TestRedact_ArraysRecurse(t *testing.T) {
	r := New([]string{"secret"}, nil)
	e := mustEvent(t, event.SourceBrowserConsole, event.Payload{
		"items": []any{
			map[string]any{"secret": "x"},
			map[string]any{"secret": "y"},
		},
	})
	out := r.Redact(e)
	items := out.Payload["items"].([]any)
	for _, it := range items {
		m := it.(map[string]any)
		if m["secret"] != Sentinel {
			t.Errorf("secret = %v, want %v", m["secret"], Sentinel)
		}
	}
}

func TestRedact_NetworkBody_S1(t *testing.T) {
	r := New([]string{"password", "token"}, nil)
	e := mustEvent(t, event.SourceBrowserNetwork, event.Payload{
		"url":    "/api/login",
		"method": "POST",
		"requestBody": map[string]any{
			"username": "u@x.com",
			"password": "s",
		},
		"responseBody": map[string]any{
			"token": "t",
		},
	})
	out := r.Redact(e)
	reqBody := out.Payload["requestBody"].(map[string]any)
	if reqBody["password"] != Sentinel {
		t.Errorf("requestBody.password = %v", reqBody["password"])
	}
	if reqBody["username"] != "u@x.com" {
		t.Errorf("requestBody.username = %v, want untouched", reqBody["username"])
	}
	respBody := out.Payload["responseBody"].(map[string]any)
	if respBody["token"] != Sentinel {
		t.Errorf("responseBody.token = %v", respBody["token"])
	}
}

func TestRedact_NetworkURLPattern_WholeBodyReplaced(t *testing.T) {
	r := New(nil, []string{"/api/secure/**"})
	e := mustEvent(t, event.SourceBrowserNetwork, event.Payload{
		"url":          "/api/secure/payments",
		"requestBody":  "raw body",
		"responseBody": "raw response",
	})
	out := r.Redact(e)
	if out.Payload["requestBody"] != NetworkSentinel {
		t.Errorf("requestBody = %v, want %v", out.Payload["requestBody"], NetworkSentinel)
	}
	if out.Payload["responseBody"] != NetworkSentinel {
		t.Errorf("responseBody = %v, want %v", out.Payload["responseBody"], NetworkSentinel)
	}
	if out.Payload["url"] != "/api/secure/payments" {
		t.Errorf("url was changed: %v", out.Payload["url"])
	}
}

func TestRedact_StorageValue(t *testing.T) {
	r := New([]string{"authToken"}, nil)
	e := mustEvent(t, event.SourceBrowserStorage, event.Payload{
		"key":           "authToken",
		"value":         "secretvalue",
		"previousValue": "oldvalue",
	})
	out := r.Redact(e)
	if out.Payload["value"] != Sentinel {
		t.Errorf("value = %v", out.Payload["value"])
	}
	if out.Payload["previousValue"] != Sentinel {
		t.Errorf("previousValue = %v", out.Payload["previousValue"])
	}
}

func TestRedact_StorageValue_NonSensitiveKeyUntouched(t *testing.T) {
	r := New([]string{"authToken"}, nil)
	e := mustEvent(t, event.SourceBrowserStorage, event.Payload{
		"key":   "theme",
		"value": "dark",
	})
	out := r.Redact(e)
	if out.Payload["value"] != "dark" {
		t.Errorf("value = %v, want untouched", out.Payload["value"])
	}
}
