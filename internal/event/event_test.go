package event

import (
	"regexp"
	"strconv"
	"testing"

	"github.com/daibug/daibug/internal/huberr"
)

var idPattern = regexp.MustCompile(`^evt_\d{13}_\d{3}$`)

func TestFactory_Create_InvalidSource(t *testing.T) {
	f := NewFactory()
	_, err := f.Create(Source("bogus"), LevelInfo, Payload{"a": 1})
	if !huberr.Is(err, huberr.InvalidKind) {
		t.Fatalf("expected INVALID_KIND, got %v", err)
	}
}

func TestFactory_Create_InvalidLevel(t *testing.T) {
	f := NewFactory()
	_, err := f.Create(SourceVite, Level("critical"), Payload{"a": 1})
	if !huberr.Is(err, huberr.InvalidKind) {
		t.Fatalf("expected INVALID_KIND, got %v", err)
	}
}

func TestFactory_Create_NilPayload(t *testing.T) {
	f := NewFactory()
	_, err := f.Create(SourceVite, LevelInfo, nil)
	if !huberr.Is(err, huberr.InvalidKind) {
		t.Fatalf("expected INVALID_KIND, got %v", err)
	}
}

func TestFactory_Create_IDFormat(t *testing.T) {
	f := NewFactory()
	e, err := f.Create(SourceVite, LevelInfo, Payload{"message": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !idPattern.MatchString(e.ID) {
		t.Errorf("id %q does not match %s", e.ID, idPattern)
	}
}

func TestFactory_Create_SameTickSuffixesIncrement(t *testing.T) {
	// Two Create calls issued back to back typically land in the same
	// millisecond; when they do, the ids must still be distinct and ordered.
	f := NewFactory()
	e1, _ := f.Create(SourceVite, LevelInfo, Payload{})
	e2, _ := f.Create(SourceVite, LevelInfo, Payload{})
	if e1.ID == e2.ID {
		t.Fatalf("expected distinct ids, got %q twice", e1.ID)
	}
	if e2.TS < e1.TS {
		t.Errorf("ts went backwards: %d then %d", e1.TS, e2.TS)
	}
	if e1.TS == e2.TS {
		s1, _ := strconv.Atoi(e1.ID[len(e1.ID)-3:])
		s2, _ := strconv.Atoi(e2.ID[len(e2.ID)-3:])
		if s2 != s1+1 {
			t.Errorf("same-tick suffixes %03d then %03d, want consecutive", s1, s2)
		}
	}
}

func TestEvent_CloneIsDeep(t *testing.T) {
	f := NewFactory()
	e, _ := f.Create(SourceBrowserNetwork, LevelInfo, Payload{
		"nested": map[string]any{"k": "v"},
	})
	clone := e.Clone()
	nested := clone.Payload["nested"].(map[string]any)
	nested["k"] = "mutated"
	orig := e.Payload["nested"].(map[string]any)
	if orig["k"] != "v" {
		t.Fatalf("mutating clone affected original: %v", orig)
	}
}
