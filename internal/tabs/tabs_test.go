package tabs

import "testing"

func TestRegistry_UpsertPreservesConnectedAt(t *testing.T) {
	r := New()
	r.Upsert("t1", "https://a.example/", "A", 1000)
	got := r.Upsert("t1", "https://b.example/", "B", 2000)
	if got.ConnectedAt != 1000 {
		t.Errorf("ConnectedAt = %d, want 1000", got.ConnectedAt)
	}
}

// browser_tab_info sets url/title; a later network/console event that only
// knows the tabId exists must not wipe them back to empty.
func TestRegistry_UpsertKeepsExistingURLAndTitleOnEmptyUpdate(t *testing.T) {
	r := New()
	r.Upsert("t1", "https://example.com/page", "Example Page", 1000)

	got := r.Upsert("t1", "", "", 1000)
	if got.URL != "https://example.com/page" {
		t.Errorf("URL = %q, want unchanged", got.URL)
	}
	if got.Title != "Example Page" {
		t.Errorf("Title = %q, want unchanged", got.Title)
	}

	listed := r.List()
	if len(listed) != 1 || listed[0].URL != "https://example.com/page" || listed[0].Title != "Example Page" {
		t.Fatalf("List() = %+v, want preserved url/title", listed)
	}
}

func TestRegistry_UpsertOverwritesWithNonEmptyValues(t *testing.T) {
	r := New()
	r.Upsert("t1", "https://old.example/", "Old", 1000)
	got := r.Upsert("t1", "https://new.example/", "New", 1000)
	if got.URL != "https://new.example/" || got.Title != "New" {
		t.Errorf("got %+v, want updated url/title", got)
	}
}
