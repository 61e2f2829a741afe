package session

import (
	"fmt"
	"sort"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/interaction"
)

// EventFieldDiff names one event present in both sessions with differing
// field values.
type EventFieldDiff struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

type EventsDiff struct {
	OnlyInA   []string         `json:"onlyInA"`
	OnlyInB   []string         `json:"onlyInB"`
	Different []EventFieldDiff `json:"different"`
}

type InteractionsDiff struct {
	OnlyInA             []string `json:"onlyInA"`
	OnlyInB             []string `json:"onlyInB"`
	FirstDivergingIndex *int     `json:"firstDivergingIndex"`
}

type StatusDiff struct {
	URL     string `json:"url"`
	StatusA int    `json:"statusA"`
	StatusB int    `json:"statusB"`
}

type NetworkDiff struct {
	EndpointsOnlyInA  []string     `json:"endpointsOnlyInA"`
	EndpointsOnlyInB  []string     `json:"endpointsOnlyInB"`
	StatusDifferences []StatusDiff `json:"statusDifferences"`
}

type StorageDiff struct {
	OnlyInA   map[string]string    `json:"onlyInA"`
	OnlyInB   map[string]string    `json:"onlyInB"`
	Different map[string][2]string `json:"different"`
}

type SessionDiff struct {
	Identical        bool             `json:"identical"`
	DivergesAt       int64            `json:"divergesAt"`
	EventsDiff       EventsDiff       `json:"eventsDiff"`
	InteractionsDiff InteractionsDiff `json:"interactionsDiff"`
	NetworkDiff      NetworkDiff      `json:"networkDiff"`
	StorageDiff      StorageDiff      `json:"storageDiff"`
}

// Diff compares two sessions per spec §4.7. Both sessions are expected to
// already carry sorted events (buildSnapshot sorts by (ts, id)).
func Diff(a, b Session) SessionDiff {
	ed := diffEvents(a, b)
	id := diffInteractions(a, b)
	nd := diffNetwork(a, b)
	sd := diffStorage(a, b)

	d := SessionDiff{
		EventsDiff:       ed,
		InteractionsDiff: id,
		NetworkDiff:      nd,
		StorageDiff:      sd,
	}
	d.Identical = len(ed.OnlyInA) == 0 && len(ed.OnlyInB) == 0 && len(ed.Different) == 0 &&
		len(id.OnlyInA) == 0 && len(id.OnlyInB) == 0 && id.FirstDivergingIndex == nil &&
		len(nd.EndpointsOnlyInA) == 0 && len(nd.EndpointsOnlyInB) == 0 && len(nd.StatusDifferences) == 0 &&
		len(sd.OnlyInA) == 0 && len(sd.OnlyInB) == 0 && len(sd.Different) == 0
	d.DivergesAt = divergesAt(a, b)
	return d
}

func diffEvents(a, b Session) EventsDiff {
	aMap := make(map[string]event.Event, len(a.Events))
	for _, e := range a.Events {
		aMap[e.ID] = e
	}
	bMap := make(map[string]event.Event, len(b.Events))
	for _, e := range b.Events {
		bMap[e.ID] = e
	}

	var onlyA, onlyB []string
	var different []EventFieldDiff

	for id, ea := range aMap {
		eb, ok := bMap[id]
		if !ok {
			onlyA = append(onlyA, id)
			continue
		}
		if fields := diffEventFields(ea, eb); len(fields) > 0 {
			different = append(different, EventFieldDiff{ID: id, Fields: fields})
		}
	}
	for id := range bMap {
		if _, ok := aMap[id]; !ok {
			onlyB = append(onlyB, id)
		}
	}

	sort.Strings(onlyA)
	sort.Strings(onlyB)
	sort.Slice(different, func(i, j int) bool { return different[i].ID < different[j].ID })
	return EventsDiff{OnlyInA: onlyA, OnlyInB: onlyB, Different: different}
}

// diffEventFields reports which of {source,level,ts,payload} differ between
// two events sharing the same id.
func diffEventFields(a, b event.Event) []string {
	var fields []string
	if a.Source != b.Source {
		fields = append(fields, "source")
	}
	if a.Level != b.Level {
		fields = append(fields, "level")
	}
	if a.TS != b.TS {
		fields = append(fields, "ts")
	}
	if fmt.Sprint(a.Payload) != fmt.Sprint(b.Payload) {
		fields = append(fields, "payload")
	}
	return fields
}

func diffInteractions(a, b Session) InteractionsDiff {
	aMap := make(map[string]bool, len(a.Interactions))
	for _, it := range a.Interactions {
		aMap[it.ID] = true
	}
	bMap := make(map[string]bool, len(b.Interactions))
	for _, it := range b.Interactions {
		bMap[it.ID] = true
	}

	var onlyA, onlyB []string
	for id := range aMap {
		if !bMap[id] {
			onlyA = append(onlyA, id)
		}
	}
	for id := range bMap {
		if !aMap[id] {
			onlyB = append(onlyB, id)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	n := len(a.Interactions)
	if len(b.Interactions) < n {
		n = len(b.Interactions)
	}
	var firstDiverge *int
	for i := 0; i < n; i++ {
		if interactionSignature(a.Interactions[i]) != interactionSignature(b.Interactions[i]) {
			idx := i
			firstDiverge = &idx
			break
		}
	}

	return InteractionsDiff{OnlyInA: onlyA, OnlyInB: onlyB, FirstDivergingIndex: firstDiverge}
}

// interactionSignature is the {type,target,value,url,x,y} tuple compared for
// positional divergence.
func interactionSignature(i interaction.Interaction) string {
	return fmt.Sprintf("%s|%v|%v|%v|%v|%v", i.Type, deref(i.Target), deref(i.Value), deref(i.URL), derefF(i.X), derefF(i.Y))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefF(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func diffNetwork(a, b Session) NetworkDiff {
	firstStatusA := firstStatusByURL(a)
	firstStatusB := firstStatusByURL(b)

	var onlyA, onlyB []string
	var diffs []StatusDiff

	for url, sa := range firstStatusA {
		sb, ok := firstStatusB[url]
		if !ok {
			onlyA = append(onlyA, url)
			continue
		}
		if sa != sb {
			diffs = append(diffs, StatusDiff{URL: url, StatusA: sa, StatusB: sb})
		}
	}
	for url := range firstStatusB {
		if _, ok := firstStatusA[url]; !ok {
			onlyB = append(onlyB, url)
		}
	}

	sort.Strings(onlyA)
	sort.Strings(onlyB)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].URL < diffs[j].URL })
	return NetworkDiff{EndpointsOnlyInA: onlyA, EndpointsOnlyInB: onlyB, StatusDifferences: diffs}
}

func firstStatusByURL(s Session) map[string]int {
	out := make(map[string]int)
	seen := make(map[string]bool)
	for _, ev := range s.Events {
		if ev.Source != event.SourceBrowserNetwork {
			continue
		}
		url, ok := ev.Payload["url"].(string)
		if !ok || seen[url] {
			continue
		}
		status, ok := numericStatus(ev.Payload["status"])
		if !ok {
			continue
		}
		out[url] = status
		seen[url] = true
	}
	return out
}

func diffStorage(a, b Session) StorageDiff {
	flatA := flattenStorage(a.StorageSnapshots)
	flatB := flattenStorage(b.StorageSnapshots)

	onlyA := make(map[string]string)
	onlyB := make(map[string]string)
	different := make(map[string][2]string)

	for k, va := range flatA {
		vb, ok := flatB[k]
		if !ok {
			onlyA[k] = va
			continue
		}
		if va != vb {
			different[k] = [2]string{va, vb}
		}
	}
	for k, vb := range flatB {
		if _, ok := flatA[k]; !ok {
			onlyB[k] = vb
		}
	}

	return StorageDiff{OnlyInA: onlyA, OnlyInB: onlyB, Different: different}
}

// flattenStorage merges every snapshot's local/session storage into one
// key->value map; local overrides session when both present, and later
// snapshots override earlier ones.
func flattenStorage(snaps []StorageSnapshot) map[string]string {
	out := make(map[string]string)
	for _, s := range snaps {
		for k, v := range s.SessionStorage {
			out[k] = v
		}
		for k, v := range s.LocalStorage {
			out[k] = v
		}
	}
	return out
}

// divergesAt is the minimum ts among the first positional event mismatch or,
// failing that, the ts of the first "extra" event in the longer sequence.
func divergesAt(a, b Session) int64 {
	n := len(a.Events)
	if len(b.Events) < n {
		n = len(b.Events)
	}
	for i := 0; i < n; i++ {
		if a.Events[i].ID != b.Events[i].ID {
			if a.Events[i].TS < b.Events[i].TS {
				return a.Events[i].TS
			}
			return b.Events[i].TS
		}
	}
	if len(a.Events) > n {
		return a.Events[n].TS
	}
	if len(b.Events) > n {
		return b.Events[n].TS
	}
	return 0
}
