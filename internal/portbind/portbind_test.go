package portbind

import "testing"

func TestBind_ResolvesDistinctPortsForTwoEndpoints(t *testing.T) {
	ln1, port1, err := Bind(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln1.Close()

	ln2, port2, err := Bind(0, port1)
	if err != nil {
		t.Fatal(err)
	}
	defer ln2.Close()

	if port1 == port2 {
		t.Errorf("expected distinct ports, both resolved to %d", port1)
	}
}

func TestBind_FallsBackWhenPreferredPortBusy(t *testing.T) {
	held, port, err := Bind(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	ln, resolved, err := Bind(port, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if resolved == port {
		t.Errorf("expected fallback away from busy port %d", port)
	}
}

// When preferred equals a sibling's reserved port, retrying it is pointless
// — Bind must skip straight to the incremental scan instead of burning the
// retry budget on a port it already knows to avoid.
func TestBind_SkipsRetryWhenPreferredEqualsSkip(t *testing.T) {
	held, port, err := Bind(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	ln, resolved, err := Bind(port, port)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if resolved == port {
		t.Errorf("expected fallback away from skipped port %d", port)
	}
}
