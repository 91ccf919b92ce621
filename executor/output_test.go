package executor

import (
	"strings"
	"testing"
)

func TestOutputDeltaAdvances(t *testing.T) {
	st := NewOutputState("s1", 0)
	st.beginExecution()
	gen, _ := st.attach(nil)

	st.append(gen, Stdout, "a")
	st.append(gen, Stderr, "x")
	if out, errs := st.Delta(); out != "a" || errs != "x" {
		t.Fatalf("first delta = %q, %q", out, errs)
	}
	if st.HasUnread() {
		t.Error("expected no unread output after delta")
	}

	st.append(gen, Stdout, "b")
	if out, errs := st.Delta(); out != "b" || errs != "" {
		t.Errorf("second delta = %q, %q", out, errs)
	}
	if out, errs := st.Delta(); out != "" || errs != "" {
		t.Errorf("empty delta = %q, %q", out, errs)
	}
}

func TestOutputTruncatesOnce(t *testing.T) {
	st := NewOutputState("s1", 8)
	events := st.EnableEvents(16)
	st.beginExecution()
	gen, _ := st.attach(nil)

	st.append(gen, Stdout, "12345")
	st.append(gen, Stderr, "6789")
	st.append(gen, Stdout, "more")
	st.append(gen, Stderr, "more")

	out, errs := st.Delta()
	if out != "12345" {
		t.Errorf("unexpected stdout %q", out)
	}
	if errs != "678"+TruncationMarker {
		t.Errorf("unexpected stderr %q", errs)
	}
	if n := strings.Count(out+errs, TruncationMarker); n != 1 {
		t.Errorf("expected exactly one marker, got %d", n)
	}

	var markers int
	for len(events) > 0 {
		if ev := <-events; ev.Data == TruncationMarker {
			markers++
		}
	}
	if markers != 1 {
		t.Errorf("expected one marker event, got %d", markers)
	}
}

func TestOutputCapResetsPerExecution(t *testing.T) {
	st := NewOutputState("s1", 4)
	st.beginExecution()
	gen, _ := st.attach(nil)
	st.append(gen, Stdout, "123456")
	st.Delta()

	st.beginExecution()
	gen, _ = st.attach(nil)
	st.append(gen, Stdout, "abc")
	if out, _ := st.Delta(); out != "abc" {
		t.Errorf("expected cap to reset, got %q", out)
	}
	if st.Truncated() {
		t.Error("truncated flag carried over")
	}
}

func TestOutputCutsAtRuneBoundary(t *testing.T) {
	st := NewOutputState("s1", 4)
	st.beginExecution()
	gen, _ := st.attach(nil)

	st.append(gen, Stdout, "ab€")
	out, _ := st.Delta()
	if out != "ab"+TruncationMarker {
		t.Errorf("unexpected stdout %q", out)
	}
}

func TestOutputDropsSupersededGeneration(t *testing.T) {
	st := NewOutputState("s1", 0)
	st.beginExecution()
	old, oldDone := st.attach(nil)
	st.detach(old, oldDone)

	st.beginExecution()
	gen, _ := st.attach(nil)
	st.append(old, Stdout, "stale")
	st.append(gen, Stdout, "fresh")

	if out, _ := st.Delta(); out != "fresh" {
		t.Errorf("unexpected stdout %q", out)
	}
}

func TestOutputSignal(t *testing.T) {
	st := NewOutputState("s1", 0)
	st.beginExecution()
	gen, _ := st.attach(nil)

	st.append(gen, Stdout, "x")
	select {
	case <-st.DataSignal():
	default:
		t.Fatal("expected a data signal")
	}

	st.append(gen, Stdout, "y")
	st.ResetSignal()
	select {
	case <-st.DataSignal():
		t.Fatal("signal survived reset")
	default:
	}
}

func TestOutputDoneWithoutProcess(t *testing.T) {
	st := NewOutputState("s1", 0)
	select {
	case <-st.Done():
	default:
		t.Fatal("expected Done to be closed with no process")
	}
}
