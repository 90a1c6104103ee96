package statemachine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
)

type testState string

const (
	stInitial    testState = "initial"
	stProcessing testState = "processing"
	stComplete   testState = "complete"
	stError      testState = "error"
)

func setup(t *testing.T, history int) *Machine[testState] {
	t.Helper()
	m, err := New(stInitial, history)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.AddTransition(stInitial, stProcessing)
	m.AddTransition(stProcessing, stComplete)
	m.AddTransition(stProcessing, stError)
	return m
}

func TestNewRejectsZeroHistory(t *testing.T) {
	_, err := New(stInitial, 0)
	if err == nil {
		t.Fatal("expected error for zero history")
	}
	if !captureerr.IsKind(err, captureerr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestInitialization(t *testing.T) {
	m := setup(t, 5)
	if m.Current() != stInitial {
		t.Fatalf("expected initial, got %s", m.Current())
	}
	if len(m.History()) != 0 {
		t.Fatalf("expected empty history, got %d", len(m.History()))
	}
}

func TestCanTransitionTo(t *testing.T) {
	m := setup(t, 5)
	if !m.CanTransitionTo(stProcessing) {
		t.Fatal("expected initial -> processing")
	}
	if m.CanTransitionTo(stComplete) {
		t.Fatal("should not skip processing")
	}
}

func TestSuccessfulTransition(t *testing.T) {
	m := setup(t, 5)
	before := time.Now().UTC()
	tr, err := m.TransitionTo(stProcessing, "starting process")
	if err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if m.Current() != stProcessing {
		t.Fatalf("expected processing, got %s", m.Current())
	}
	if tr.From != stInitial || tr.To != stProcessing || tr.Reason != "starting process" {
		t.Fatalf("unexpected transition record: %+v", tr)
	}
	if tr.Timestamp.Before(before) {
		t.Fatal("timestamp before call")
	}
	if got := m.Metrics().Accepted; got != 1 {
		t.Fatalf("expected 1 accepted, got %d", got)
	}
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	m := setup(t, 5)
	m.TransitionTo(stProcessing, "")
	histBefore := m.History()

	_, err := m.TransitionTo(stInitial, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !captureerr.IsCode(err, captureerr.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if m.Current() != stProcessing {
		t.Fatalf("state changed to %s", m.Current())
	}
	if len(m.History()) != len(histBefore) {
		t.Fatal("history changed on rejection")
	}
	met := m.Metrics()
	if met.Rejected != 1 || met.Accepted != 1 {
		t.Fatalf("expected 1 accepted / 1 rejected, got %+v", met)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	m := setup(t, 2)
	m.AddTransition(stComplete, stProcessing)

	for _, s := range []testState{stProcessing, stComplete, stProcessing} {
		if _, err := m.TransitionTo(s, ""); err != nil {
			t.Fatalf("TransitionTo(%s): %v", s, err)
		}
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	if hist[0].From != stProcessing || hist[0].To != stComplete {
		t.Fatalf("unexpected first entry: %+v", hist[0])
	}
	if hist[1].From != stComplete || hist[1].To != stProcessing {
		t.Fatalf("unexpected second entry: %+v", hist[1])
	}
	if m.Current() != stProcessing {
		t.Fatalf("expected processing, got %s", m.Current())
	}
}

func TestSelfTransitionIsBounded(t *testing.T) {
	m := setup(t, 3)
	m.AddTransition(stInitial, stInitial)
	for i := 0; i < 50; i++ {
		if _, err := m.TransitionTo(stInitial, ""); err != nil {
			t.Fatalf("self transition %d: %v", i, err)
		}
	}
	if len(m.History()) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(m.History()))
	}
	if m.Metrics().Accepted != 50 {
		t.Fatalf("expected 50 accepted, got %d", m.Metrics().Accepted)
	}
}

func TestDuplicateEdgeIsNoop(t *testing.T) {
	m := setup(t, 5)
	m.AddTransition(stInitial, stProcessing)
	m.AddTransition(stInitial, stProcessing)
	if got := len(m.AllowedFrom(stInitial)); got != 1 {
		t.Fatalf("expected 1 edge, got %d", got)
	}
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	m := setup(t, 100)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.TransitionTo(stProcessing, fmt.Sprintf("worker %d", i))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok, rejected := 0, 0
	for err := range results {
		if err == nil {
			ok++
		} else if captureerr.IsCode(err, captureerr.CodeInvalidState) {
			rejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 9 {
		t.Fatalf("expected 1 success / 9 rejections, got %d / %d", ok, rejected)
	}
	if m.Metrics().Rejected != 9 {
		t.Fatalf("expected 9 rejected, got %d", m.Metrics().Rejected)
	}
}

func TestRestoreAppendsHistory(t *testing.T) {
	m := setup(t, 5)
	tr := m.Restore(stComplete, "restored")
	if tr.From != stInitial || tr.To != stComplete {
		t.Fatalf("unexpected restore record: %+v", tr)
	}
	if m.Current() != stComplete {
		t.Fatalf("expected complete, got %s", m.Current())
	}
	if len(m.History()) != 1 || m.Metrics().Accepted != 1 {
		t.Fatal("restore must record exactly one history entry and one accepted count")
	}
}

func TestClearHistory(t *testing.T) {
	m := setup(t, 5)
	m.TransitionTo(stProcessing, "")
	m.ClearHistory()
	if len(m.History()) != 0 {
		t.Fatal("expected empty history")
	}
	if _, err := m.TransitionTo(stComplete, ""); err != nil {
		t.Fatalf("transition after clear: %v", err)
	}
}

func TestKnown(t *testing.T) {
	m := setup(t, 5)
	if !m.Known(stComplete) || !m.Known(stInitial) {
		t.Fatal("expected graph states to be known")
	}
	if m.Known(testState("unknown")) {
		t.Fatal("unexpected known state")
	}
}

func TestAverageLatencyNonNegative(t *testing.T) {
	m := setup(t, 5)
	m.AddTransition(stComplete, stProcessing)
	for i := 0; i < 20; i++ {
		m.TransitionTo(stProcessing, "")
		m.TransitionTo(stComplete, "")
	}
	if m.Metrics().Accepted != 40 {
		t.Fatalf("expected 40 accepted, got %d", m.Metrics().Accepted)
	}
	if m.Metrics().AverageLatency < 0 {
		t.Fatalf("negative average latency: %v", m.Metrics().AverageLatency)
	}
}

func TestCountersAddUp(t *testing.T) {
	var c counters
	for _, d := range []time.Duration{10, 20, 30} {
		c.record(d)
	}
	if got := time.Duration(c.avgNanos.Load()); got != 20 {
		t.Fatalf("expected average 20ns, got %v", got)
	}
}
