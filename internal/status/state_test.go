package status

import (
	"testing"

	"github.com/relayfield/outreach/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Empty {
		t.Errorf("initial state = %s, want EMPTY", m.Current())
	}
}

func TestLoadLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Loading, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// TestRefreshReturnsThroughLoading exercises the stale-while-revalidate hop:
// READY -> LOADING -> READY must be a legal cycle.
func TestRefreshReturnsThroughLoading(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Loading, Ready, Loading, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
}

func TestErrorRecoverable(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Loading, Error, Loading, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(EMPTY -> READY) should fail")
	}
	if m.Current() != Empty {
		t.Errorf("state = %s, want EMPTY (unchanged after invalid transition)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Loading); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindQueueStatusChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindQueueStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Empty || change.To != Loading {
		t.Errorf("change = %v -> %v, want EMPTY -> LOADING", change.From, change.To)
	}
}
