package state

import "testing"

func TestMachineStartsNew(t *testing.T) {
	m := NewMachine()
	if m.State() != New {
		t.Fatalf("State() = %v, want New", m.State())
	}
}

func TestMachineFollowsLifecycle(t *testing.T) {
	m := NewMachine()
	steps := []State{Connecting, Open, Ready, Closing, Closed}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition(%v): %v", s, err)
		}
		if m.State() != s {
			t.Fatalf("State() = %v, want %v", m.State(), s)
		}
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(Ready); err == nil {
		t.Fatalf("expected an error transitioning New -> Ready directly")
	}
	if m.State() != New {
		t.Fatalf("State() = %v, want New after rejected transition", m.State())
	}
}

func TestMachineErrorFunnelFromAnyState(t *testing.T) {
	for _, start := range []State{New, Connecting, Open, Ready} {
		m := &Machine{state: start, transitions: DefaultTransitions()}
		if err := m.Transition(Closing); err != nil {
			t.Fatalf("Transition(Closing) from %v: %v", start, err)
		}
	}
}

func TestMachineTransitionIsIdempotentForSameState(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(New); err != nil {
		t.Fatalf("Transition(New) from New: %v", err)
	}
}

func TestMachineHooksFireInOrder(t *testing.T) {
	m := NewMachine()
	var events []string
	m.OnBefore(func(from, to State) { events = append(events, "before:"+from.String()+"->"+to.String()) })
	m.OnAfter(func(from, to State) { events = append(events, "after:"+from.String()+"->"+to.String()) })

	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	want := []string{"before:new->connecting", "after:new->connecting"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestMachineCanTransition(t *testing.T) {
	m := NewMachine()
	if !m.CanTransition(Connecting) {
		t.Fatalf("CanTransition(Connecting) = false from New")
	}
	if m.CanTransition(Ready) {
		t.Fatalf("CanTransition(Ready) = true from New")
	}
}
