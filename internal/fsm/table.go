package fsm

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// EventStop is fed by the machine's stop flag in addition to any
	// predicate registered for it.
	EventStop = "stop"
	// EventError fires when a hook fails in a state that declares it.
	EventError = "error"
)

var (
	ErrInvalidTable        = errors.New("invalid transition table")
	ErrUndefinedTransition = errors.New("undefined transition")
)

// Edge maps an event to the next state. End marks the terminal transition.
type Edge struct {
	Event string
	Next  string
	End   bool
}

type StateSpec struct {
	Name  string
	Edges []Edge
}

// Table is the declarative authoring contract of a trial-structured task.
// States and their edges are ordered; edge order is the tie-break when
// several events test true in the same cycle.
type Table struct {
	Initial string
	States  []StateSpec
}

func (t Table) state(name string) (StateSpec, bool) {
	for _, s := range t.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateSpec{}, false
}

// Edges returns the ordered edges declared for a state.
func (t Table) Edges(state string) []Edge {
	s, ok := t.state(state)
	if !ok {
		return nil
	}
	return s.Edges
}

func (t Table) Lookup(state, event string) (Edge, bool) {
	for _, e := range t.Edges(state) {
		if e.Event == event {
			return e, true
		}
	}
	return Edge{}, false
}

// Events lists every event referenced by the table in declaration order.
func (t Table) Events() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, s := range t.States {
		for _, e := range s.Edges {
			if seen[e.Event] {
				continue
			}
			seen[e.Event] = true
			out = append(out, e.Event)
		}
	}
	return out
}

// Validate checks the table structure and that every referenced event is
// part of the declared event set.
func Validate(t Table, declared []string) error {
	var problems []string
	if len(t.States) == 0 {
		problems = append(problems, "no states declared")
	}
	names := make(map[string]bool, len(t.States))
	for _, s := range t.States {
		if s.Name == "" {
			problems = append(problems, "state with empty name")
			continue
		}
		if names[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate state %q", s.Name))
		}
		names[s.Name] = true
	}
	if t.Initial == "" {
		problems = append(problems, "initial state is required")
	} else if !names[t.Initial] {
		problems = append(problems, fmt.Sprintf("initial state %q is not declared", t.Initial))
	}

	declaredSet := make(map[string]bool, len(declared))
	for _, e := range declared {
		declaredSet[e] = true
	}
	for _, s := range t.States {
		events := make(map[string]bool, len(s.Edges))
		for _, e := range s.Edges {
			switch {
			case e.Event == "":
				problems = append(problems, fmt.Sprintf("state %q has an edge with empty event", s.Name))
				continue
			case events[e.Event]:
				problems = append(problems, fmt.Sprintf("state %q declares event %q twice", s.Name, e.Event))
			}
			events[e.Event] = true
			if !declaredSet[e.Event] {
				problems = append(problems, fmt.Sprintf("event %q in state %q has no handler", e.Event, s.Name))
			}
			if e.End {
				if e.Next != "" {
					problems = append(problems, fmt.Sprintf("terminal edge %s.%s must not name a next state", s.Name, e.Event))
				}
				continue
			}
			if !names[e.Next] {
				problems = append(problems, fmt.Sprintf("edge %s.%s targets undeclared state %q", s.Name, e.Event, e.Next))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTable, strings.Join(problems, "; "))
	}
	return nil
}
