package fsm

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func trialTable() Table {
	return Table{
		Initial: "wait",
		States: []StateSpec{
			{Name: "wait", Edges: []Edge{{Event: "stop", End: true}, {Event: "start_trial", Next: "trial"}}},
			{Name: "trial", Edges: []Edge{{Event: "trial_done", Next: "wait"}}},
		},
	}
}

func TestSequenceExhaustionStopsRun(t *testing.T) {
	seq := NewSequence(FromSlice([]int{7, 8, 9}))
	var seen []int
	handlers := Handlers{
		Enter: map[string]Hook{"trial": func(context.Context) error {
			seen = append(seen, seq.Current())
			return nil
		}},
		Tests: map[string]Predicate{
			"start_trial": func(time.Duration) bool { return true },
			"trial_done":  func(time.Duration) bool { return true },
		},
	}
	seq.Install(&handlers, "wait")

	m, err := NewMachine(Config{Table: trialTable(), Handlers: handlers})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Equal(seen, []int{7, 8, 9}) {
		t.Fatalf("unexpected trials: %v", seen)
	}
	if !seq.Exhausted() || seq.Pulled() != 3 {
		t.Fatalf("expected exhausted sequence after 3 pulls, got pulled=%d", seq.Pulled())
	}
	if len(m.Faults()) != 0 {
		t.Fatalf("exhaustion must not be a fault: %v", m.Faults())
	}
}

func TestSequenceFromSeq(t *testing.T) {
	source := FromSeq(func(yield func(string) bool) {
		for _, s := range []string{"a", "b"} {
			if !yield(s) {
				return
			}
		}
	})
	defer source.Close()

	ctx := context.Background()
	var got []string
	for {
		item, ok, err := source.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, item)
	}
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("unexpected items: %v", got)
	}
}

func TestSequenceSourceErrorIsFault(t *testing.T) {
	boom := errors.New("sequence backend unavailable")
	seq := NewSequence[int](SourceFunc[int](func(context.Context) (int, bool, error) {
		return 0, false, boom
	}))
	handlers := Handlers{}
	seq.Install(&handlers, "wait")
	m, err := NewMachine(Config{Table: trialTable(), Handlers: handlers, ExternalEvents: []string{"start_trial", "trial_done"}})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	faults := m.Faults()
	if len(faults) != 1 || !errors.Is(faults[0], boom) {
		t.Fatalf("expected source error as fault, got %v", faults)
	}
}

func TestValidateTable(t *testing.T) {
	cases := []struct {
		name  string
		table Table
	}{
		{name: "no initial", table: Table{States: []StateSpec{{Name: "a"}}}},
		{name: "undeclared initial", table: Table{Initial: "x", States: []StateSpec{{Name: "a"}}}},
		{name: "duplicate state", table: Table{Initial: "a", States: []StateSpec{{Name: "a"}, {Name: "a"}}}},
		{name: "dangling target", table: Table{Initial: "a", States: []StateSpec{{Name: "a", Edges: []Edge{{Event: "go", Next: "b"}}}}}},
		{name: "duplicate event", table: Table{Initial: "a", States: []StateSpec{{Name: "a", Edges: []Edge{{Event: "go", Next: "a"}, {Event: "go", Next: "a"}}}}}},
		{name: "undeclared event", table: Table{Initial: "a", States: []StateSpec{{Name: "a", Edges: []Edge{{Event: "jump", Next: "a"}}}}}},
		{name: "terminal with target", table: Table{Initial: "a", States: []StateSpec{{Name: "a", Edges: []Edge{{Event: "go", Next: "a", End: true}}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.table, []string{"go", "stop"}); !errors.Is(err, ErrInvalidTable) {
				t.Fatalf("expected invalid table, got %v", err)
			}
		})
	}

	if err := Validate(waitGoTable(), []string{"start", "done", "stop"}); err != nil {
		t.Fatalf("expected valid table: %v", err)
	}
}

func TestValidatedTableIsTotal(t *testing.T) {
	table := trialTable()
	declared := []string{"start_trial", "trial_done", "stop"}
	if err := Validate(table, declared); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, state := range table.States {
		for _, edge := range table.Edges(state.Name) {
			if _, ok := table.Lookup(state.Name, edge.Event); !ok {
				t.Fatalf("state %s lacks target for tested event %s", state.Name, edge.Event)
			}
		}
	}
}

func TestNewMachineRejectsUnknownPredicate(t *testing.T) {
	_, err := NewMachine(Config{
		Table:    waitGoTable(),
		Handlers: Handlers{Tests: map[string]Predicate{"strat": func(time.Duration) bool { return true }}},
	})
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected invalid table for misspelled predicate, got %v", err)
	}
}
