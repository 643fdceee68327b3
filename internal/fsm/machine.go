package fsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStop may be returned by a hook to request a graceful stop. It is not
// recorded as a fault.
var ErrStop = errors.New("stop requested")

// Predicate reports whether an event fires, given the time spent in the
// current state.
type Predicate func(elapsed time.Duration) bool

type Hook func(ctx context.Context) error

// Handlers is the explicit handler table of a task. Enter runs once on the
// first cycle after a state is entered, While and Cycle run every cycle,
// Exit runs before the state is left through a tested event.
type Handlers struct {
	Enter map[string]Hook
	While map[string]Hook
	Exit  map[string]Hook
	Tests map[string]Predicate
	Cycle Hook
}

type RunState struct {
	State     string
	EnteredAt time.Time
}

type Transition struct {
	From  string
	Event string
	To    string
	End   bool
	At    time.Time
}

// Observer is notified of every transition, including the entry into the
// initial state (empty From and Event).
type Observer interface {
	OnTransition(tr Transition)
}

// TerminalObserver is notified once when the machine reaches a terminal edge.
type TerminalObserver interface {
	OnTerminal(ctx context.Context, last RunState) error
}

type Clock interface {
	Now() time.Time
}

// Pacer blocks between cycles to hold the loop at its cycle rate.
type Pacer interface {
	Wait(ctx context.Context) error
}

type Config struct {
	Table    Table
	Handlers Handlers
	// ExternalEvents are events fired from hooks through Fire rather than by
	// a predicate.
	ExternalEvents []string
	Observers      []Observer
	Clock          Clock
	Pacer          Pacer
	Logger         *slog.Logger
}

type Machine struct {
	table     Table
	handlers  Handlers
	observers []Observer
	clock     Clock
	pacer     Pacer
	logger    *slog.Logger

	stop atomic.Bool

	mu      sync.Mutex
	started bool
	done    bool
	changed bool
	current RunState
	cycles  int64
	faults  []error
}

func NewMachine(cfg Config) (*Machine, error) {
	declared := []string{EventStop, EventError}
	declared = append(declared, cfg.ExternalEvents...)
	for event := range cfg.Handlers.Tests {
		declared = append(declared, event)
	}
	if err := Validate(cfg.Table, declared); err != nil {
		return nil, err
	}
	referenced := make(map[string]bool)
	for _, event := range cfg.Table.Events() {
		referenced[event] = true
	}
	for event := range cfg.Handlers.Tests {
		if !referenced[event] {
			return nil, fmt.Errorf("%w: predicate for unknown event %q", ErrInvalidTable, event)
		}
	}
	for _, hooks := range []map[string]Hook{cfg.Handlers.Enter, cfg.Handlers.While, cfg.Handlers.Exit} {
		for state := range hooks {
			if _, ok := cfg.Table.state(state); !ok {
				return nil, fmt.Errorf("%w: hook for unknown state %q", ErrInvalidTable, state)
			}
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		table:     cfg.Table,
		handlers:  cfg.Handlers,
		observers: append([]Observer(nil), cfg.Observers...),
		clock:     clock,
		pacer:     cfg.Pacer,
		logger:    logger,
		current:   RunState{State: cfg.Table.Initial},
	}, nil
}

// RequestStop raises the stop flag read by the stop event. It is safe to
// call from any goroutine.
func (m *Machine) RequestStop() {
	m.stop.Store(true)
}

func (m *Machine) StopRequested() bool {
	return m.stop.Load()
}

func (m *Machine) Current() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) State() string {
	return m.Current().State
}

func (m *Machine) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Machine) Cycles() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

func (m *Machine) Faults() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.faults...)
}

// Fire moves the machine along the current state's edge for event.
func (m *Machine) Fire(event string) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return fmt.Errorf("%w: machine already terminated", ErrUndefinedTransition)
	}
	from := m.current.State
	edge, ok := m.table.Lookup(from, event)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: state=%s event=%s", ErrUndefinedTransition, from, event)
	}
	now := m.clock.Now()
	tr := Transition{From: from, Event: event, To: edge.Next, End: edge.End, At: now}
	if edge.End {
		m.done = true
	} else {
		m.current = RunState{State: edge.Next, EnteredAt: now}
		m.changed = true
	}
	m.mu.Unlock()

	m.logger.Debug("transition", "from", from, "event", event, "to", edge.Next, "end", edge.End)
	m.notify(tr)
	return nil
}

// Run drives the machine until a terminal edge fires or ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("machine already started")
	}
	m.started = true
	now := m.clock.Now()
	m.current = RunState{State: m.table.Initial, EnteredAt: now}
	m.changed = true
	m.mu.Unlock()
	m.notify(Transition{To: m.table.Initial, At: now})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, entered := m.takeChange()
		if entered {
			m.callHook(ctx, "enter", state, m.handlers.Enter[state])
		}
		if m.Done() {
			return m.finish(ctx)
		}
		if m.State() == state {
			m.callHook(ctx, "while", state, m.handlers.While[state])
			m.callHook(ctx, "cycle", state, m.handlers.Cycle)
		}
		if m.Done() {
			return m.finish(ctx)
		}

		if current := m.Current(); current.State == state {
			elapsed := m.clock.Now().Sub(current.EnteredAt)
			for _, edge := range m.table.Edges(state) {
				if !m.test(edge.Event, elapsed) {
					continue
				}
				m.callHook(ctx, "exit", state, m.handlers.Exit[state])
				if m.State() != state || m.Done() {
					break
				}
				if err := m.Fire(edge.Event); err != nil {
					return err
				}
				break
			}
		}
		if m.Done() {
			return m.finish(ctx)
		}

		m.mu.Lock()
		m.cycles++
		m.mu.Unlock()
		if advancer, ok := m.clock.(interface{ Advance() }); ok {
			advancer.Advance()
		}
		if m.pacer != nil {
			if err := m.pacer.Wait(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Machine) takeChange() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.changed
	m.changed = false
	return m.current.State, changed
}

func (m *Machine) test(event string, elapsed time.Duration) bool {
	pred := m.handlers.Tests[event]
	if event == EventStop && m.stop.Load() {
		return true
	}
	if pred == nil {
		return false
	}
	return pred(elapsed)
}

func (m *Machine) callHook(ctx context.Context, kind, state string, hook Hook) {
	if hook == nil {
		return
	}
	err := hook(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrStop) {
		m.RequestStop()
		return
	}

	m.mu.Lock()
	m.faults = append(m.faults, fmt.Errorf("%s hook in state %s: %w", kind, state, err))
	m.mu.Unlock()
	m.logger.Warn("hook failed", "hook", kind, "state", state, "error", err)

	current := m.State()
	if _, ok := m.table.Lookup(current, EventError); ok && !m.Done() {
		if fireErr := m.Fire(EventError); fireErr == nil {
			return
		}
	}
	m.RequestStop()
}

func (m *Machine) notify(tr Transition) {
	for _, obs := range m.observers {
		obs.OnTransition(tr)
	}
}

func (m *Machine) finish(ctx context.Context) error {
	last := m.Current()
	var errs []error
	for _, obs := range m.observers {
		terminal, ok := obs.(TerminalObserver)
		if !ok {
			continue
		}
		if err := terminal.OnTerminal(ctx, last); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("run finished", "state", last.State, "cycles", m.Cycles(), "faults", len(m.Faults()))
	return errors.Join(errs...)
}
