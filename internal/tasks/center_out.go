package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"cldarig/internal/clda"
	"cldarig/internal/control"
	"cldarig/internal/decoder"
	"cldarig/internal/fsm"
	"cldarig/internal/model"
)

const (
	StateWait    = "wait"
	StateTarget  = "target"
	StateHold    = "hold"
	StateReward  = "reward"
	StatePenalty = "penalty"

	EventStartTrial   = "start_trial"
	EventEnterTarget  = "enter_target"
	EventTimeout      = "timeout"
	EventLeaveTarget  = "leave_target"
	EventHoldComplete = "hold_complete"
	EventPostReward   = "post_reward"
	EventPostPenalty  = "post_penalty"
)

// Trial outcomes, as reported to the Observer.
const (
	OutcomeReward      = "reward"
	OutcomeTimeout     = "timeout"
	OutcomeHoldPenalty = "hold_penalty"
	OutcomeFault       = "fault"
)

// CenterOutTable is the trial structure: wait, reach to the target, hold
// inside it, then reward or penalty. Stop is only honored between trials.
func CenterOutTable() fsm.Table {
	return fsm.Table{
		Initial: StateWait,
		States: []fsm.StateSpec{
			{Name: StateWait, Edges: []fsm.Edge{
				{Event: fsm.EventStop, End: true},
				{Event: EventStartTrial, Next: StateTarget},
			}},
			{Name: StateTarget, Edges: []fsm.Edge{
				{Event: EventEnterTarget, Next: StateHold},
				{Event: EventTimeout, Next: StatePenalty},
				{Event: fsm.EventError, Next: StatePenalty},
			}},
			{Name: StateHold, Edges: []fsm.Edge{
				{Event: EventLeaveTarget, Next: StatePenalty},
				{Event: EventHoldComplete, Next: StateReward},
				{Event: fsm.EventError, Next: StatePenalty},
			}},
			{Name: StateReward, Edges: []fsm.Edge{
				{Event: EventPostReward, Next: StateWait},
			}},
			{Name: StatePenalty, Edges: []fsm.Edge{
				{Event: EventPostPenalty, Next: StateWait},
			}},
		},
	}
}

// NeuralSource delivers one bin of features per cycle. ok is false for
// cycles without a new bin.
type NeuralSource interface {
	Observe(ctx context.Context, cycle int64) (obs model.Observation, ok bool, err error)
}

// Command is what the task sends to the actuator each decoded cycle.
type Command struct {
	Cycle    int64     `json:"cycle"`
	State    string    `json:"state"`
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Goal     []float64 `json:"goal"`
}

type CommandSink interface {
	Write(ctx context.Context, cmd Command) error
}

// Observer receives task-level measurements. internal/metrics implements it.
type Observer interface {
	ObserveCycle(d time.Duration)
	TrialFinished(outcome string)
}

type TrialStats struct {
	Trials       int `json:"trials"`
	Rewards      int `json:"rewards"`
	Timeouts     int `json:"timeouts"`
	HoldPenalty  int `json:"hold_penalties"`
	FaultPenalty int `json:"fault_penalties"`
}

func (s TrialStats) Penalties() int {
	return s.Timeouts + s.HoldPenalty + s.FaultPenalty
}

type CenterOutConfig struct {
	Loop    *clda.AdaptiveLoop
	Source  NeuralSource
	Sink    CommandSink
	Targets fsm.Source[[]float64]

	TargetRadius float64
	WaitTime     time.Duration
	HoldTime     time.Duration
	ReachTimeout time.Duration
	RewardTime   time.Duration
	PenaltyTime  time.Duration

	Clock     fsm.Clock
	Pacer     fsm.Pacer
	Observers []fsm.Observer
	Observer  Observer
	Logger    *slog.Logger
}

// CenterOut is the closed-loop BMI center-out task. Every machine cycle it
// pulls a bin from the source, steps the adaptive loop toward the current
// goal and moves the cursor to the decoded position.
type CenterOut struct {
	loop         *clda.AdaptiveLoop
	source       NeuralSource
	sink         CommandSink
	observer     Observer
	logger       *slog.Logger
	targetRadius float64

	machine *fsm.Machine
	targets *fsm.Sequence[[]float64]

	mu     sync.Mutex
	cycle  int64
	cursor []float64
	goal   []float64
	stats  TrialStats
}

func NewCenterOut(cfg CenterOutConfig) (*CenterOut, error) {
	if cfg.Loop == nil || cfg.Source == nil || cfg.Targets == nil {
		return nil, errors.New("center-out task needs a loop, a neural source and targets")
	}
	if cfg.TargetRadius <= 0 {
		return nil, fmt.Errorf("target radius must be > 0, got %v", cfg.TargetRadius)
	}
	if cfg.ReachTimeout <= 0 {
		return nil, fmt.Errorf("reach timeout must be > 0, got %v", cfg.ReachTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &CenterOut{
		loop:         cfg.Loop,
		source:       cfg.Source,
		sink:         cfg.Sink,
		observer:     cfg.Observer,
		logger:       logger.With("component", "center_out"),
		targetRadius: cfg.TargetRadius,
		targets:      fsm.NewSequence(cfg.Targets),
		cursor:       Position(cfg.Loop.Decoder().State()),
		goal:         []float64{0, 0},
	}

	handlers := fsm.Handlers{
		Enter: map[string]fsm.Hook{
			StateTarget:  t.enterTarget,
			StateWait:    t.enterCenter,
			StateReward:  t.enterCenter,
			StatePenalty: t.enterCenter,
		},
		Tests: map[string]fsm.Predicate{
			EventStartTrial:   after(cfg.WaitTime),
			EventEnterTarget:  func(time.Duration) bool { return t.onTarget() },
			EventTimeout:      after(cfg.ReachTimeout),
			EventLeaveTarget:  func(time.Duration) bool { return !t.onTarget() },
			EventHoldComplete: after(cfg.HoldTime),
			EventPostReward:   after(cfg.RewardTime),
			EventPostPenalty:  after(cfg.PenaltyTime),
		},
		Cycle: t.step,
	}
	t.targets.Install(&handlers, StateWait)

	observers := append([]fsm.Observer{t}, cfg.Observers...)
	machine, err := fsm.NewMachine(fsm.Config{
		Table:     CenterOutTable(),
		Handlers:  handlers,
		Observers: observers,
		Clock:     cfg.Clock,
		Pacer:     cfg.Pacer,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	t.machine = machine
	return t, nil
}

func after(d time.Duration) fsm.Predicate {
	return func(elapsed time.Duration) bool { return elapsed >= d }
}

// Run drives trials until the target sequence is exhausted, a stop is
// requested, or ctx is cancelled.
func (t *CenterOut) Run(ctx context.Context) error {
	return t.machine.Run(ctx)
}

func (t *CenterOut) Machine() *fsm.Machine {
	return t.machine
}

func (t *CenterOut) Stats() TrialStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *CenterOut) Cursor() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.cursor...)
}

func (t *CenterOut) Goal() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.goal...)
}

// Intent is the simulated subject: it pushes the cursor toward the current
// goal with the given cursor goal model.
func (t *CenterOut) Intent(goal control.CursorGoal) func(cycle int64) ([]float64, error) {
	return func(int64) ([]float64, error) {
		t.mu.Lock()
		target := append([]float64(nil), t.goal...)
		cursor := append([]float64(nil), t.cursor...)
		t.mu.Unlock()
		return goal.Velocity(target, cursor)
	}
}

// OnTransition tallies trial outcomes.
func (t *CenterOut) OnTransition(tr fsm.Transition) {
	var outcome string
	switch {
	case tr.To == StateReward:
		outcome = OutcomeReward
	case tr.To == StatePenalty && tr.Event == EventTimeout:
		outcome = OutcomeTimeout
	case tr.To == StatePenalty && tr.Event == EventLeaveTarget:
		outcome = OutcomeHoldPenalty
	case tr.To == StatePenalty && tr.Event == fsm.EventError:
		outcome = OutcomeFault
	default:
		return
	}

	t.mu.Lock()
	t.stats.Trials++
	switch outcome {
	case OutcomeReward:
		t.stats.Rewards++
	case OutcomeTimeout:
		t.stats.Timeouts++
	case OutcomeHoldPenalty:
		t.stats.HoldPenalty++
	case OutcomeFault:
		t.stats.FaultPenalty++
	}
	t.mu.Unlock()

	t.logger.Debug("trial finished", "outcome", outcome)
	if t.observer != nil {
		t.observer.TrialFinished(outcome)
	}
}

func (t *CenterOut) enterTarget(context.Context) error {
	target := t.targets.Current()
	if len(target) != 2 {
		return fmt.Errorf("%w: target must be planar, got %d coordinates", control.ErrDimension, len(target))
	}
	t.mu.Lock()
	t.goal = append([]float64(nil), target...)
	t.mu.Unlock()
	return nil
}

func (t *CenterOut) enterCenter(context.Context) error {
	t.mu.Lock()
	t.goal = []float64{0, 0}
	t.mu.Unlock()
	return nil
}

func (t *CenterOut) onTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return math.Hypot(t.cursor[0]-t.goal[0], t.cursor[1]-t.goal[1]) <= t.targetRadius
}

// step is the per-cycle hook. A decoder fault during a reach is returned so
// the machine takes the error edge; between trials it only skips the bin.
func (t *CenterOut) step(ctx context.Context) error {
	start := time.Now()
	t.mu.Lock()
	cycle := t.cycle
	t.cycle++
	goal := append([]float64(nil), t.goal...)
	t.mu.Unlock()

	obs, ok, err := t.source.Observe(ctx, cycle)
	if err != nil {
		return fmt.Errorf("observe cycle %d: %w", cycle, err)
	}
	if !ok {
		return nil
	}

	state := t.machine.State()
	res, err := t.loop.Step(ctx, obs, TargetState(goal))
	if err != nil {
		if errors.Is(err, decoder.ErrDecoderFault) && state != StateTarget && state != StateHold {
			t.logger.Warn("decoder fault between trials", "cycle", cycle, "error", err)
			return nil
		}
		return err
	}

	position := Position(res.Decoded)
	t.mu.Lock()
	t.cursor = position
	t.mu.Unlock()

	if t.sink != nil {
		cmd := Command{Cycle: cycle, State: state, Position: position, Velocity: Velocity(res.Decoded), Goal: goal}
		if err := t.sink.Write(ctx, cmd); err != nil {
			return fmt.Errorf("write command: %w", err)
		}
	}
	if t.observer != nil {
		t.observer.ObserveCycle(time.Since(start))
	}
	return nil
}
