package config

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

type TaskConfig struct {
	Name         string  `json:"name"`
	Trials       int     `json:"trials"`
	Targets      int     `json:"targets"`
	Radius       float64 `json:"radius"`
	TargetRadius float64 `json:"target_radius"`
	// Times are in seconds.
	WaitTime     float64 `json:"wait_time"`
	HoldTime     float64 `json:"hold_time"`
	ReachTimeout float64 `json:"reach_timeout"`
	RewardTime   float64 `json:"reward_time"`
	PenaltyTime  float64 `json:"penalty_time"`
	// CycleHz paces a live session. Zero runs simulated sessions as fast as
	// possible on a stepped clock.
	CycleHz float64 `json:"cycle_hz"`
	Seed    uint64  `json:"seed"`
}

type DecoderConfig struct {
	Kind   string  `json:"kind"`
	BinLen float64 `json:"bin_len"`
	// LoadID resumes from a stored decoder instead of training a new one.
	LoadID       string `json:"load_id"`
	TrainSamples int    `json:"train_samples"`
	// QJitter is added to the diagonal of the trained observation noise so
	// that silent units do not make it singular.
	QJitter float64 `json:"q_jitter"`
}

type CLDAConfig struct {
	Enabled   bool    `json:"enabled"`
	Rule      string  `json:"rule"`
	BatchTime float64 `json:"batch_time"`
	HalfLife  float64 `json:"half_life"`
}

type SimConfig struct {
	Encoder      string  `json:"encoder"`
	Units        int     `json:"units"`
	ModDepth     float64 `json:"mod_depth"`
	Baseline     float64 `json:"baseline"`
	Speed        float64 `json:"speed"`
	AngularNoise float64 `json:"angular_noise"`
}

type StoreConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

type LogConfig struct {
	Level   string `json:"level"`
	File    string `json:"file"`
	Journal string `json:"journal"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

// Session is the complete configuration of one run.
type Session struct {
	Task    TaskConfig    `json:"task"`
	Decoder DecoderConfig `json:"decoder"`
	CLDA    CLDAConfig    `json:"clda"`
	Sim     SimConfig     `json:"sim"`
	Store   StoreConfig   `json:"store"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

func Default() Session {
	return Session{
		Task: TaskConfig{
			Name:         "center_out",
			Trials:       16,
			Targets:      8,
			Radius:       10,
			TargetRadius: 2,
			WaitTime:     0.5,
			HoldTime:     0.2,
			ReachTimeout: 10,
			RewardTime:   0.5,
			PenaltyTime:  1,
			Seed:         1,
		},
		Decoder: DecoderConfig{
			Kind:         "kalman",
			BinLen:       0.1,
			TrainSamples: 600,
			QJitter:      1e-3,
		},
		CLDA: CLDAConfig{
			Enabled:   true,
			Rule:      "smoothbatch",
			BatchTime: 1,
			HalfLife:  10,
		},
		Sim: SimConfig{
			Encoder:  "cos",
			Units:    25,
			ModDepth: 70,
			Baseline: 10,
			Speed:    5,
		},
		Store: StoreConfig{Backend: "memory"},
		Log:   LogConfig{Level: "info", Journal: "auto"},
	}
}

const schemaSrc = `
task?: close({
	name?:          "center_out"
	trials?:        int & >0
	targets?:       int & >0
	radius?:        number & >0
	target_radius?: number & >0
	wait_time?:     number & >=0
	hold_time?:     number & >=0
	reach_timeout?: number & >0
	reward_time?:   number & >=0
	penalty_time?:  number & >=0
	cycle_hz?:      number & >=0
	seed?:          int & >=0
})
decoder?: close({
	kind?:          "kalman"
	bin_len?:       number & >0
	load_id?:       string
	train_samples?: int & >0
	q_jitter?:      number & >=0
})
clda?: close({
	enabled?:    bool
	rule?:       "smoothbatch" | "rml"
	batch_time?: number & >0
	half_life?:  number & >=0
})
sim?: close({
	encoder?:       "cos" | "ppf"
	units?:         int & >0
	mod_depth?:     number
	baseline?:      number
	speed?:         number & >0
	angular_noise?: number & >=0
})
store?: close({
	backend?: "memory" | "sqlite"
	path?:    string
})
log?: close({
	level?:   "debug" | "info" | "warn" | "error"
	file?:    string
	journal?: "auto" | "on" | "off"
})
metrics?: close({
	addr?: string
})
`

// Load applies the CUE files in order over Default. Each file is checked
// against a closed schema, so unknown keys are errors.
func Load(paths ...string) (Session, error) {
	session := Default()
	if len(paths) == 0 {
		return session, nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return Session{}, fmt.Errorf("compile config schema: %w", err)
	}

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return Session{}, err
		}
		if err := apply(ctx, schema, &session, content, path); err != nil {
			return Session{}, err
		}
	}
	if err := session.Validate(); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Parse applies a single CUE source over Default.
func Parse(src []byte) (Session, error) {
	session := Default()
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return Session{}, fmt.Errorf("compile config schema: %w", err)
	}
	if err := apply(ctx, schema, &session, src, "config.cue"); err != nil {
		return Session{}, err
	}
	if err := session.Validate(); err != nil {
		return Session{}, err
	}
	return session, nil
}

func apply(ctx *cue.Context, schema cue.Value, session *Session, src []byte, filename string) error {
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile %s: %w", filename, err)
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate %s: %w", filename, err)
	}
	if err := unified.Decode(session); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}
	return nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks cross-field constraints the schema cannot express and
// guards sessions built in code.
func (s Session) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.Task.Name == "center_out", "unknown task %q", s.Task.Name)
	check(s.Task.Trials > 0, "task.trials must be > 0")
	check(s.Task.Targets > 0, "task.targets must be > 0")
	check(s.Task.Radius > 0, "task.radius must be > 0")
	check(s.Task.TargetRadius > 0 && s.Task.TargetRadius < s.Task.Radius, "task.target_radius must be in (0, radius)")
	check(s.Task.ReachTimeout > 0, "task.reach_timeout must be > 0")
	check(s.Task.WaitTime >= 0 && s.Task.HoldTime >= 0 && s.Task.RewardTime >= 0 && s.Task.PenaltyTime >= 0, "task times must be >= 0")
	check(s.Task.CycleHz >= 0, "task.cycle_hz must be >= 0")

	// The center-out task drives a planar cursor from the position states
	// of a Kalman decoder.
	check(s.Decoder.Kind == "kalman", "unknown decoder kind %q", s.Decoder.Kind)
	check(s.Decoder.BinLen > 0, "decoder.bin_len must be > 0")
	check(s.Decoder.TrainSamples > 0, "decoder.train_samples must be > 0")
	check(s.Decoder.QJitter >= 0, "decoder.q_jitter must be >= 0")

	if s.CLDA.Enabled {
		check(s.CLDA.Rule == "smoothbatch" || s.CLDA.Rule == "rml", "unknown clda rule %q", s.CLDA.Rule)
		check(s.CLDA.BatchTime > 0, "clda.batch_time must be > 0")
		check(s.CLDA.HalfLife >= 0, "clda.half_life must be >= 0")
	}

	check(s.Sim.Encoder == "cos" || s.Sim.Encoder == "ppf", "unknown sim encoder %q", s.Sim.Encoder)
	check(s.Sim.Units > 0, "sim.units must be > 0")
	check(s.Sim.Speed > 0, "sim.speed must be > 0")

	check(s.Store.Backend == "memory" || s.Store.Backend == "sqlite", "unknown store backend %q", s.Store.Backend)
	check(s.Store.Backend != "sqlite" || s.Store.Path != "", "store.path is required for sqlite")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
