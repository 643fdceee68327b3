package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"cldarig/internal/clda"
	"cldarig/internal/config"
	"cldarig/internal/control"
	"cldarig/internal/decoder"
	"cldarig/internal/fsm"
	"cldarig/internal/logging"
	"cldarig/internal/model"
	"cldarig/internal/platform"
	"cldarig/internal/sim"
)

type SessionOptions struct {
	Config config.Session
	// Rig must already be initialized; the session hosts its updater there
	// and persists through its store.
	Rig          *platform.Rig
	LoopObserver clda.Observer
	TaskObserver Observer
	FSMObservers []fsm.Observer
	Sink         CommandSink
	Logger       *slog.Logger
	// Stop, when set, is closed to end the session after the current trial.
	Stop <-chan struct{}
}

// RunSession runs one simulated closed-loop session end to end: it obtains
// a decoder, runs the center-out task with CLDA, and persists the final
// decoder, the event log and the run report. The report is returned even
// when the run itself fails.
func RunSession(ctx context.Context, opts SessionOptions) (model.RunReport, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return model.RunReport{}, err
	}
	if opts.Rig == nil || !opts.Rig.Started() {
		return model.RunReport{}, errors.New("session needs a started rig")
	}
	store := opts.Rig.Store()
	logger := opts.Logger
	if logger == nil {
		logger = opts.Rig.Logger()
	}

	runID := uuid.NewString()
	ctx = logging.WithRun(ctx, runID)
	logger = logger.With("component", "session")
	startedAt := time.Now().UTC()
	report := model.RunReport{
		VersionedRecord: model.CurrentVersion(),
		RunID:           runID,
		Task:            cfg.Task.Name,
		StartedAt:       startedAt,
	}

	seed := cfg.Task.Seed
	streams := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	stream := func() *rand.Rand { return rand.New(rand.NewPCG(streams.Uint64(), streams.Uint64())) }

	binLen := cfg.Decoder.BinLen
	enc, err := newEncoder(cfg.Sim, binLen, stream())
	if err != nil {
		return report, err
	}

	dec, err := sessionDecoder(ctx, opts.Rig, cfg, enc, stream())
	if err != nil {
		return report, err
	}
	decoderID := cfg.Decoder.LoadID
	if decoderID == "" {
		decoderID, err = decoder.Save(ctx, store, dec, fmt.Sprintf("%s-trained", runID))
		if err != nil {
			return report, err
		}
	}
	report.DecoderID = decoderID
	logger.InfoContext(ctx, "decoder ready", "decoder_id", decoderID, "units", dec.Params().Kalman.C.Rows)

	loopCfg := clda.LoopConfig{
		Decoder:   dec,
		DecoderID: decoderID,
		Adapt:     cfg.CLDA.Enabled,
		BatchTime: cfg.CLDA.BatchTime,
		HalfLife:  cfg.CLDA.HalfLife,
		Logger:    logger,
		Observer:  opts.LoopObserver,
	}
	if cfg.CLDA.Enabled {
		rule, err := clda.NewRule(cfg.CLDA.Rule)
		if err != nil {
			return report, err
		}
		updater, err := clda.NewUpdater(rule, clda.UpdaterOptions{Logger: logger, Observer: opts.LoopObserver})
		if err != nil {
			return report, err
		}
		intention, err := NewIntention(binLen)
		if err != nil {
			return report, err
		}
		batchSize, err := clda.BatchSize(cfg.CLDA.BatchTime, binLen)
		if err != nil {
			return report, err
		}
		learner, err := clda.NewLearner(batchSize, intention)
		if err != nil {
			return report, err
		}
		shutdown, err := opts.Rig.Host("clda-updater-"+runID, updater)
		if err != nil {
			return report, fmt.Errorf("host updater: %w", err)
		}
		loopCfg.Learner = learner
		loopCfg.Updater = updater
		loopCfg.Shutdown = shutdown
	}
	loop, err := clda.NewAdaptiveLoop(loopCfg)
	if err != nil {
		if loopCfg.Shutdown != nil {
			_ = loopCfg.Shutdown()
		}
		return report, err
	}
	defer loop.Close()

	var (
		clock fsm.Clock
		pacer fsm.Pacer
	)
	if cfg.Task.CycleHz > 0 {
		ratePacer, err := fsm.NewRatePacer(cfg.Task.CycleHz)
		if err != nil {
			return report, err
		}
		defer ratePacer.Stop()
		clock, pacer = fsm.SystemClock{}, ratePacer
		// Cycles faster than the decoder bins only see a bin every few cycles.
		if every := int(math.Round(cfg.Task.CycleHz * binLen)); every > 1 {
			enc = &sim.DecimatedEncoder{Inner: enc, Every: every}
		}
	} else {
		clock = fsm.NewStepClock(startedAt, seconds(binLen))
	}

	src := &sim.Source{Encoder: enc, Now: clock.Now}
	recorder := fsm.NewRecorder(runID, store)
	targets := fsm.FromSeq(sim.CenterOutTargets(cfg.Task.Targets, cfg.Task.Trials, cfg.Task.Radius, stream()))
	defer targets.Close()

	task, err := NewCenterOut(CenterOutConfig{
		Loop:         loop,
		Source:       src,
		Sink:         opts.Sink,
		Targets:      targets,
		TargetRadius: cfg.Task.TargetRadius,
		WaitTime:     seconds(cfg.Task.WaitTime),
		HoldTime:     seconds(cfg.Task.HoldTime),
		ReachTimeout: seconds(cfg.Task.ReachTimeout),
		RewardTime:   seconds(cfg.Task.RewardTime),
		PenaltyTime:  seconds(cfg.Task.PenaltyTime),
		Clock:        clock,
		Pacer:        pacer,
		Observers:    append([]fsm.Observer{recorder}, opts.FSMObservers...),
		Observer:     opts.TaskObserver,
		Logger:       logger,
	})
	if err != nil {
		return report, err
	}
	src.Intent = task.Intent(control.CursorGoal{Gain: cfg.Sim.Speed, AngularNoise: cfg.Sim.AngularNoise, Rand: stream()})

	select {
	case <-opts.Stop:
		task.Machine().RequestStop()
	default:
	}
	if opts.Stop != nil {
		stopped := make(chan struct{})
		defer close(stopped)
		go func() {
			select {
			case <-opts.Stop:
				task.Machine().RequestStop()
			case <-stopped:
			}
		}()
	}

	logger.InfoContext(ctx, "session started", "trials", cfg.Task.Trials, "clda", cfg.CLDA.Enabled, "rule", cfg.CLDA.Rule, "encoder", cfg.Sim.Encoder)
	runErr := task.Run(ctx)
	if err := loop.Close(); err != nil {
		logger.WarnContext(ctx, "stop updater", "error", err)
	}

	// Persist even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if runErr != nil && !task.Machine().Done() {
		// The recorder only delivers on a terminal edge.
		if err := recorder.OnTerminal(persistCtx, task.Machine().Current()); err != nil {
			logger.WarnContext(ctx, "save run log", "error", err)
		}
	}

	stats := task.Stats()
	loopStats := loop.Stats()
	report.EndedAt = time.Now().UTC()
	report.Cycles = task.Machine().Cycles()
	report.Trials = stats.Trials
	report.Rewards = stats.Rewards
	report.Penalties = stats.Penalties()
	report.UpdatesApplied = int(loopStats.Applied)
	report.DecodeFaults = int(loopStats.DecodeFaults)
	for _, fault := range task.Machine().Faults() {
		report.Faults = append(report.Faults, fault.Error())
	}
	if runErr != nil {
		report.Faults = append(report.Faults, runErr.Error())
	}

	if cfg.CLDA.Enabled && loopStats.Applied > 0 {
		finalID, err := decoder.Save(persistCtx, store, dec, fmt.Sprintf("%s-final", runID))
		if err != nil {
			return report, errors.Join(runErr, err)
		}
		report.FinalDecoderID = finalID
	}
	if err := store.SaveRunReport(persistCtx, report); err != nil {
		return report, errors.Join(runErr, fmt.Errorf("save run report: %w", err))
	}
	logger.InfoContext(ctx, "session finished",
		"trials", report.Trials, "rewards", report.Rewards, "penalties", report.Penalties,
		"updates_applied", report.UpdatesApplied, "decode_faults", report.DecodeFaults, "cycles", report.Cycles)
	return report, runErr
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// newEncoder builds the simulated ensemble. The point-process units are
// scaled so that moving at cfg.Speed along a unit's preferred direction
// raises its rate from Baseline to Baseline+ModDepth.
func newEncoder(cfg config.SimConfig, binLen float64, rng *rand.Rand) (sim.Encoder, error) {
	switch cfg.Encoder {
	case "cos":
		return sim.NewCosEnc(sim.CosEncOptions{
			Units:    cfg.Units,
			ModDepth: cfg.ModDepth,
			Baseline: cfg.Baseline,
			DT:       binLen,
			Rand:     rng,
		})
	case "ppf":
		if !(cfg.Baseline > 0) {
			return nil, fmt.Errorf("point-process encoder needs a positive baseline, got %v", cfg.Baseline)
		}
		modulation := math.Log(1+math.Max(cfg.ModDepth, 0)/cfg.Baseline) / cfg.Speed
		betas := sim.RandomBetas(cfg.Units, modulation, cfg.Baseline, binLen, rng)
		return sim.NewPointProcessEnsemble(betas, binLen, rng)
	default:
		return nil, fmt.Errorf("unknown sim encoder %q", cfg.Encoder)
	}
}

// sessionDecoder loads the configured decoder or trains a fresh one on a
// simulated calibration block.
func sessionDecoder(ctx context.Context, rig *platform.Rig, cfg config.Session, enc sim.Encoder, rng *rand.Rand) (*decoder.KalmanDecoder, error) {
	if id := cfg.Decoder.LoadID; id != "" {
		loaded, err := decoder.Load(ctx, rig.Store(), id)
		if err != nil {
			return nil, err
		}
		kf, ok := loaded.(*decoder.KalmanDecoder)
		if !ok {
			return nil, fmt.Errorf("%w: decoder %s is not a kalman decoder", decoder.ErrInvalidParams, id)
		}
		if names := kf.Params().StateNames; len(names) != stateDim {
			return nil, fmt.Errorf("%w: decoder %s has %d states, the cursor needs %d", decoder.ErrInvalidParams, id, len(names), stateDim)
		}
		return kf, nil
	}
	return TrainDecoder(enc, TrainingOptions{
		BinLen:  cfg.Decoder.BinLen,
		Samples: cfg.Decoder.TrainSamples,
		Radius:  cfg.Task.Radius,
		Targets: cfg.Task.Targets,
		Speed:   cfg.Sim.Speed,
		QJitter: cfg.Decoder.QJitter,
		Rand:    rng,
	})
}
