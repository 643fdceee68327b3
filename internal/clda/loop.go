package clda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/decoder"
	"cldarig/internal/model"
)

type LoopMode string

const (
	ModeIdle     LoopMode = "idle"
	ModeUpdating LoopMode = "updating"
)

type LoopConfig struct {
	Decoder   decoder.Decoder
	DecoderID string
	Learner   *Learner
	Updater   *Updater
	BatchTime float64
	HalfLife  float64
	// Adapt turns CLDA on. With it off the loop only decodes.
	Adapt    bool
	Logger   *slog.Logger
	Observer Observer
	// Shutdown stops whatever hosts the updater goroutine.
	Shutdown func() error
}

type StepResult struct {
	Cycle     int64
	Decoded   *mat.VecDense
	Mode      LoopMode
	Submitted bool
	Applied   bool
	Seq       uint64
}

type LoopStats struct {
	Cycles       int64
	Submitted    int64
	Applied      int64
	Refused      int64
	Dropped      int64
	ApplyFailed  int64
	DecodeFaults int64
}

// AdaptiveLoop runs decode, learn and update-apply for one cycle at a time.
// It is driven from a single goroutine; the only thing it shares with the
// updater is the pair of channels.
type AdaptiveLoop struct {
	decoder   decoder.Decoder
	decoderID string
	learner   *Learner
	updater   *Updater
	rho       float64
	logger    *slog.Logger
	observer  Observer
	shutdown  func() error

	mu          sync.Mutex
	adapt       bool
	mode        LoopMode
	seq         uint64
	outstanding uint64
	stats       LoopStats
	closed      bool
}

func NewAdaptiveLoop(cfg LoopConfig) (*AdaptiveLoop, error) {
	if cfg.Decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if cfg.Adapt && (cfg.Learner == nil || cfg.Updater == nil) {
		return nil, errors.New("adaptation requires a learner and an updater")
	}
	rho := 1.0
	if cfg.Adapt {
		var err error
		rho, err = Rho(cfg.BatchTime, cfg.HalfLife)
		if err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &AdaptiveLoop{
		decoder:   cfg.Decoder,
		decoderID: cfg.DecoderID,
		learner:   cfg.Learner,
		updater:   cfg.Updater,
		rho:       rho,
		logger:    logger.With("component", "adaptive_loop"),
		observer:  observer,
		shutdown:  cfg.Shutdown,
		adapt:     cfg.Adapt,
		mode:      ModeIdle,
	}, nil
}

// Step processes one observation. A decoder fault is returned before the
// learner or the updater are touched.
func (l *AdaptiveLoop) Step(ctx context.Context, obs model.Observation, target *mat.VecDense) (StepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return StepResult{}, errors.New("adaptive loop is closed")
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	prev := l.decoder.State()
	decoded, err := l.decoder.Predict(obs)
	if err != nil {
		l.stats.DecodeFaults++
		l.observer.DecodeFault()
		return StepResult{Cycle: obs.Cycle, Mode: l.mode}, fmt.Errorf("cycle %d: %w", obs.Cycle, err)
	}
	l.stats.Cycles++
	result := StepResult{Cycle: obs.Cycle, Decoded: decoded}

	if l.learner != nil && l.adapt && target != nil {
		if err := l.learner.Observe(obs.Features, prev, decoded, mat.VecDenseCopyOf(target)); err != nil {
			return result, fmt.Errorf("cycle %d: learner: %w", obs.Cycle, err)
		}
	}

	if l.updater != nil {
		l.pollLocked(ctx, &result)
	}

	if l.adapt && l.mode == ModeIdle && l.learner.IsFull() {
		l.submitLocked(ctx, &result)
	}

	result.Mode = l.mode
	return result, nil
}

func (l *AdaptiveLoop) pollLocked(ctx context.Context, result *StepResult) {
	select {
	case update := <-l.updater.Results():
		if l.mode != ModeUpdating || update.Seq != l.outstanding || update.DecoderID != l.decoderID {
			l.stats.Dropped++
			l.observer.UpdateDropped()
			l.logger.WarnContext(ctx, "dropping stale parameter update", "seq", update.Seq, "outstanding", l.outstanding, "decoder_id", update.DecoderID)
			return
		}
		if err := l.decoder.UpdateParams(update.Params); err != nil {
			l.stats.ApplyFailed++
			l.observer.UpdateFailed()
			l.logger.ErrorContext(ctx, "rejecting parameter update", "seq", update.Seq, "err", err)
		} else {
			l.stats.Applied++
			l.observer.UpdateApplied()
			result.Applied = true
			result.Seq = update.Seq
			l.logger.DebugContext(ctx, "applied parameter update", "seq", update.Seq, "rule", update.Rule, "elapsed", update.Elapsed)
		}
		l.outstanding = 0
		l.mode = ModeIdle
		if l.adapt {
			l.learner.Enable()
		}
	default:
	}
}

func (l *AdaptiveLoop) submitLocked(ctx context.Context, result *StepResult) {
	batch := l.learner.GetBatch()
	l.seq++
	req := model.UpdateRequest{
		VersionedRecord: model.CurrentVersion(),
		Seq:             l.seq,
		DecoderID:       l.decoderID,
		Rho:             l.rho,
		Batch:           batch,
		Params:          l.decoder.Params(),
	}
	if !l.updater.Submit(req) {
		l.stats.Refused++
		l.logger.WarnContext(ctx, "updater busy, discarding batch", "seq", req.Seq, "batch", batch.Len())
		l.learner.Enable()
		return
	}
	l.learner.Disable()
	l.outstanding = req.Seq
	l.mode = ModeUpdating
	l.stats.Submitted++
	l.observer.UpdateSubmitted()
	result.Submitted = true
	result.Seq = req.Seq
}

// SetAdapt switches adaptation on or off. Turning it off while an update is
// in flight still applies that update when it arrives.
func (l *AdaptiveLoop) SetAdapt(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on && (l.learner == nil || l.updater == nil) {
		return errors.New("adaptation requires a learner and an updater")
	}
	l.adapt = on
	if l.learner == nil {
		return nil
	}
	if !on {
		l.learner.Disable()
	} else if l.mode == ModeIdle {
		l.learner.Enable()
	}
	return nil
}

func (l *AdaptiveLoop) Adapting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adapt
}

func (l *AdaptiveLoop) Mode() LoopMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Outstanding returns the sequence number of the in-flight request, or 0.
func (l *AdaptiveLoop) Outstanding() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

func (l *AdaptiveLoop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *AdaptiveLoop) Decoder() decoder.Decoder {
	return l.decoder
}

// Abandon forgets the in-flight request and restarts batch collection. A
// result for it that arrives later is dropped. Nothing in the loop calls it:
// an update that never comes back leaves the loop updating until the owner
// abandons it or closes the loop.
func (l *AdaptiveLoop) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstanding = 0
	l.mode = ModeIdle
	if l.learner != nil {
		l.learner.Reset()
		if !l.adapt {
			l.learner.Disable()
		}
	}
}

// Close stops the updater host. Further Steps fail.
func (l *AdaptiveLoop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	shutdown := l.shutdown
	l.mu.Unlock()
	if shutdown == nil {
		return nil
	}
	return shutdown()
}
