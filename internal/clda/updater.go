package clda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cldarig/internal/model"
)

// Observer receives adaptation events. internal/metrics implements it.
type Observer interface {
	UpdateSubmitted()
	UpdateApplied()
	UpdateFailed()
	UpdateDropped()
	UpdateDuration(d time.Duration)
	DecodeFault()
}

type nopObserver struct{}

func (nopObserver) UpdateSubmitted()             {}
func (nopObserver) UpdateApplied()               {}
func (nopObserver) UpdateFailed()                {}
func (nopObserver) UpdateDropped()               {}
func (nopObserver) UpdateDuration(time.Duration) {}
func (nopObserver) DecodeFault()                 {}

type UpdaterOptions struct {
	Logger   *slog.Logger
	Observer Observer
}

// Updater recomputes decoder parameters off the real-time path. Requests
// and results travel over channels of capacity one; requests are processed
// strictly one at a time.
type Updater struct {
	rule     UpdateRule
	logger   *slog.Logger
	observer Observer

	requests chan model.UpdateRequest
	results  chan model.ParameterUpdate

	processed atomic.Int64
	failed    atomic.Int64
}

func NewUpdater(rule UpdateRule, opts UpdaterOptions) (*Updater, error) {
	if rule == nil {
		return nil, errors.New("update rule is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Updater{
		rule:     rule,
		logger:   logger.With("component", "clda_updater", "rule", rule.Name()),
		observer: observer,
		requests: make(chan model.UpdateRequest, 1),
		results:  make(chan model.ParameterUpdate, 1),
	}, nil
}

// Submit hands a request to the worker without blocking. It reports false
// when a request is already queued.
func (u *Updater) Submit(req model.UpdateRequest) bool {
	select {
	case u.requests <- req:
		return true
	default:
		return false
	}
}

func (u *Updater) Results() <-chan model.ParameterUpdate {
	return u.results
}

func (u *Updater) Processed() int64 { return u.processed.Load() }
func (u *Updater) Failed() int64    { return u.failed.Load() }

// Run serves requests until ctx is cancelled. A failing or panicking rule
// is logged and counted and publishes nothing; the worker keeps serving.
func (u *Updater) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-u.requests:
			start := time.Now()
			params, err := u.compute(req)
			elapsed := time.Since(start)
			u.observer.UpdateDuration(elapsed)
			if err != nil {
				u.failed.Add(1)
				u.observer.UpdateFailed()
				u.logger.Error("parameter update failed", "seq", req.Seq, "decoder_id", req.DecoderID, "err", err)
				continue
			}
			u.processed.Add(1)
			result := model.ParameterUpdate{
				VersionedRecord: model.CurrentVersion(),
				Seq:             req.Seq,
				DecoderID:       req.DecoderID,
				Rule:            u.rule.Name(),
				Rho:             req.Rho,
				Params:          params,
				Elapsed:         elapsed,
			}
			u.logger.Debug("parameter update computed", "seq", req.Seq, "batch", req.Batch.Len(), "elapsed", elapsed)
			select {
			case u.results <- result:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (u *Updater) compute(req model.UpdateRequest) (params model.DecoderParams, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update rule panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if req.SchemaVersion != model.SchemaVersion || req.CodecVersion != model.CodecVersion {
		return model.DecoderParams{}, fmt.Errorf("request version %d/%d is not supported", req.SchemaVersion, req.CodecVersion)
	}
	return u.rule.Compute(req)
}
