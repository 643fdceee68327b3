package clda

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/decoder"
	"cldarig/internal/model"
	"cldarig/internal/sim"
)

type loopFixture struct {
	loop    *AdaptiveLoop
	dec     *decoder.KalmanDecoder
	learner *Learner
	rule    *gatedRule
}

func newLoopFixture(t *testing.T, batchTime float64) loopFixture {
	t.Helper()
	dec, err := decoder.NewKalmanDecoder(kalmanParams())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	size, err := BatchSize(batchTime, dec.BinLen())
	if err != nil {
		t.Fatalf("batch size: %v", err)
	}
	learner, err := NewLearner(size, TargetIntention{})
	if err != nil {
		t.Fatalf("learner: %v", err)
	}
	rule := newGatedRule()
	updater := startUpdater(t, rule)
	loop, err := NewAdaptiveLoop(LoopConfig{
		Decoder:   dec,
		DecoderID: "dec-1",
		Learner:   learner,
		Updater:   updater,
		BatchTime: batchTime,
		HalfLife:  120,
		Adapt:     true,
	})
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	return loopFixture{loop: loop, dec: dec, learner: learner, rule: rule}
}

func observation(cycle int64) model.Observation {
	return model.Observation{Cycle: cycle, Features: []float64{math.Sin(float64(cycle)), math.Cos(float64(cycle))}}
}

func target(cycle int64) *mat.VecDense {
	return mat.NewVecDense(3, []float64{0, math.Sin(float64(cycle) / 3), 1})
}

// stepUntilApplied keeps cycling until the pending update lands.
func stepUntilApplied(t *testing.T, f loopFixture, cycle *int64) StepResult {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := f.loop.Step(ctx, observation(*cycle), target(*cycle))
		*cycle++
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Applied {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("update never applied")
	return StepResult{}
}

func TestLoopSubmitsExactlyAtBatchSize(t *testing.T) {
	f := newLoopFixture(t, 0.25)
	ctx := context.Background()
	if f.learner.BatchSize() != 3 {
		t.Fatalf("expected ceil(0.25/0.1)=3, got %d", f.learner.BatchSize())
	}

	var cycle int64
	for ; cycle < 2; cycle++ {
		res, err := f.loop.Step(ctx, observation(cycle), target(cycle))
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Submitted || res.Mode != ModeIdle {
			t.Fatalf("cycle %d: submitted too early", cycle)
		}
	}
	res, err := f.loop.Step(ctx, observation(cycle), target(cycle))
	cycle++
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Submitted || res.Seq != 1 || res.Mode != ModeUpdating {
		t.Fatalf("expected submission on the third cycle, got %+v", res)
	}
	if f.learner.Enabled() || f.learner.Len() != 0 {
		t.Fatalf("learner must be drained and disabled after submit: enabled=%v len=%d", f.learner.Enabled(), f.learner.Len())
	}

	// While updating, the learner ignores samples and nothing else is submitted.
	for i := 0; i < 10; i++ {
		res, err := f.loop.Step(ctx, observation(cycle), target(cycle))
		cycle++
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Submitted || res.Applied || res.Mode != ModeUpdating {
			t.Fatalf("unexpected activity while updating: %+v", res)
		}
		if f.learner.Len() != 0 {
			t.Fatalf("learner accepted samples while disabled: %d", f.learner.Len())
		}
	}

	f.rule.release <- struct{}{}
	applied := stepUntilApplied(t, f, &cycle)
	if applied.Seq != 1 || applied.Mode != ModeIdle {
		t.Fatalf("unexpected apply result: %+v", applied)
	}
	if !f.learner.Enabled() {
		t.Fatal("learner must be re-enabled after apply")
	}
	if got := f.dec.Params().Kalman.C.Data[1]; got != 11 {
		t.Fatalf("decoder params not swapped: C[0][1]=%v", got)
	}
}

func TestLoopNeverDoubleApplies(t *testing.T) {
	f := newLoopFixture(t, 0.2)
	for i := 0; i < 5; i++ {
		f.rule.release <- struct{}{}
	}

	var cycle int64
	applied := map[uint64]int{}
	deadline := time.Now().Add(3 * time.Second)
	for f.loop.Stats().Applied < 5 && time.Now().Before(deadline) {
		res, err := f.loop.Step(context.Background(), observation(cycle), target(cycle))
		cycle++
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Applied {
			applied[res.Seq]++
		}
		if f.loop.Outstanding() != 0 && f.loop.Mode() != ModeUpdating {
			t.Fatal("outstanding request while idle")
		}
		time.Sleep(100 * time.Microsecond)
	}
	stats := f.loop.Stats()
	if stats.Applied != 5 {
		t.Fatalf("expected 5 applied updates, got %+v", stats)
	}
	if stats.Submitted < stats.Applied || stats.Dropped != 0 {
		t.Fatalf("inconsistent stats: %+v", stats)
	}
	for seq, n := range applied {
		if n != 1 {
			t.Fatalf("seq %d applied %d times", seq, n)
		}
	}
}

func TestLoopDropsStaleResult(t *testing.T) {
	f := newLoopFixture(t, 0.1)
	ctx := context.Background()
	res, err := f.loop.Step(ctx, observation(0), target(0))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Submitted {
		t.Fatalf("expected immediate submit with batch size 1: %+v", res)
	}

	f.loop.Abandon()
	before := f.dec.Params().Kalman.C.Data[1]
	f.rule.release <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	cycle := int64(1)
	for f.loop.Stats().Dropped == 0 && time.Now().Before(deadline) {
		if _, err := f.loop.Step(ctx, observation(cycle), nil); err != nil {
			t.Fatalf("step: %v", err)
		}
		cycle++
		time.Sleep(time.Millisecond)
	}
	if f.loop.Stats().Dropped != 1 {
		t.Fatalf("expected the abandoned result to be dropped: %+v", f.loop.Stats())
	}
	if got := f.dec.Params().Kalman.C.Data[1]; got != before {
		t.Fatalf("stale result was applied: C[0][1]=%v", got)
	}
}

func TestLoopDecoderFaultSkipsLearner(t *testing.T) {
	f := newLoopFixture(t, 1)
	_, err := f.loop.Step(context.Background(), model.Observation{Cycle: 7, Features: []float64{1}}, target(7))
	if !errors.Is(err, decoder.ErrDecoderFault) {
		t.Fatalf("expected decoder fault, got %v", err)
	}
	if f.learner.Len() != 0 {
		t.Fatalf("learner saw a faulted cycle: %d", f.learner.Len())
	}
	if f.loop.Stats().DecodeFaults != 1 {
		t.Fatalf("fault not counted: %+v", f.loop.Stats())
	}
}

func TestLoopAdaptSwitch(t *testing.T) {
	f := newLoopFixture(t, 0.2)
	ctx := context.Background()
	if err := f.loop.SetAdapt(false); err != nil {
		t.Fatalf("set adapt: %v", err)
	}
	for cycle := int64(0); cycle < 10; cycle++ {
		res, err := f.loop.Step(ctx, observation(cycle), target(cycle))
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if res.Submitted {
			t.Fatal("submitted with adaptation off")
		}
	}
	if f.learner.Len() != 0 {
		t.Fatalf("learner recorded samples with adaptation off: %d", f.learner.Len())
	}
	if err := f.loop.SetAdapt(true); err != nil {
		t.Fatalf("set adapt: %v", err)
	}
	if _, err := f.loop.Step(ctx, observation(10), target(10)); err != nil {
		t.Fatalf("step: %v", err)
	}
	if f.learner.Len() != 1 {
		t.Fatalf("expected learner to resume, len=%d", f.learner.Len())
	}
}

func TestLoopCloseRunsShutdown(t *testing.T) {
	dec, err := decoder.NewKalmanDecoder(kalmanParams())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	calls := 0
	loop, err := NewAdaptiveLoop(LoopConfig{Decoder: dec, Shutdown: func() error { calls++; return nil }})
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("shutdown ran %d times", calls)
	}
	if _, err := loop.Step(context.Background(), observation(0), nil); err == nil {
		t.Fatal("expected step after close to fail")
	}
}

func TestLoopSmoothbatchEndToEnd(t *testing.T) {
	dec, err := decoder.NewKalmanDecoder(kalmanParams())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	learner, err := NewLearner(50, TargetIntention{})
	if err != nil {
		t.Fatalf("learner: %v", err)
	}
	updater := startUpdater(t, Smoothbatch{})
	loop, err := NewAdaptiveLoop(LoopConfig{Decoder: dec, DecoderID: "d", Learner: learner, Updater: updater, BatchTime: 5, HalfLife: 0, Adapt: true})
	if err != nil {
		t.Fatalf("loop: %v", err)
	}

	// Features follow y = [2*vel + 1, -vel + 3] for the intended velocity.
	var cycle int64
	deadline := time.Now().Add(3 * time.Second)
	for loop.Stats().Applied == 0 && time.Now().Before(deadline) {
		tgt := target(cycle)
		vel := tgt.AtVec(1)
		obs := model.Observation{Cycle: cycle, Features: []float64{2*vel + 1, -vel + 3}}
		if _, err := loop.Step(context.Background(), obs, tgt); err != nil {
			t.Fatalf("step: %v", err)
		}
		cycle++
		time.Sleep(100 * time.Microsecond)
	}
	if loop.Stats().Applied != 1 {
		t.Fatalf("expected one applied update: %+v", loop.Stats())
	}
	c, _ := dec.Params().Kalman.C.Dense()
	want := mat.NewDense(2, 3, []float64{0, 2, 1, 0, -1, 3})
	if !mat.EqualApprox(c, want, 1e-6) {
		t.Fatalf("half life 0 must adopt the batch fit:\n%v", mat.Formatted(c))
	}
}

// unitsDecoder is a [pos, vel, 1] Kalman decoder reading the given number
// of units.
func unitsDecoder(t *testing.T, units int) *decoder.KalmanDecoder {
	t.Helper()
	params := kalmanParams()
	c := make([]float64, units*3)
	q := make([]float64, units*units)
	for i := 0; i < units; i++ {
		c[i*3+1] = 0.5
		c[i*3+2] = 1
		q[i*units+i] = 1
	}
	params.Kalman.C = model.Matrix{Rows: units, Cols: 3, Data: c}
	params.Kalman.Q = model.Matrix{Rows: units, Cols: units, Data: q}
	dec, err := decoder.NewKalmanDecoder(params)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return dec
}

func TestLoopFirstFlushFromSimulatedStream(t *testing.T) {
	const units = 8
	encoders := map[string]func(rng *rand.Rand) (sim.Encoder, error){
		"cosenc": func(rng *rand.Rand) (sim.Encoder, error) {
			return sim.NewCosEnc(sim.CosEncOptions{Units: units, ModDepth: 20, Baseline: 10, DT: 0.1, Rand: rng})
		},
		"ppf": func(rng *rand.Rand) (sim.Encoder, error) {
			return sim.NewPointProcessEnsemble(sim.RandomBetas(units, 0.2, 10, 0.1, rng), 0.1, rng)
		},
	}
	cases := []struct {
		batchTime float64
		want      int
	}{
		{batchTime: 0.25, want: 3},
		{batchTime: 0.3, want: 3},
		{batchTime: 0.7, want: 7},
		{batchTime: 1.0, want: 10},
	}

	for name, newEncoder := range encoders {
		for _, tc := range cases {
			rng := rand.New(rand.NewPCG(11, 13))
			enc, err := newEncoder(rng)
			if err != nil {
				t.Fatalf("%s: encoder: %v", name, err)
			}
			dec := unitsDecoder(t, units)
			size, err := BatchSize(tc.batchTime, dec.BinLen())
			if err != nil {
				t.Fatalf("%s batch_time=%v: batch size: %v", name, tc.batchTime, err)
			}
			learner, err := NewLearner(size, TargetIntention{})
			if err != nil {
				t.Fatalf("learner: %v", err)
			}
			rule := newGatedRule()
			rule.release <- struct{}{}
			loop, err := NewAdaptiveLoop(LoopConfig{
				Decoder:   dec,
				DecoderID: "sim",
				Learner:   learner,
				Updater:   startUpdater(t, rule),
				BatchTime: tc.batchTime,
				HalfLife:  120,
				Adapt:     true,
			})
			if err != nil {
				t.Fatalf("loop: %v", err)
			}

			// A fixed target straight to the right.
			tgt := mat.NewVecDense(3, []float64{1, 1, 1})
			flushedAt := 0
			for cycle := int64(0); cycle < 50 && flushedAt == 0; cycle++ {
				features, err := enc.Encode([]float64{1, 0})
				if err != nil {
					t.Fatalf("%s: encode: %v", name, err)
				}
				res, err := loop.Step(context.Background(), model.Observation{Cycle: cycle, Features: features}, tgt)
				if err != nil {
					t.Fatalf("%s cycle %d: step: %v", name, cycle, err)
				}
				if res.Submitted {
					flushedAt = int(cycle) + 1
				} else if learner.Len() != int(cycle)+1 {
					t.Fatalf("%s cycle %d: learner holds %d samples", name, cycle, learner.Len())
				}
			}
			if flushedAt != tc.want {
				t.Fatalf("%s batch_time=%v: first flush after %d samples, want %d", name, tc.batchTime, flushedAt, tc.want)
			}
			if err := loop.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		}
	}
}
