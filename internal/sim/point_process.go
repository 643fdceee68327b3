package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat/distuv"
)

type PointProcessOptions struct {
	Rand *rand.Rand
	// TauSamples are consumed as spike thresholds before any random draw.
	TauSamples []float64
}

// PointProcess simulates a unit with log-linear intensity
// log(lambda*dt) = beta.x. The time-rescaled intensity is integrated since
// the last spike and the unit fires once it reaches an Exp(1) threshold.
type PointProcess struct {
	beta []float64
	dt   float64

	thresholds distuv.Exponential
	tauSamples []float64
	tau        float64
	rates      []float64
}

func NewPointProcess(beta []float64, dt float64, opts PointProcessOptions) (*PointProcess, error) {
	if len(beta) == 0 {
		return nil, errors.New("point process needs at least one coefficient")
	}
	if !(dt > 0) {
		return nil, fmt.Errorf("dt must be positive, got %v", dt)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(3, 4))
	}
	p := &PointProcess{
		beta:       append([]float64(nil), beta...),
		dt:         dt,
		thresholds: distuv.Exponential{Rate: 1, Src: rng},
		tauSamples: append([]float64(nil), opts.TauSamples...),
	}
	p.drawThreshold()
	return p, nil
}

func (p *PointProcess) drawThreshold() {
	if len(p.tauSamples) > 0 {
		p.tau = p.tauSamples[0]
		p.tauSamples = p.tauSamples[1:]
		return
	}
	p.tau = p.thresholds.Rand()
}

// Threshold is the level the integrated intensity must reach for the next spike.
func (p *PointProcess) Threshold() float64 {
	return p.tau
}

// Step feeds one covariate sample and reports whether the unit spiked in
// this bin.
func (p *PointProcess) Step(x []float64) (bool, error) {
	if len(x) != len(p.beta) {
		return false, fmt.Errorf("covariate has %d entries, want %d", len(x), len(p.beta))
	}
	rate := math.Exp(floats.Dot(p.beta, x)) / p.dt
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return false, fmt.Errorf("intensity is not finite for covariate %v", x)
	}
	p.rates = append(p.rates, rate)

	if p.integral() < p.tau {
		return false, nil
	}
	// The spiking bin opens the next interval.
	p.rates = append(p.rates[:0], rate)
	p.drawThreshold()
	return true, nil
}

// integral is the intensity accumulated over the samples since the last
// spike. A single sample spans no time and integrates to zero.
func (p *PointProcess) integral() float64 {
	n := len(p.rates)
	switch {
	case n < 2:
		return 0
	case n == 2:
		return integrate.Trapezoidal(p.grid(n), p.rates)
	default:
		return integrate.Simpsons(p.grid(n), p.rates)
	}
}

func (p *PointProcess) grid(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i) * p.dt
	}
	return xs
}

// PointProcessEnsemble drives independent point-process units from the
// same input, with a constant bias covariate appended.
type PointProcessEnsemble struct {
	units []*PointProcess
}

// NewPointProcessEnsemble builds one unit per row of betas. Each row has one
// coefficient per input dimension plus a trailing bias coefficient.
func NewPointProcessEnsemble(betas [][]float64, dt float64, rng *rand.Rand) (*PointProcessEnsemble, error) {
	if len(betas) == 0 {
		return nil, errors.New("ensemble needs at least one unit")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(5, 6))
	}
	units := make([]*PointProcess, len(betas))
	for i, beta := range betas {
		if len(beta) != len(betas[0]) {
			return nil, fmt.Errorf("unit %d has %d coefficients, want %d", i, len(beta), len(betas[0]))
		}
		unit, err := NewPointProcess(beta, dt, PointProcessOptions{Rand: rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))})
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
		units[i] = unit
	}
	return &PointProcessEnsemble{units: units}, nil
}

// RandomBetas draws tuning coefficients for a planar ensemble: a random
// direction scaled by modulation, plus a log baseline rate bias.
func RandomBetas(units int, modulation, baselineRate, dt float64, rng *rand.Rand) [][]float64 {
	betas := make([][]float64, units)
	bias := math.Log(baselineRate * dt)
	for i := range betas {
		angle := 2 * math.Pi * rng.Float64()
		betas[i] = []float64{modulation * math.Cos(angle), modulation * math.Sin(angle), bias}
	}
	return betas
}

func (e *PointProcessEnsemble) Units() int {
	return len(e.units)
}

func (e *PointProcessEnsemble) Encode(u []float64) ([]float64, error) {
	x := append(append([]float64(nil), u...), 1)
	counts := make([]float64, len(e.units))
	for i, unit := range e.units {
		spiked, err := unit.Step(x)
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
		if spiked {
			counts[i] = 1
		}
	}
	return counts, nil
}
