package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Encoder turns the user's intended input into one bin of neural features.
// A nil slice with a nil error means no bin was produced on this call.
type Encoder interface {
	Encode(u []float64) ([]float64, error)
}

type CosEncOptions struct {
	Units    int
	ModDepth float64
	Baseline float64
	DT       float64
	Rand     *rand.Rand
}

func defaultCosEncOptions() CosEncOptions {
	return CosEncOptions{
		Units:    25,
		ModDepth: 14 / 0.2,
		Baseline: 10,
		DT:       0.1,
	}
}

// CosEnc simulates units cosine-tuned to random preferred directions in the
// plane. Each unit fires Poisson counts at rate modDepth*(pd.u) + baseline,
// clipped at zero.
type CosEnc struct {
	pds      [][]float64
	modDepth float64
	baseline float64
	dt       float64
	src      rand.Source
}

func NewCosEnc(opts CosEncOptions) (*CosEnc, error) {
	def := defaultCosEncOptions()
	if opts.Units <= 0 {
		opts.Units = def.Units
	}
	if opts.ModDepth == 0 {
		opts.ModDepth = def.ModDepth
	}
	if opts.DT <= 0 {
		opts.DT = def.DT
	}
	if opts.Baseline < 0 {
		return nil, fmt.Errorf("baseline rate must be non-negative, got %v", opts.Baseline)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}

	pds := make([][]float64, opts.Units)
	for i := range pds {
		angle := 2 * math.Pi * rng.Float64()
		pds[i] = []float64{math.Cos(angle), math.Sin(angle)}
	}
	return &CosEnc{
		pds:      pds,
		modDepth: opts.ModDepth,
		baseline: opts.Baseline,
		dt:       opts.DT,
		src:      rng,
	}, nil
}

func (e *CosEnc) Units() int {
	return len(e.pds)
}

// PreferredDirections returns a copy of the unit tuning directions.
func (e *CosEnc) PreferredDirections() [][]float64 {
	out := make([][]float64, len(e.pds))
	for i, pd := range e.pds {
		out[i] = append([]float64(nil), pd...)
	}
	return out
}

func (e *CosEnc) Rates(u []float64) ([]float64, error) {
	if len(u) != 2 {
		return nil, fmt.Errorf("cosine encoder expects a 2-D input, got %d", len(u))
	}
	rates := make([]float64, len(e.pds))
	for i, pd := range e.pds {
		rates[i] = math.Max(0, e.modDepth*floats.Dot(pd, u)+e.baseline)
	}
	return rates, nil
}

func (e *CosEnc) Encode(u []float64) ([]float64, error) {
	rates, err := e.Rates(u)
	if err != nil {
		return nil, err
	}
	counts := make([]float64, len(rates))
	for i, rate := range rates {
		lambda := rate * e.dt
		if lambda <= 0 {
			continue
		}
		counts[i] = distuv.Poisson{Lambda: lambda, Src: e.src}.Rand()
	}
	return counts, nil
}

// DecimatedEncoder produces a bin on every Every-th call and nothing on the
// calls in between, for tasks that cycle faster than the decoder bins.
type DecimatedEncoder struct {
	Inner Encoder
	Every int

	calls int
}

func (d *DecimatedEncoder) Encode(u []float64) ([]float64, error) {
	if d.Inner == nil {
		return nil, errors.New("decimated encoder has no inner encoder")
	}
	every := d.Every
	if every <= 0 {
		every = 1
	}
	call := d.calls
	d.calls++
	if call%every != 0 {
		return nil, nil
	}
	return d.Inner.Encode(u)
}
