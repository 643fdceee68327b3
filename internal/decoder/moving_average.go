package decoder

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

// MovingAverageDecoder projects each observation onto a fixed weight vector
// and reports the mean of the last Steps projections as a 1-D state.
type MovingAverageDecoder struct {
	mu     sync.RWMutex
	params model.DecoderParams
	window []float64
	next   int
	filled int
}

func NewMovingAverageDecoder(params model.DecoderParams) (*MovingAverageDecoder, error) {
	if err := validateMovingAverage(params); err != nil {
		return nil, err
	}
	d := &MovingAverageDecoder{params: params.Clone()}
	d.params.VersionedRecord = model.CurrentVersion()
	d.window = make([]float64, params.MovingAverage.Steps)
	return d, nil
}

func validateMovingAverage(params model.DecoderParams) error {
	if params.Kind != model.DecoderMovingAverage || params.MovingAverage == nil {
		return fmt.Errorf("%w: moving average params are required", ErrInvalidParams)
	}
	if err := checkBinLen(params.BinLen); err != nil {
		return err
	}
	p := params.MovingAverage
	if p.Steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidParams, p.Steps)
	}
	if len(p.Weights) == 0 {
		return fmt.Errorf("%w: weights are required", ErrInvalidParams)
	}
	for i, w := range p.Weights {
		if !finite(w) {
			return fmt.Errorf("%w: weight %d is not finite", ErrInvalidParams, i)
		}
	}
	if !finite(p.Offset) || !finite(p.Scale) {
		return fmt.Errorf("%w: offset and scale must be finite", ErrInvalidParams)
	}
	return nil
}

func (d *MovingAverageDecoder) Predict(obs model.Observation) (*mat.VecDense, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.params.MovingAverage
	if err := checkFeatures(obs.Features, len(p.Weights)); err != nil {
		return nil, err
	}
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	value := p.Offset + scale*floats.Dot(p.Weights, obs.Features)
	if !finite(value) {
		return nil, fmt.Errorf("%w: non-finite projection", ErrDecoderFault)
	}

	d.window[d.next] = value
	d.next = (d.next + 1) % len(d.window)
	if d.filled < len(d.window) {
		d.filled++
	}
	return mat.NewVecDense(1, []float64{d.meanLocked()}), nil
}

func (d *MovingAverageDecoder) meanLocked() float64 {
	if d.filled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < d.filled; i++ {
		sum += d.window[i]
	}
	return sum / float64(d.filled)
}

func (d *MovingAverageDecoder) State() *mat.VecDense {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return mat.NewVecDense(1, []float64{d.meanLocked()})
}

func (d *MovingAverageDecoder) Params() model.DecoderParams {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.Clone()
}

// UpdateParams replaces the projection. A change of Steps restarts the
// window.
func (d *MovingAverageDecoder) UpdateParams(params model.DecoderParams) error {
	if err := validateMovingAverage(params); err != nil {
		return err
	}
	next := params.Clone()
	next.VersionedRecord = model.CurrentVersion()

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(next.MovingAverage.Weights) != len(d.params.MovingAverage.Weights) {
		return fmt.Errorf("%w: update changes feature count from %d to %d", ErrInvalidParams, len(d.params.MovingAverage.Weights), len(next.MovingAverage.Weights))
	}
	if next.MovingAverage.Steps != len(d.window) {
		d.window = make([]float64, next.MovingAverage.Steps)
		d.next, d.filled = 0, 0
	}
	d.params = next
	return nil
}

func (d *MovingAverageDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.window)
	d.next, d.filled = 0, 0
}

func (d *MovingAverageDecoder) BinLen() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.BinLen
}
