package control

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNumericalInstability = errors.New("numerical instability")
	ErrDimension            = errors.New("dimension mismatch")
	ErrUnknownMode          = errors.New("unknown controller mode")
)

// Controller maps the current and target state to the state-space effect
// of the control input.
type Controller interface {
	Control(current, target *mat.VecDense) (*mat.VecDense, error)
}

type GainFunc func() (*mat.Dense, error)

func FixedGain(f *mat.Dense) GainFunc {
	return func() (*mat.Dense, error) {
		if f == nil {
			return nil, errors.New("gain is nil")
		}
		return f, nil
	}
}

// LinearFeedbackController computes B*F*(target - current).
type LinearFeedbackController struct {
	B    *mat.Dense
	Gain GainFunc
}

func NewLinearFeedbackController(b *mat.Dense, gain GainFunc) (*LinearFeedbackController, error) {
	if b == nil {
		return nil, errors.New("input matrix B is required")
	}
	if gain == nil {
		return nil, errors.New("gain function is required")
	}
	return &LinearFeedbackController{B: b, Gain: gain}, nil
}

func (c *LinearFeedbackController) Control(current, target *mat.VecDense) (*mat.VecDense, error) {
	f, err := c.Gain()
	if err != nil {
		return nil, err
	}
	return feedback(c.B, f, current, target)
}

// MultiModeController keeps one gain per discrete mode label.
type MultiModeController struct {
	B     *mat.Dense
	Gains map[string]*mat.Dense
}

func (c *MultiModeController) ControlMode(current, target *mat.VecDense, mode string) (*mat.VecDense, error) {
	f, ok := c.Gains[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return feedback(c.B, f, current, target)
}

// WithMode pins the controller to one mode.
func (c *MultiModeController) WithMode(mode string) Controller {
	return modeController{parent: c, mode: mode}
}

type modeController struct {
	parent *MultiModeController
	mode   string
}

func (m modeController) Control(current, target *mat.VecDense) (*mat.VecDense, error) {
	return m.parent.ControlMode(current, target, m.mode)
}

// TimeVaryingController steps through a finite-horizon gain sequence, one
// gain per call, and holds the last gain once the horizon is exhausted.
type TimeVaryingController struct {
	B     *mat.Dense
	Gains []*mat.Dense

	mu   sync.Mutex
	step int
}

func (c *TimeVaryingController) Control(current, target *mat.VecDense) (*mat.VecDense, error) {
	if len(c.Gains) == 0 {
		return nil, errors.New("gain sequence is empty")
	}
	c.mu.Lock()
	idx := c.step
	if idx >= len(c.Gains) {
		idx = len(c.Gains) - 1
	}
	c.step++
	c.mu.Unlock()
	return feedback(c.B, c.Gains[idx], current, target)
}

func (c *TimeVaryingController) Reset() {
	c.mu.Lock()
	c.step = 0
	c.mu.Unlock()
}

func feedback(b, f *mat.Dense, current, target *mat.VecDense) (*mat.VecDense, error) {
	if b == nil || f == nil || current == nil || target == nil {
		return nil, fmt.Errorf("%w: nil operand", ErrDimension)
	}
	n := current.Len()
	if target.Len() != n {
		return nil, fmt.Errorf("%w: current=%d target=%d", ErrDimension, n, target.Len())
	}
	bRows, bCols := b.Dims()
	fRows, fCols := f.Dims()
	if bRows != n || fCols != n || fRows != bCols {
		return nil, fmt.Errorf("%w: B=%dx%d F=%dx%d state=%d", ErrDimension, bRows, bCols, fRows, fCols, n)
	}

	diff := mat.NewVecDense(n, nil)
	diff.SubVec(target, current)
	u := mat.NewVecDense(bCols, nil)
	u.MulVec(f, diff)
	out := mat.NewVecDense(n, nil)
	out.MulVec(b, u)
	return out, nil
}
