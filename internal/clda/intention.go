package clda

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/control"
)

// Intention estimates the movement state the subject intended, given the
// previous decoded state and the current target.
type Intention interface {
	Intended(prev, target *mat.VecDense) (*mat.VecDense, error)
}

// FeedbackIntention assumes the subject acts like a feedback controller:
// intended = A*prev + controller(prev, target).
type FeedbackIntention struct {
	A          *mat.Dense
	Controller control.Controller
}

func (f FeedbackIntention) Intended(prev, target *mat.VecDense) (*mat.VecDense, error) {
	if f.A == nil || f.Controller == nil {
		return nil, errors.New("feedback intention requires A and a controller")
	}
	if prev == nil || target == nil {
		return nil, fmt.Errorf("%w: nil state", control.ErrDimension)
	}
	r, c := f.A.Dims()
	if r != c || c != prev.Len() {
		return nil, fmt.Errorf("%w: A is %dx%d, state has %d entries", control.ErrDimension, r, c, prev.Len())
	}
	effect, err := f.Controller.Control(prev, target)
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(r, nil)
	out.MulVec(f.A, prev)
	out.AddVec(out, effect)
	return out, nil
}

// TargetIntention takes the target itself as the intended state.
type TargetIntention struct{}

func (TargetIntention) Intended(_, target *mat.VecDense) (*mat.VecDense, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", control.ErrDimension)
	}
	return mat.VecDenseCopyOf(target), nil
}
