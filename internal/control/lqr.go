package control

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultLQRMaxIter = 1000
	defaultLQREps     = 1e-10
)

// LQROptions selects the horizon of the regulator. Horizon > 0 solves the
// finite-horizon problem with terminal cost Qf; otherwise the infinite
// horizon gain is found by fixed-point iteration.
type LQROptions struct {
	Qf      *mat.Dense
	Horizon int
	MaxIter int
	Eps     float64
}

type LQRSolution struct {
	// Gains holds one gain per step for a finite horizon, or the single
	// converged gain for an infinite horizon.
	Gains      []*mat.Dense
	P          *mat.Dense
	Iterations int
}

// DLQR solves the discrete-time linear-quadratic regulator for
// x[t+1] = A x[t] + B u[t] with state cost Q and input cost R.
func DLQR(a, b, q, r *mat.Dense, opts LQROptions) (LQRSolution, error) {
	if err := checkLQRDims(a, b, q, r, opts.Qf); err != nil {
		return LQRSolution{}, err
	}
	p := mat.DenseCopyOf(q)
	if opts.Qf != nil {
		p = mat.DenseCopyOf(opts.Qf)
	}

	if opts.Horizon > 0 {
		gains := make([]*mat.Dense, opts.Horizon)
		for t := opts.Horizon - 1; t >= 0; t-- {
			k, next, err := riccatiStep(a, b, q, r, p)
			if err != nil {
				return LQRSolution{}, fmt.Errorf("step %d: %w", t, err)
			}
			gains[t] = k
			p = next
		}
		return LQRSolution{Gains: gains, P: p, Iterations: opts.Horizon}, nil
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = defaultLQRMaxIter
	}
	eps := opts.Eps
	if eps <= 0 {
		eps = defaultLQREps
	}

	var prev *mat.Dense
	for i := 0; i < maxIter; i++ {
		k, next, err := riccatiStep(a, b, q, r, p)
		if err != nil {
			return LQRSolution{}, fmt.Errorf("iteration %d: %w", i, err)
		}
		p = next
		if prev != nil {
			var diff mat.Dense
			diff.Sub(k, prev)
			if mat.Norm(&diff, 2) < eps {
				return LQRSolution{Gains: []*mat.Dense{k}, P: p, Iterations: i + 1}, nil
			}
		}
		prev = k
	}
	return LQRSolution{}, fmt.Errorf("%w: riccati recursion did not converge in %d iterations", ErrNumericalInstability, maxIter)
}

// riccatiStep computes K = (R + B'PB)^-1 B'PA and P' = Q + A'PA - A'PBK.
func riccatiStep(a, b, q, r, p *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	var btp mat.Dense
	btp.Mul(b.T(), p)

	var s mat.Dense
	s.Mul(&btp, b)
	s.Add(&s, r)

	var rhs mat.Dense
	rhs.Mul(&btp, a)

	var k mat.Dense
	if err := k.Solve(&s, &rhs); err != nil {
		return nil, nil, fmt.Errorf("%w: R + B'PB is not invertible: %v", ErrNumericalInstability, err)
	}
	if !allFinite(&k) {
		return nil, nil, fmt.Errorf("%w: non-finite gain", ErrNumericalInstability)
	}

	var atp mat.Dense
	atp.Mul(a.T(), p)
	var atpa mat.Dense
	atpa.Mul(&atp, a)
	var atpb mat.Dense
	atpb.Mul(&atp, b)
	var correction mat.Dense
	correction.Mul(&atpb, &k)

	var next mat.Dense
	next.Add(q, &atpa)
	next.Sub(&next, &correction)
	return &k, &next, nil
}

func checkLQRDims(a, b, q, r, qf *mat.Dense) error {
	if a == nil || b == nil || q == nil || r == nil {
		return fmt.Errorf("%w: A, B, Q and R are required", ErrDimension)
	}
	n, nc := a.Dims()
	if n != nc {
		return fmt.Errorf("%w: A must be square, got %dx%d", ErrDimension, n, nc)
	}
	bRows, p := b.Dims()
	if bRows != n {
		return fmt.Errorf("%w: B has %d rows, want %d", ErrDimension, bRows, n)
	}
	if qr, qc := q.Dims(); qr != n || qc != n {
		return fmt.Errorf("%w: Q is %dx%d, want %dx%d", ErrDimension, qr, qc, n, n)
	}
	if rr, rc := r.Dims(); rr != p || rc != p {
		return fmt.Errorf("%w: R is %dx%d, want %dx%d", ErrDimension, rr, rc, p, p)
	}
	if qf != nil {
		if fr, fc := qf.Dims(); fr != n || fc != n {
			return fmt.Errorf("%w: Qf is %dx%d, want %dx%d", ErrDimension, fr, fc, n, n)
		}
	}
	return nil
}

func allFinite(m mat.Matrix) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// NewLQRController builds a linear feedback controller with the infinite
// horizon LQR gain.
func NewLQRController(a, b, q, r *mat.Dense, opts LQROptions) (*LinearFeedbackController, error) {
	opts.Horizon = 0
	sol, err := DLQR(a, b, q, r, opts)
	if err != nil {
		return nil, err
	}
	return NewLinearFeedbackController(b, FixedGain(sol.Gains[0]))
}

// NewFiniteHorizonController builds a controller that walks the finite
// horizon gain sequence from t=0.
func NewFiniteHorizonController(a, b, q, r *mat.Dense, opts LQROptions) (*TimeVaryingController, error) {
	if opts.Horizon <= 0 {
		return nil, fmt.Errorf("finite horizon controller requires horizon > 0, got %d", opts.Horizon)
	}
	sol, err := DLQR(a, b, q, r, opts)
	if err != nil {
		return nil, err
	}
	return &TimeVaryingController{B: b, Gains: sol.Gains}, nil
}
