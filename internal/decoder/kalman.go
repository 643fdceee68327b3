package decoder

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

// KalmanDecoder runs one Kalman filter step per observation over the linear
// model x[t+1] = A x[t] + w, y[t] = C x[t] + q with w ~ N(0, W), q ~ N(0, Q).
type KalmanDecoder struct {
	mu     sync.RWMutex
	params model.DecoderParams
	model  kalmanModel
	state  *mat.VecDense
	cov    *mat.Dense
}

type kalmanModel struct {
	a, w, c, q *mat.Dense
	x0         *mat.VecDense
	p0         *mat.Dense
	nStates    int
	nObs       int
}

func NewKalmanDecoder(params model.DecoderParams) (*KalmanDecoder, error) {
	km, err := compileKalman(params)
	if err != nil {
		return nil, err
	}
	d := &KalmanDecoder{params: params.Clone(), model: km}
	d.params.VersionedRecord = model.CurrentVersion()
	d.resetLocked()
	return d, nil
}

func compileKalman(params model.DecoderParams) (kalmanModel, error) {
	if params.Kind != model.DecoderKalman || params.Kalman == nil {
		return kalmanModel{}, fmt.Errorf("%w: kalman params are required", ErrInvalidParams)
	}
	if err := checkBinLen(params.BinLen); err != nil {
		return kalmanModel{}, err
	}
	p := params.Kalman
	dense := func(name string, m model.Matrix) (*mat.Dense, error) {
		d, err := m.Dense()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
		}
		return d, nil
	}
	a, err := dense("A", p.A)
	if err != nil {
		return kalmanModel{}, err
	}
	w, err := dense("W", p.W)
	if err != nil {
		return kalmanModel{}, err
	}
	c, err := dense("C", p.C)
	if err != nil {
		return kalmanModel{}, err
	}
	q, err := dense("Q", p.Q)
	if err != nil {
		return kalmanModel{}, err
	}

	n, nc := a.Dims()
	if n != nc {
		return kalmanModel{}, fmt.Errorf("%w: A must be square, got %dx%d", ErrInvalidParams, n, nc)
	}
	if r, cc := w.Dims(); r != n || cc != n {
		return kalmanModel{}, fmt.Errorf("%w: W is %dx%d, want %dx%d", ErrInvalidParams, r, cc, n, n)
	}
	m, cc := c.Dims()
	if cc != n {
		return kalmanModel{}, fmt.Errorf("%w: C has %d columns, want %d", ErrInvalidParams, cc, n)
	}
	if r, qc := q.Dims(); r != m || qc != m {
		return kalmanModel{}, fmt.Errorf("%w: Q is %dx%d, want %dx%d", ErrInvalidParams, r, qc, m, m)
	}
	if len(p.DrivesNeurons) != 0 && len(p.DrivesNeurons) != n {
		return kalmanModel{}, fmt.Errorf("%w: drives_neurons has %d entries, want %d", ErrInvalidParams, len(p.DrivesNeurons), n)
	}
	if len(params.StateNames) != 0 && len(params.StateNames) != n {
		return kalmanModel{}, fmt.Errorf("%w: %d state names for %d states", ErrInvalidParams, len(params.StateNames), n)
	}

	x0 := mat.NewVecDense(n, nil)
	if len(p.InitState) != 0 {
		if len(p.InitState) != n {
			return kalmanModel{}, fmt.Errorf("%w: init_state has %d entries, want %d", ErrInvalidParams, len(p.InitState), n)
		}
		x0 = model.Vec(p.InitState)
	}
	p0 := mat.NewDense(n, n, nil)
	if !p.InitCov.Empty() {
		p0, err = dense("init_cov", p.InitCov)
		if err != nil {
			return kalmanModel{}, err
		}
		if r, pc := p0.Dims(); r != n || pc != n {
			return kalmanModel{}, fmt.Errorf("%w: init_cov is %dx%d, want %dx%d", ErrInvalidParams, r, pc, n, n)
		}
	}
	for name, m := range map[string]mat.Matrix{"A": a, "W": w, "C": c, "Q": q} {
		if !finiteDense(m) {
			return kalmanModel{}, fmt.Errorf("%w: %s has non-finite entries", ErrInvalidParams, name)
		}
	}

	return kalmanModel{a: a, w: w, c: c, q: q, x0: x0, p0: p0, nStates: n, nObs: m}, nil
}

func (d *KalmanDecoder) Predict(obs model.Observation) (*mat.VecDense, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	km := d.model
	if err := checkFeatures(obs.Features, km.nObs); err != nil {
		return nil, err
	}
	y := model.Vec(obs.Features)

	var xPred mat.VecDense
	xPred.MulVec(km.a, d.state)
	var pPred mat.Dense
	pPred.Product(km.a, d.cov, km.a.T())
	pPred.Add(&pPred, km.w)

	var s mat.Dense
	s.Product(km.c, &pPred, km.c.T())
	s.Add(&s, km.q)
	var cp mat.Dense
	cp.Mul(km.c, &pPred)

	// S is symmetric, so the transposed gain solves S K' = C P.
	var gainT mat.Dense
	if err := gainT.Solve(&s, &cp); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: innovation covariance: %v", ErrDecoderFault, err)
		}
	}

	var predicted mat.VecDense
	predicted.MulVec(km.c, &xPred)
	innovation := mat.NewVecDense(km.nObs, nil)
	innovation.SubVec(y, &predicted)
	var correction mat.VecDense
	correction.MulVec(gainT.T(), innovation)
	next := mat.NewVecDense(km.nStates, nil)
	next.AddVec(&xPred, &correction)
	if !finiteVec(next) {
		return nil, fmt.Errorf("%w: non-finite state estimate", ErrDecoderFault)
	}

	var kc mat.Dense
	kc.Mul(gainT.T(), km.c)
	ikc := identity(km.nStates)
	ikc.Sub(ikc, &kc)
	cov := mat.NewDense(km.nStates, km.nStates, nil)
	cov.Mul(ikc, &pPred)

	d.state = next
	d.cov = cov
	return mat.VecDenseCopyOf(next), nil
}

func (d *KalmanDecoder) State() *mat.VecDense {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return mat.VecDenseCopyOf(d.state)
}

// Covariance returns a copy of the current state error covariance.
func (d *KalmanDecoder) Covariance() *mat.Dense {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return mat.DenseCopyOf(d.cov)
}

func (d *KalmanDecoder) Params() model.DecoderParams {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.Clone()
}

// UpdateParams validates the full replacement set and swaps it in. The
// state estimate and its covariance carry over, so the state and
// observation dimensions must not change.
func (d *KalmanDecoder) UpdateParams(params model.DecoderParams) error {
	km, err := compileKalman(params)
	if err != nil {
		return err
	}
	next := params.Clone()
	next.VersionedRecord = model.CurrentVersion()

	d.mu.Lock()
	defer d.mu.Unlock()
	if km.nStates != d.model.nStates || km.nObs != d.model.nObs {
		return fmt.Errorf("%w: update changes shape from %dx%d to %dx%d", ErrInvalidParams, d.model.nObs, d.model.nStates, km.nObs, km.nStates)
	}
	d.params = next
	d.model = km
	return nil
}

func (d *KalmanDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *KalmanDecoder) resetLocked() {
	d.state = mat.VecDenseCopyOf(d.model.x0)
	d.cov = mat.DenseCopyOf(d.model.p0)
}

func (d *KalmanDecoder) BinLen() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.BinLen
}

func identity(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

func finiteDense(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !finite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}
