package clda

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/decoder"
	"cldarig/internal/model"
)

const (
	RuleSmoothbatch = "smoothbatch"
	RuleRML         = "rml"
)

// UpdateRule computes a complete replacement parameter set from one batch.
// It must not touch anything but the request it is handed.
type UpdateRule interface {
	Name() string
	Compute(req model.UpdateRequest) (model.DecoderParams, error)
}

// NewRule resolves a rule by its configured name.
func NewRule(name string) (UpdateRule, error) {
	switch name {
	case RuleSmoothbatch, "":
		return Smoothbatch{}, nil
	case RuleRML:
		return RML{}, nil
	default:
		return nil, fmt.Errorf("unknown update rule %q", name)
	}
}

// Smoothbatch refits the observation model on the batch and blends it with
// the current one: C = rho*C_old + (1-rho)*C_hat, and likewise for Q.
type Smoothbatch struct{}

func (Smoothbatch) Name() string { return RuleSmoothbatch }

func (Smoothbatch) Compute(req model.UpdateRequest) (model.DecoderParams, error) {
	kp, x, y, err := prepare(req)
	if err != nil {
		return model.DecoderParams{}, err
	}
	cHat, qHat, err := decoder.FitObservationModel(x, y, kp.DrivesNeurons)
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("fit observation model: %w", err)
	}
	cOld, err := kp.C.Dense()
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("current C: %w", err)
	}
	qOld, err := kp.Q.Dense()
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("current Q: %w", err)
	}

	out := req.Params.Clone()
	out.VersionedRecord = model.CurrentVersion()
	out.Kalman.C = model.MatrixFrom(blend(req.Rho, cOld, cHat))
	out.Kalman.Q = model.MatrixFrom(blend(req.Rho, qOld, qHat))
	return out, nil
}

// RML keeps decayed sufficient statistics of the observation model in the
// params and solves for C and Q from them after every batch:
// R = sum xx', S = sum yx', T = sum yy', ESS = effective sample count.
type RML struct{}

func (RML) Name() string { return RuleRML }

func (RML) Compute(req model.UpdateRequest) (model.DecoderParams, error) {
	kp, x, y, err := prepare(req)
	if err != nil {
		return model.DecoderParams{}, err
	}
	samples, n := x.Dims()
	_, m := y.Dims()

	var rBatch, sBatch, tBatch mat.Dense
	rBatch.Mul(x.T(), x)
	sBatch.Mul(y.T(), x)
	tBatch.Mul(y.T(), y)

	rStat, err := decayed(req.Rho, kp.R, &rBatch, n, n)
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("R statistic: %w", err)
	}
	sStat, err := decayed(req.Rho, kp.S, &sBatch, m, n)
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("S statistic: %w", err)
	}
	tStat, err := decayed(req.Rho, kp.T, &tBatch, m, m)
	if err != nil {
		return model.DecoderParams{}, fmt.Errorf("T statistic: %w", err)
	}
	ess := float64(samples)
	if !kp.R.Empty() {
		ess += req.Rho * kp.ESS
	}

	cols := drivingColumns(kp.DrivesNeurons, n)
	rSub := mat.NewDense(len(cols), len(cols), nil)
	sSub := mat.NewDense(m, len(cols), nil)
	for j, cj := range cols {
		for i, ci := range cols {
			rSub.Set(i, j, rStat.At(ci, cj))
		}
		for i := 0; i < m; i++ {
			sSub.Set(i, j, sStat.At(i, cj))
		}
	}
	// R is symmetric, so C' solves R C' = S'.
	var ct mat.Dense
	if err := ct.Solve(rSub, sSub.T()); err != nil {
		return model.DecoderParams{}, fmt.Errorf("solve observation model: %w", err)
	}
	c := mat.NewDense(m, n, nil)
	for j, col := range cols {
		for i := 0; i < m; i++ {
			c.Set(i, col, ct.At(j, i))
		}
	}

	var cst mat.Dense
	cst.Mul(c, sStat.T())
	q := mat.NewDense(m, m, nil)
	q.Sub(tStat, &cst)
	q.Scale(1/ess, q)

	out := req.Params.Clone()
	out.VersionedRecord = model.CurrentVersion()
	out.Kalman.C = model.MatrixFrom(c)
	out.Kalman.Q = model.MatrixFrom(q)
	out.Kalman.R = model.MatrixFrom(rStat)
	out.Kalman.S = model.MatrixFrom(sStat)
	out.Kalman.T = model.MatrixFrom(tStat)
	out.Kalman.ESS = ess
	return out, nil
}

func prepare(req model.UpdateRequest) (*model.KalmanParams, *mat.Dense, *mat.Dense, error) {
	if req.Params.Kind != model.DecoderKalman || req.Params.Kalman == nil {
		return nil, nil, nil, fmt.Errorf("%w: update rules need a kalman decoder, got %q", decoder.ErrInvalidParams, req.Params.Kind)
	}
	if req.Rho < 0 || req.Rho > 1 {
		return nil, nil, nil, fmt.Errorf("rho must be within [0, 1], got %v", req.Rho)
	}
	if req.Batch.Len() == 0 {
		return nil, nil, nil, errors.New("batch is empty")
	}
	if len(req.Batch.Intended) != req.Batch.Len() {
		return nil, nil, nil, fmt.Errorf("batch has %d intended rows for %d observations", len(req.Batch.Intended), req.Batch.Len())
	}
	x, err := decoder.RowsDense(req.Batch.Intended)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("intended kinematics: %w", err)
	}
	y, err := decoder.RowsDense(req.Batch.Observations)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("observations: %w", err)
	}
	kp := req.Params.Kalman
	if _, n := x.Dims(); n != kp.A.Rows {
		return nil, nil, nil, fmt.Errorf("%w: intended state has %d entries, decoder has %d", decoder.ErrInvalidParams, n, kp.A.Rows)
	}
	if _, m := y.Dims(); m != kp.C.Rows {
		return nil, nil, nil, fmt.Errorf("%w: observations have %d features, decoder has %d", decoder.ErrInvalidParams, m, kp.C.Rows)
	}
	return kp, x, y, nil
}

func blend(rho float64, old, fresh *mat.Dense) *mat.Dense {
	var a, b mat.Dense
	a.Scale(rho, old)
	b.Scale(1-rho, fresh)
	r, c := old.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(&a, &b)
	return out
}

func decayed(rho float64, prev model.Matrix, batch *mat.Dense, rows, cols int) (*mat.Dense, error) {
	out := mat.DenseCopyOf(batch)
	if prev.Empty() {
		return out, nil
	}
	old, err := prev.Dense()
	if err != nil {
		return nil, err
	}
	if r, c := old.Dims(); r != rows || c != cols {
		return nil, fmt.Errorf("stored statistic is %dx%d, want %dx%d", r, c, rows, cols)
	}
	var scaled mat.Dense
	scaled.Scale(rho, old)
	out.Add(out, &scaled)
	return out, nil
}

func drivingColumns(drives []bool, n int) []int {
	cols := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if len(drives) == 0 || drives[i] {
			cols = append(cols, i)
		}
	}
	return cols
}
