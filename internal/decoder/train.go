package decoder

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

// TrainOptions configures NewKalmanFromTraining. When FitDynamics is false
// A and W must be supplied.
type TrainOptions struct {
	BinLen        float64
	StateNames    []string
	DrivesNeurons []bool
	FitDynamics   bool
	A             *mat.Dense
	W             *mat.Dense
}

// NewKalmanFromTraining fits a Kalman decoder from paired kinematics
// (one row per bin, one column per state) and neural features.
func NewKalmanFromTraining(kin, features [][]float64, opts TrainOptions) (*KalmanDecoder, error) {
	x, err := RowsDense(kin)
	if err != nil {
		return nil, fmt.Errorf("kinematics: %w", err)
	}
	y, err := RowsDense(features)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	samples, n := x.Dims()
	if ys, _ := y.Dims(); ys != samples {
		return nil, fmt.Errorf("%d kinematic rows but %d feature rows", samples, ys)
	}

	c, q, err := FitObservationModel(x, y, opts.DrivesNeurons)
	if err != nil {
		return nil, err
	}

	a, w := opts.A, opts.W
	if opts.FitDynamics {
		a, w, err = fitDynamics(x)
		if err != nil {
			return nil, err
		}
	}
	if a == nil || w == nil {
		return nil, errors.New("state dynamics A and W are required unless FitDynamics is set")
	}

	params := model.DecoderParams{
		VersionedRecord: model.CurrentVersion(),
		Kind:            model.DecoderKalman,
		BinLen:          opts.BinLen,
		StateNames:      append([]string(nil), opts.StateNames...),
		Kalman: &model.KalmanParams{
			A:             model.MatrixFrom(a),
			W:             model.MatrixFrom(w),
			C:             model.MatrixFrom(c),
			Q:             model.MatrixFrom(q),
			InitState:     model.Values(mat.NewVecDense(n, nil)),
			InitCov:       model.MatrixFrom(mat.NewDense(n, n, nil)),
			DrivesNeurons: append([]bool(nil), opts.DrivesNeurons...),
		},
	}
	return NewKalmanDecoder(params)
}

// FitObservationModel solves the least-squares problem Y ~ X C' over the
// state columns selected by drives (all when empty). Unselected columns of
// C are zero. Q is the residual covariance.
func FitObservationModel(x, y *mat.Dense, drives []bool) (*mat.Dense, *mat.Dense, error) {
	samples, n := x.Dims()
	ys, m := y.Dims()
	if ys != samples {
		return nil, nil, fmt.Errorf("%w: %d state rows but %d feature rows", ErrInvalidParams, samples, ys)
	}
	if len(drives) != 0 && len(drives) != n {
		return nil, nil, fmt.Errorf("%w: drives_neurons has %d entries, want %d", ErrInvalidParams, len(drives), n)
	}
	cols := drivingColumns(drives, n)
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("%w: no state drives the observations", ErrInvalidParams)
	}
	if samples < len(cols) {
		return nil, nil, fmt.Errorf("%w: %d samples cannot fit %d states", ErrInvalidParams, samples, len(cols))
	}

	xs := mat.NewDense(samples, len(cols), nil)
	for j, col := range cols {
		for i := 0; i < samples; i++ {
			xs.Set(i, j, x.At(i, col))
		}
	}

	var xtx, xty mat.Dense
	xtx.Mul(xs.T(), xs)
	xty.Mul(xs.T(), y)
	var ct mat.Dense
	if err := ct.Solve(&xtx, &xty); err != nil {
		return nil, nil, fmt.Errorf("%w: state covariance is singular: %v", ErrInvalidParams, err)
	}

	c := mat.NewDense(m, n, nil)
	for j, col := range cols {
		for i := 0; i < m; i++ {
			c.Set(i, col, ct.At(j, i))
		}
	}

	var fitted, resid mat.Dense
	fitted.Mul(xs, &ct)
	resid.Sub(y, &fitted)
	q := mat.NewDense(m, m, nil)
	q.Mul(resid.T(), &resid)
	q.Scale(1/float64(samples), q)
	return c, q, nil
}

func fitDynamics(x *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	samples, n := x.Dims()
	if samples < 2 {
		return nil, nil, fmt.Errorf("%w: need at least 2 samples to fit dynamics", ErrInvalidParams)
	}
	prev := x.Slice(0, samples-1, 0, n)
	next := x.Slice(1, samples, 0, n)

	var ptp, ptn mat.Dense
	ptp.Mul(prev.T(), prev)
	ptn.Mul(prev.T(), next)
	var at mat.Dense
	if err := at.Solve(&ptp, &ptn); err != nil {
		return nil, nil, fmt.Errorf("%w: cannot fit dynamics: %v", ErrInvalidParams, err)
	}

	var fitted, resid mat.Dense
	fitted.Mul(prev, &at)
	resid.Sub(next, &fitted)
	w := mat.NewDense(n, n, nil)
	w.Mul(resid.T(), &resid)
	w.Scale(1/float64(samples-1), w)
	return mat.DenseCopyOf(at.T()), w, nil
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

// RowsDense stacks equal-length rows into a matrix.
func RowsDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("no samples")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), width, data), nil
}
