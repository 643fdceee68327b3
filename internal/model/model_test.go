package model

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMatrixDenseDoesNotAlias(t *testing.T) {
	m := Matrix{Rows: 2, Cols: 2, Data: []float64{1, 2, 3, 4}}
	d, err := m.Dense()
	if err != nil {
		t.Fatalf("dense: %v", err)
	}
	d.Set(0, 0, 100)
	if m.Data[0] != 1 {
		t.Fatalf("dense must copy wire data, record changed to %v", m.Data[0])
	}
	back := MatrixFrom(d)
	if back.Rows != 2 || back.Cols != 2 || back.Data[0] != 100 || back.Data[3] != 4 {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}

func TestMatrixDenseShapeErrors(t *testing.T) {
	if _, err := (Matrix{}).Dense(); err == nil {
		t.Fatal("expected empty matrix to fail")
	}
	if _, err := (Matrix{Rows: 2, Cols: 2, Data: []float64{1, 2, 3}}).Dense(); err == nil {
		t.Fatal("expected short data to fail")
	}
}

func TestParamsCloneDoesNotAlias(t *testing.T) {
	params := DecoderParams{
		VersionedRecord: CurrentVersion(),
		Kind:            DecoderKalman,
		StateNames:      []string{"x"},
		Kalman: &KalmanParams{
			A:             Matrix{Rows: 1, Cols: 1, Data: []float64{1}},
			C:             Matrix{Rows: 1, Cols: 1, Data: []float64{2}},
			InitState:     []float64{0},
			DrivesNeurons: []bool{true},
		},
	}
	clone := params.Clone()
	clone.StateNames[0] = "y"
	clone.Kalman.C.Data[0] = 9
	clone.Kalman.InitState[0] = 5
	clone.Kalman.DrivesNeurons[0] = false

	if params.StateNames[0] != "x" || params.Kalman.C.Data[0] != 2 || params.Kalman.InitState[0] != 0 || !params.Kalman.DrivesNeurons[0] {
		t.Fatalf("clone aliases the original: %+v", params.Kalman)
	}

	ma := DecoderParams{Kind: DecoderMovingAverage, MovingAverage: &MovingAverageParams{Weights: []float64{1}}}
	maClone := ma.Clone()
	maClone.MovingAverage.Weights[0] = 3
	if ma.MovingAverage.Weights[0] != 1 {
		t.Fatal("moving average clone aliases weights")
	}
}

func TestVecAndValues(t *testing.T) {
	if Vec(nil) != nil {
		t.Fatal("empty slice must give a nil vector")
	}
	src := []float64{1, 2}
	v := Vec(src)
	src[0] = 7
	if v.AtVec(0) != 1 {
		t.Fatal("vector aliases its source slice")
	}
	got := Values(mat.NewVecDense(2, []float64{3, 4}))
	if len(got) != 2 || got[1] != 4 {
		t.Fatalf("unexpected values: %v", got)
	}
	if Values(nil) != nil {
		t.Fatal("nil vector must give nil values")
	}
}
