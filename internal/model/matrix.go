package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MatrixFrom copies any gonum matrix into wire form.
func MatrixFrom(m mat.Matrix) Matrix {
	if m == nil {
		return Matrix{}
	}
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return Matrix{Rows: r, Cols: c, Data: data}
}

// Dense returns a fresh gonum matrix. The wire data is copied, so the
// result never aliases the record.
func (m Matrix) Dense() (*mat.Dense, error) {
	if m.Empty() {
		return nil, fmt.Errorf("matrix is empty")
	}
	if len(m.Data) != m.Rows*m.Cols {
		return nil, fmt.Errorf("matrix shape mismatch: rows=%d cols=%d data=%d", m.Rows, m.Cols, len(m.Data))
	}
	return mat.NewDense(m.Rows, m.Cols, append([]float64(nil), m.Data...)), nil
}

// Vec copies a slice into a new vector.
func Vec(values []float64) *mat.VecDense {
	if len(values) == 0 {
		return nil
	}
	return mat.NewVecDense(len(values), append([]float64(nil), values...))
}

// Values copies a vector into a plain slice.
func Values(v mat.Vector) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
