package decoder

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

var (
	// ErrDecoderFault marks an observation the decoder could not process.
	// The decoder state is unchanged when it is returned.
	ErrDecoderFault  = errors.New("decoder fault")
	ErrInvalidParams = errors.New("invalid decoder params")
)

// Decoder maps one bin of neural features to an estimate of the intended
// movement state. Params are replaced as a whole by UpdateParams; a
// concurrent Predict sees either the old set or the new one.
type Decoder interface {
	Predict(obs model.Observation) (*mat.VecDense, error)
	State() *mat.VecDense
	Params() model.DecoderParams
	UpdateParams(params model.DecoderParams) error
	Reset()
	BinLen() float64
}

// New builds the decoder variant named by params.Kind.
func New(params model.DecoderParams) (Decoder, error) {
	switch params.Kind {
	case model.DecoderKalman:
		return NewKalmanDecoder(params)
	case model.DecoderMovingAverage:
		return NewMovingAverageDecoder(params)
	default:
		return nil, fmt.Errorf("%w: unsupported decoder kind %q", ErrInvalidParams, params.Kind)
	}
}

func checkFeatures(features []float64, want int) error {
	if len(features) != want {
		return fmt.Errorf("%w: observation has %d features, want %d", ErrDecoderFault, len(features), want)
	}
	for i, v := range features {
		if !finite(v) {
			return fmt.Errorf("%w: feature %d is not finite", ErrDecoderFault, i)
		}
	}
	return nil
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if !finite(v.AtVec(i)) {
			return false
		}
	}
	return true
}

func checkBinLen(binLen float64) error {
	if !(binLen > 0) || math.IsInf(binLen, 0) {
		return fmt.Errorf("%w: bin length must be positive, got %v", ErrInvalidParams, binLen)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
