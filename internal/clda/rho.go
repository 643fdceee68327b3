package clda

import (
	"fmt"
	"math"
)

// batchTolerance absorbs float noise so that batch_time/bin_len values that
// are integers in decimal do not round up.
const batchTolerance = 1e-9

// Rho is the per-batch weight retained by the previous parameters, chosen so
// that old information decays by half every halfLife seconds.
func Rho(batchTime, halfLife float64) (float64, error) {
	if math.IsNaN(batchTime) || batchTime < 0 || math.IsInf(batchTime, 0) {
		return 0, fmt.Errorf("batch time must be finite and non-negative, got %v", batchTime)
	}
	if math.IsNaN(halfLife) || halfLife < 0 {
		return 0, fmt.Errorf("half life must be non-negative, got %v", halfLife)
	}
	switch {
	case math.IsInf(halfLife, 1):
		return 1, nil
	case halfLife == 0:
		return 0, nil
	}
	return math.Pow(0.5, batchTime/halfLife), nil
}

// BatchSize is the number of decoder bins covering batchTime seconds.
func BatchSize(batchTime, binLen float64) (int, error) {
	if !(binLen > 0) || math.IsInf(binLen, 0) {
		return 0, fmt.Errorf("bin length must be positive, got %v", binLen)
	}
	if !(batchTime > 0) || math.IsInf(batchTime, 0) {
		return 0, fmt.Errorf("batch time must be positive, got %v", batchTime)
	}
	n := int(math.Ceil(batchTime/binLen - batchTolerance))
	if n < 1 {
		n = 1
	}
	return n, nil
}
