package sim

import (
	"iter"
	"math"
	"math/rand/v2"
)

// MinJerk samples the minimum-jerk path from start to end at steps+1
// evenly spaced points, endpoints included.
func MinJerk(start, end []float64, steps int) [][]float64 {
	if steps < 1 {
		steps = 1
	}
	path := make([][]float64, steps+1)
	for k := range path {
		tau := float64(k) / float64(steps)
		s := 10*math.Pow(tau, 3) - 15*math.Pow(tau, 4) + 6*math.Pow(tau, 5)
		point := make([]float64, len(start))
		for i := range point {
			point[i] = start[i] + (end[i]-start[i])*s
		}
		path[k] = point
	}
	return path
}

// CenterOutTargets yields trials of planar targets on a circle of the given
// radius. Each block of n trials visits all n directions once, in random
// order.
func CenterOutTargets(n, trials int, radius float64, rng *rand.Rand) iter.Seq[[]float64] {
	return func(yield func([]float64) bool) {
		if n <= 0 || trials <= 0 {
			return
		}
		if rng == nil {
			rng = rand.New(rand.NewPCG(7, 8))
		}
		emitted := 0
		for emitted < trials {
			for _, k := range rng.Perm(n) {
				if emitted >= trials {
					return
				}
				angle := 2 * math.Pi * float64(k) / float64(n)
				if !yield([]float64{radius * math.Cos(angle), radius * math.Sin(angle)}) {
					return
				}
				emitted++
			}
		}
	}
}
