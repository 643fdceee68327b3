package control

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// CursorGoal moves a 2-D cursor toward its target at constant speed, with
// optional Gaussian angular noise clipped to (-pi, pi). It stands in for the
// subject's intent in simulated sessions.
type CursorGoal struct {
	Gain         float64
	AngularNoise float64
	Rand         *rand.Rand
}

func (g CursorGoal) Velocity(target, position []float64) ([]float64, error) {
	if len(target) != 2 || len(position) != 2 {
		return nil, fmt.Errorf("%w: cursor goal expects 2-D positions, got target=%d position=%d", ErrDimension, len(target), len(position))
	}
	dx := target[0] - position[0]
	dy := target[1] - position[1]
	if dx == 0 && dy == 0 {
		return []float64{0, 0}, nil
	}

	noise := 0.0
	if g.AngularNoise > 0 && g.Rand != nil {
		noise = g.Rand.NormFloat64() * g.AngularNoise
		for math.Abs(noise) > math.Pi {
			noise = g.Rand.NormFloat64() * g.AngularNoise
		}
	}
	angle := math.Atan2(dy, dx) + noise
	return []float64{g.Gain * math.Cos(angle), g.Gain * math.Sin(angle)}, nil
}
