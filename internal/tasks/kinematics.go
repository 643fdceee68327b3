package tasks

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/clda"
	"cldarig/internal/control"
	"cldarig/internal/decoder"
	"cldarig/internal/sim"
)

// Planar cursor state: position, velocity and a constant offset term that
// absorbs baseline firing.
var StateNames = []string{"hand_px", "hand_py", "hand_vx", "hand_vy", "offset"}

const (
	statePX = iota
	statePY
	stateVX
	stateVY
	stateOffset
	stateDim
)

// velocityDecay is the per-bin persistence of velocity in the state model.
const velocityDecay = 0.8

// CursorDynamics returns the state transition and process noise for a bin
// of length dt.
func CursorDynamics(dt float64) (a, w *mat.Dense) {
	a = mat.NewDense(stateDim, stateDim, nil)
	a.Set(statePX, statePX, 1)
	a.Set(statePY, statePY, 1)
	a.Set(statePX, stateVX, dt)
	a.Set(statePY, stateVY, dt)
	a.Set(stateVX, stateVX, velocityDecay)
	a.Set(stateVY, stateVY, velocityDecay)
	a.Set(stateOffset, stateOffset, 1)

	w = mat.NewDense(stateDim, stateDim, nil)
	w.Set(stateVX, stateVX, 1)
	w.Set(stateVY, stateVY, 1)
	return a, w
}

// DrivesNeurons marks the states neural activity is modelled on.
func DrivesNeurons() []bool {
	return []bool{false, false, true, true, true}
}

// TargetState is the kinematic state of resting at pos.
func TargetState(pos []float64) *mat.VecDense {
	v := mat.NewVecDense(stateDim, nil)
	v.SetVec(statePX, pos[0])
	v.SetVec(statePY, pos[1])
	v.SetVec(stateOffset, 1)
	return v
}

// Position reads the cursor position out of a decoded state.
func Position(state mat.Vector) []float64 {
	return []float64{state.AtVec(statePX), state.AtVec(statePY)}
}

func Velocity(state mat.Vector) []float64 {
	return []float64{state.AtVec(stateVX), state.AtVec(stateVY)}
}

// NewIntention models the subject as an LQR controller that drives the
// cursor to the target and stops there.
func NewIntention(dt float64) (clda.FeedbackIntention, error) {
	a, _ := CursorDynamics(dt)
	b := mat.NewDense(stateDim, 2, nil)
	b.Set(stateVX, 0, 1)
	b.Set(stateVY, 1, 1)
	q := mat.NewDense(stateDim, stateDim, nil)
	q.Set(statePX, statePX, 1)
	q.Set(statePY, statePY, 1)
	q.Set(stateVX, stateVX, 0.1)
	q.Set(stateVY, stateVY, 0.1)
	r := mat.NewDense(2, 2, []float64{10, 0, 0, 10})

	controller, err := control.NewLQRController(a, b, q, r, control.LQROptions{})
	if err != nil {
		return clda.FeedbackIntention{}, fmt.Errorf("intention controller: %w", err)
	}
	return clda.FeedbackIntention{A: a, Controller: controller}, nil
}

// TrainingOptions configures the calibration block used to seed a decoder.
type TrainingOptions struct {
	BinLen  float64
	Samples int
	Radius  float64
	Targets int
	Speed   float64
	QJitter float64
	Rand    *rand.Rand
}

// TrainDecoder runs open-loop center-out reaches through enc and fits a
// Kalman decoder to the resulting kinematics and features.
func TrainDecoder(enc sim.Encoder, opts TrainingOptions) (*decoder.KalmanDecoder, error) {
	if enc == nil {
		return nil, errors.New("training needs an encoder")
	}
	if opts.BinLen <= 0 || opts.Samples <= 0 || opts.Radius <= 0 || opts.Targets <= 0 || opts.Speed <= 0 {
		return nil, fmt.Errorf("invalid training options: %+v", opts)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}

	// A min-jerk reach peaks at 1.875x its mean speed.
	steps := max(2, int(math.Ceil(opts.Radius/opts.Speed/opts.BinLen)))
	var kin, features [][]float64
	center := []float64{0, 0}
	for target := range sim.CenterOutTargets(opts.Targets, math.MaxInt, opts.Radius, rng) {
		for _, leg := range [][2][]float64{{center, target}, {target, center}} {
			path := sim.MinJerk(leg[0], leg[1], steps)
			for k := 1; k < len(path); k++ {
				vel := []float64{
					(path[k][0] - path[k-1][0]) / opts.BinLen,
					(path[k][1] - path[k-1][1]) / opts.BinLen,
				}
				counts, err := enc.Encode(vel)
				if err != nil {
					return nil, fmt.Errorf("encode training bin: %w", err)
				}
				if counts == nil {
					continue
				}
				kin = append(kin, []float64{path[k][0], path[k][1], vel[0], vel[1], 1})
				features = append(features, counts)
				if len(kin) == opts.Samples {
					return fitDecoder(kin, features, opts)
				}
			}
		}
	}
	return nil, errors.New("target generator ended before training finished")
}

func fitDecoder(kin, features [][]float64, opts TrainingOptions) (*decoder.KalmanDecoder, error) {
	a, w := CursorDynamics(opts.BinLen)
	dec, err := decoder.NewKalmanFromTraining(kin, features, decoder.TrainOptions{
		BinLen:        opts.BinLen,
		StateNames:    StateNames,
		DrivesNeurons: DrivesNeurons(),
		A:             a,
		W:             w,
	})
	if err != nil {
		return nil, err
	}

	params := dec.Params()
	params.Kalman.InitState[stateOffset] = 1
	for i := 0; i < params.Kalman.Q.Rows; i++ {
		params.Kalman.Q.Data[i*params.Kalman.Q.Cols+i] += opts.QJitter
	}
	if err := dec.UpdateParams(params); err != nil {
		return nil, fmt.Errorf("finalize trained decoder: %w", err)
	}
	dec.Reset()
	return dec, nil
}
