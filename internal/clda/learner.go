package clda

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

// Learner accumulates (intended, decoded, observation) samples until a
// batch is full. While disabled it ignores samples, which keeps a single
// update in flight per decoder.
type Learner struct {
	mu        sync.Mutex
	batchSize int
	intention Intention
	enabled   bool

	intended     [][]float64
	decoded      [][]float64
	observations [][]float64
}

func NewLearner(batchSize int, intention Intention) (*Learner, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if intention == nil {
		return nil, errors.New("intention model is required")
	}
	return &Learner{
		batchSize:    batchSize,
		intention:    intention,
		enabled:      true,
		intended:     make([][]float64, 0, batchSize),
		decoded:      make([][]float64, 0, batchSize),
		observations: make([][]float64, 0, batchSize),
	}, nil
}

// Observe records one sample. Samples are dropped without error while the
// learner is disabled or already full.
func (l *Learner) Observe(features []float64, prev, decoded, target *mat.VecDense) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(l.observations) >= l.batchSize {
		return nil
	}
	intended, err := l.intention.Intended(prev, target)
	if err != nil {
		return fmt.Errorf("intended kinematics: %w", err)
	}
	l.intended = append(l.intended, model.Values(intended))
	l.decoded = append(l.decoded, model.Values(decoded))
	l.observations = append(l.observations, append([]float64(nil), features...))
	return nil
}

func (l *Learner) IsFull() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observations) >= l.batchSize
}

func (l *Learner) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observations)
}

func (l *Learner) BatchSize() int {
	return l.batchSize
}

// GetBatch moves the accumulated samples out and clears the learner.
func (l *Learner) GetBatch() model.Batch {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := model.Batch{
		VersionedRecord: model.CurrentVersion(),
		Intended:        l.intended,
		Decoded:         l.decoded,
		Observations:    l.observations,
	}
	l.intended = make([][]float64, 0, l.batchSize)
	l.decoded = make([][]float64, 0, l.batchSize)
	l.observations = make([][]float64, 0, l.batchSize)
	return batch
}

func (l *Learner) Enable() {
	l.mu.Lock()
	l.enabled = true
	l.mu.Unlock()
}

func (l *Learner) Disable() {
	l.mu.Lock()
	l.enabled = false
	l.mu.Unlock()
}

func (l *Learner) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Reset drops any partial batch and re-enables the learner.
func (l *Learner) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	l.intended = l.intended[:0]
	l.decoded = l.decoded[:0]
	l.observations = l.observations[:0]
}
