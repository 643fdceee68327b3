package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cldarig/internal/model"
)

// IntentFunc reports what the simulated subject is trying to do in the
// given cycle, e.g. a velocity toward the current target.
type IntentFunc func(cycle int64) ([]float64, error)

// Source produces observations from a simulated subject. It stands where a
// hardware acquisition adapter would in a live session.
type Source struct {
	Encoder Encoder
	Intent  IntentFunc
	Now     func() time.Time
}

func (s *Source) Observe(ctx context.Context, cycle int64) (model.Observation, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Observation{}, false, err
	}
	if s.Encoder == nil || s.Intent == nil {
		return model.Observation{}, false, errors.New("simulated source needs an encoder and an intent")
	}
	u, err := s.Intent(cycle)
	if err != nil {
		return model.Observation{}, false, fmt.Errorf("intent: %w", err)
	}
	features, err := s.Encoder.Encode(u)
	if err != nil {
		return model.Observation{}, false, fmt.Errorf("encode: %w", err)
	}
	if features == nil {
		return model.Observation{}, false, nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return model.Observation{Cycle: cycle, Time: now(), Features: features}, true, nil
}
