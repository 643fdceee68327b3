package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// StepClock advances by a fixed step once per machine cycle, which makes
// simulated sessions independent of wall time.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, step: step}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *StepClock) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
}

// RatePacer holds the machine at a fixed cycle rate.
type RatePacer struct {
	ticker *time.Ticker
}

func NewRatePacer(hz float64) (*RatePacer, error) {
	if hz <= 0 {
		return nil, fmt.Errorf("cycle rate must be > 0, got %v", hz)
	}
	return &RatePacer{ticker: time.NewTicker(time.Duration(float64(time.Second) / hz))}, nil
}

func (p *RatePacer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ticker.C:
		return nil
	}
}

func (p *RatePacer) Stop() {
	p.ticker.Stop()
}
