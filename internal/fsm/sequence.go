package fsm

import (
	"context"
	"iter"
	"sync"
)

// Source produces trial specifications on demand. ok=false means the
// sequence is exhausted, which ends the run normally.
type Source[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

// PullSource adapts a push iterator to the pull interface.
type PullSource[T any] struct {
	next func() (T, bool)
	stop func()
}

func FromSeq[T any](seq iter.Seq[T]) *PullSource[T] {
	next, stop := iter.Pull(seq)
	return &PullSource[T]{next: next, stop: stop}
}

func (p *PullSource[T]) Next(ctx context.Context) (T, bool, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, false, err
	}
	item, ok := p.next()
	return item, ok, nil
}

// Close releases the underlying iterator.
func (p *PullSource[T]) Close() {
	p.stop()
}

func FromSlice[T any](items []T) Source[T] {
	items = append([]T(nil), items...)
	i := 0
	return SourceFunc[T](func(context.Context) (T, bool, error) {
		if i >= len(items) {
			var zero T
			return zero, false, nil
		}
		item := items[i]
		i++
		return item, true, nil
	})
}

// Sequence pulls the next trial each time its state is entered.
type Sequence[T any] struct {
	source Source[T]

	mu        sync.Mutex
	current   T
	pulled    int
	exhausted bool
}

func NewSequence[T any](source Source[T]) *Sequence[T] {
	return &Sequence[T]{source: source}
}

// Enter is an Enter hook. Exhaustion is reported as ErrStop.
func (s *Sequence[T]) Enter(ctx context.Context) error {
	item, ok, err := s.source.Next(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.exhausted = true
		return ErrStop
	}
	s.current = item
	s.pulled++
	return nil
}

// Install registers the sequence as the Enter hook of state, running any
// hook already registered there afterwards.
func (s *Sequence[T]) Install(h *Handlers, state string) {
	if h.Enter == nil {
		h.Enter = make(map[string]Hook)
	}
	prev := h.Enter[state]
	h.Enter[state] = func(ctx context.Context) error {
		if err := s.Enter(ctx); err != nil {
			return err
		}
		if prev != nil {
			return prev(ctx)
		}
		return nil
	}
}

func (s *Sequence[T]) Current() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Sequence[T]) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulled
}

func (s *Sequence[T]) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}
