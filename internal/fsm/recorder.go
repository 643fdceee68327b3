package fsm

import (
	"context"
	"sync"

	"cldarig/internal/model"
)

// LogSink receives the event and state logs of a run, once, at run end.
type LogSink interface {
	SaveLog(ctx context.Context, runID string, events []model.EventRecord, states []model.StateRecord) error
}

// Recorder appends every entered state and every fired event, in order.
// It only observes; transition semantics are untouched.
type Recorder struct {
	runID   string
	sink    LogSink
	exclude map[[2]string]bool

	mu        sync.Mutex
	events    []model.EventRecord
	states    []model.StateRecord
	delivered bool
}

// NewRecorder builds a recorder. Exclude lists (state, event) pairs that are
// not logged. A nil sink keeps the logs in memory only.
func NewRecorder(runID string, sink LogSink, exclude ...[2]string) *Recorder {
	r := &Recorder{runID: runID, sink: sink, exclude: make(map[[2]string]bool, len(exclude))}
	for _, pair := range exclude {
		r.exclude[pair] = true
	}
	return r
}

func (r *Recorder) OnTransition(tr Transition) {
	if r.exclude[[2]string{tr.From, tr.Event}] {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr.Event != "" {
		r.events = append(r.events, model.EventRecord{State: tr.From, Event: tr.Event, At: tr.At})
	}
	r.states = append(r.states, model.StateRecord{State: tr.To, Terminal: tr.End, At: tr.At})
}

func (r *Recorder) OnTerminal(ctx context.Context, _ RunState) error {
	r.mu.Lock()
	if r.delivered || r.sink == nil {
		r.mu.Unlock()
		return nil
	}
	r.delivered = true
	events := append([]model.EventRecord(nil), r.events...)
	states := append([]model.StateRecord(nil), r.states...)
	r.mu.Unlock()
	return r.sink.SaveLog(ctx, r.runID, events, states)
}

func (r *Recorder) Events() []model.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.EventRecord(nil), r.events...)
}

func (r *Recorder) States() []model.StateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StateRecord(nil), r.states...)
}
