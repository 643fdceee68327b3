package tasks

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// MemorySink keeps every command, for tests and short offline runs.
type MemorySink struct {
	mu       sync.Mutex
	commands []Command
}

func (s *MemorySink) Write(_ context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *MemorySink) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// JSONSink streams commands as JSON lines, one per decoded cycle.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Write(_ context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(cmd)
}
