package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cldarig/internal/model"
)

// MemoryStore keeps records as encoded payloads so that it enforces the
// same version checks as the durable backends.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	decoders    map[string][]byte
	logs        map[string][]byte
	reports     map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.decoders = make(map[string][]byte)
	s.logs = make(map[string][]byte)
	s.reports = make(map[string][]byte)
	return nil
}

var errMemoryNotInitialized = errors.New("store is not initialized")

func (s *MemoryStore) SaveDecoder(_ context.Context, record model.DecoderRecord) error {
	if record.ID == "" {
		return errors.New("decoder id is required")
	}
	if err := CheckDecoderVersion(record); err != nil {
		return fmt.Errorf("save decoder %s: %w", record.ID, err)
	}
	payload, err := EncodeDecoder(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errMemoryNotInitialized
	}
	s.decoders[record.ID] = payload
	return nil
}

func (s *MemoryStore) GetDecoder(_ context.Context, id string) (model.DecoderRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.DecoderRecord{}, false, errMemoryNotInitialized
	}

	payload, ok := s.decoders[id]
	if !ok {
		return model.DecoderRecord{}, false, nil
	}
	record, err := DecodeDecoder(payload)
	if err != nil {
		return model.DecoderRecord{}, false, err
	}
	return record, true, nil
}

func (s *MemoryStore) ListDecoders(_ context.Context) ([]model.DecoderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errMemoryNotInitialized
	}

	out := make([]model.DecoderRecord, 0, len(s.decoders))
	for _, payload := range s.decoders {
		record, err := DecodeDecoder(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveLog(_ context.Context, runID string, events []model.EventRecord, states []model.StateRecord) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	payload, err := EncodeRunLog(newRunLog(runID, events, states))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errMemoryNotInitialized
	}
	s.logs[runID] = payload
	return nil
}

func (s *MemoryStore) GetLog(_ context.Context, runID string) (model.RunLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.RunLog{}, false, errMemoryNotInitialized
	}

	payload, ok := s.logs[runID]
	if !ok {
		return model.RunLog{}, false, nil
	}
	log, err := DecodeRunLog(payload)
	if err != nil {
		return model.RunLog{}, false, err
	}
	return log, true, nil
}

func (s *MemoryStore) SaveRunReport(_ context.Context, report model.RunReport) error {
	if report.RunID == "" {
		return errors.New("run id is required")
	}
	payload, err := EncodeRunReport(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errMemoryNotInitialized
	}
	s.reports[report.RunID] = payload
	return nil
}

func (s *MemoryStore) GetRunReport(_ context.Context, runID string) (model.RunReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.RunReport{}, false, errMemoryNotInitialized
	}

	payload, ok := s.reports[runID]
	if !ok {
		return model.RunReport{}, false, nil
	}
	report, err := DecodeRunReport(payload)
	if err != nil {
		return model.RunReport{}, false, err
	}
	return report, true, nil
}

func (s *MemoryStore) ListRunReports(_ context.Context) ([]model.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errMemoryNotInitialized
	}

	out := make([]model.RunReport, 0, len(s.reports))
	for _, payload := range s.reports {
		report, err := DecodeRunReport(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
