package storage

import (
	"context"
	"errors"
	"fmt"

	"cldarig/internal/model"
)

var ErrNotFound = errors.New("record not found")

// Store persists decoder snapshots, run logs and run reports.
type Store interface {
	Init(ctx context.Context) error
	SaveDecoder(ctx context.Context, record model.DecoderRecord) error
	GetDecoder(ctx context.Context, id string) (model.DecoderRecord, bool, error)
	ListDecoders(ctx context.Context) ([]model.DecoderRecord, error)
	SaveLog(ctx context.Context, runID string, events []model.EventRecord, states []model.StateRecord) error
	GetLog(ctx context.Context, runID string) (model.RunLog, bool, error)
	SaveRunReport(ctx context.Context, report model.RunReport) error
	GetRunReport(ctx context.Context, runID string) (model.RunReport, bool, error)
	ListRunReports(ctx context.Context) ([]model.RunReport, error)
}

// RequireRunReport loads a report and maps absence to ErrNotFound.
func RequireRunReport(ctx context.Context, store Store, runID string) (model.RunReport, error) {
	report, ok, err := store.GetRunReport(ctx, runID)
	if err != nil {
		return model.RunReport{}, err
	}
	if !ok {
		return model.RunReport{}, fmt.Errorf("%w: run report %s", ErrNotFound, runID)
	}
	return report, nil
}

// RequireLog loads a run log and maps absence to ErrNotFound.
func RequireLog(ctx context.Context, store Store, runID string) (model.RunLog, error) {
	log, ok, err := store.GetLog(ctx, runID)
	if err != nil {
		return model.RunLog{}, err
	}
	if !ok {
		return model.RunLog{}, fmt.Errorf("%w: run log %s", ErrNotFound, runID)
	}
	return log, nil
}
