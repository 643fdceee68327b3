package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cldarig/internal/model"
)

var ErrNotFound = errors.New("decoder not found")

// Store is the persistence boundary for decoder records.
type Store interface {
	SaveDecoder(ctx context.Context, record model.DecoderRecord) error
	GetDecoder(ctx context.Context, id string) (model.DecoderRecord, bool, error)
}

// Save stores a snapshot of the decoder params under a fresh id.
func Save(ctx context.Context, store Store, d Decoder, name string) (string, error) {
	if store == nil {
		return "", errors.New("decoder store is required")
	}
	if d == nil {
		return "", errors.New("decoder is required")
	}
	params := d.Params()
	params.VersionedRecord = model.CurrentVersion()
	record := model.DecoderRecord{
		VersionedRecord: model.CurrentVersion(),
		ID:              uuid.NewString(),
		Name:            name,
		CreatedAt:       time.Now().UTC(),
		Params:          params,
	}
	if err := store.SaveDecoder(ctx, record); err != nil {
		return "", fmt.Errorf("save decoder %s: %w", record.ID, err)
	}
	return record.ID, nil
}

// Load rebuilds the decoder variant recorded under id, starting from its
// initial state.
func Load(ctx context.Context, store Store, id string) (Decoder, error) {
	if store == nil {
		return nil, errors.New("decoder store is required")
	}
	record, ok, err := store.GetDecoder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load decoder %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return New(record.Params)
}
