package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"cldarig/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveDecoder(ctx context.Context, record model.DecoderRecord) error {
	if record.ID == "" {
		return errors.New("decoder id is required")
	}
	if err := CheckDecoderVersion(record); err != nil {
		return fmt.Errorf("save decoder %s: %w", record.ID, err)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeDecoder(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO decoders (id, name, created_at, kind, schema_version, codec_version, params_schema_version, params_codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			created_at = excluded.created_at,
			kind = excluded.kind,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			params_schema_version = excluded.params_schema_version,
			params_codec_version = excluded.params_codec_version,
			payload = excluded.payload
	`, record.ID, record.Name, record.CreatedAt.UnixNano(), string(record.Params.Kind),
		record.SchemaVersion, record.CodecVersion, record.Params.SchemaVersion, record.Params.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetDecoder(ctx context.Context, id string) (model.DecoderRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.DecoderRecord{}, false, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+decoderColumns+` FROM decoders WHERE id = ?`, id)
	record, err := scanDecoder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DecoderRecord{}, false, nil
		}
		return model.DecoderRecord{}, false, err
	}
	return record, true, nil
}

func (s *SQLiteStore) ListDecoders(ctx context.Context) ([]model.DecoderRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT `+decoderColumns+` FROM decoders ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DecoderRecord
	for rows.Next() {
		record, err := scanDecoder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

const decoderColumns = `id, kind, schema_version, codec_version, params_schema_version, params_codec_version, payload`

// scanDecoder decodes one decoders row. The indexed columns must agree with
// the payload they were written from.
func scanDecoder(row interface{ Scan(dest ...any) error }) (model.DecoderRecord, error) {
	var (
		id      string
		kind    string
		header  model.VersionedRecord
		params  model.VersionedRecord
		payload []byte
	)
	if err := row.Scan(&id, &kind, &header.SchemaVersion, &header.CodecVersion, &params.SchemaVersion, &params.CodecVersion, &payload); err != nil {
		return model.DecoderRecord{}, err
	}
	record, err := DecodeDecoder(payload)
	if err != nil {
		return model.DecoderRecord{}, fmt.Errorf("decode decoder %s: %w", id, err)
	}
	if header != record.VersionedRecord || params != record.Params.VersionedRecord {
		return model.DecoderRecord{}, fmt.Errorf("%w: decoder %s row is at schema=%d/%d codec=%d/%d", ErrVersionMismatch, id,
			header.SchemaVersion, params.SchemaVersion, header.CodecVersion, params.CodecVersion)
	}
	if kind != string(record.Params.Kind) {
		return model.DecoderRecord{}, fmt.Errorf("decoder %s row kind %q does not match params kind %q", id, kind, record.Params.Kind)
	}
	return record, nil
}

func (s *SQLiteStore) SaveLog(ctx context.Context, runID string, events []model.EventRecord, states []model.StateRecord) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRunLog(newRunLog(runID, events, states))
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	return err
}

func (s *SQLiteStore) GetLog(ctx context.Context, runID string) (model.RunLog, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunLog{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_logs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunLog{}, false, nil
		}
		return model.RunLog{}, false, err
	}

	log, err := DecodeRunLog(payload)
	if err != nil {
		return model.RunLog{}, false, fmt.Errorf("decode run log %s: %w", runID, err)
	}
	return log, true, nil
}

func (s *SQLiteStore) SaveRunReport(ctx context.Context, report model.RunReport) error {
	if report.RunID == "" {
		return errors.New("run id is required")
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRunReport(report)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, started_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, report.RunID, report.StartedAt.UnixNano(), report.SchemaVersion, report.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRunReport(ctx context.Context, runID string) (model.RunReport, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunReport{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_reports WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunReport{}, false, nil
		}
		return model.RunReport{}, false, err
	}

	report, err := DecodeRunReport(payload)
	if err != nil {
		return model.RunReport{}, false, fmt.Errorf("decode run report %s: %w", runID, err)
	}
	return report, true, nil
}

func (s *SQLiteStore) ListRunReports(ctx context.Context) ([]model.RunReport, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT run_id, payload FROM run_reports ORDER BY started_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunReport
	for rows.Next() {
		var (
			runID   string
			payload []byte
		)
		if err := rows.Scan(&runID, &payload); err != nil {
			return nil, err
		}
		report, err := DecodeRunReport(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run report %s: %w", runID, err)
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS decoders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			params_schema_version INTEGER NOT NULL,
			params_codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_reports (
			run_id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
