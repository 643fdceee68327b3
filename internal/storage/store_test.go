package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cldarig/internal/model"
)

func testDecoderRecord(id string, createdAt time.Time) model.DecoderRecord {
	return model.DecoderRecord{
		VersionedRecord: model.CurrentVersion(),
		ID:              id,
		Name:            "decoder-" + id,
		CreatedAt:       createdAt,
		Params: model.DecoderParams{
			VersionedRecord: model.CurrentVersion(),
			Kind:            model.DecoderMovingAverage,
			BinLen:          0.1,
			MovingAverage:   &model.MovingAverageParams{Steps: 2, Weights: []float64{1, -1}, Scale: 1},
		},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := store.SaveDecoder(ctx, testDecoderRecord("b", base.Add(time.Second))); err != nil {
		t.Fatalf("save decoder: %v", err)
	}
	if err := store.SaveDecoder(ctx, testDecoderRecord("a", base)); err != nil {
		t.Fatalf("save decoder: %v", err)
	}
	loaded, ok, err := store.GetDecoder(ctx, "a")
	if err != nil {
		t.Fatalf("get decoder: %v", err)
	}
	if !ok {
		t.Fatal("expected decoder a")
	}
	if loaded.Params.MovingAverage == nil || loaded.Params.MovingAverage.Weights[1] != -1 {
		t.Fatalf("unexpected decoder loaded: %+v", loaded)
	}
	if _, ok, err := store.GetDecoder(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing decoder, ok=%t err=%v", ok, err)
	}
	decoders, err := store.ListDecoders(ctx)
	if err != nil {
		t.Fatalf("list decoders: %v", err)
	}
	if len(decoders) != 2 || decoders[0].ID != "a" || decoders[1].ID != "b" {
		t.Fatalf("decoders must list oldest first: %+v", decoders)
	}

	events := []model.EventRecord{{State: "wait", Event: "start_trial", At: base}}
	states := []model.StateRecord{{State: "wait", At: base}, {State: "None", Terminal: true, At: base.Add(time.Minute)}}
	if err := store.SaveLog(ctx, "run-1", events, states); err != nil {
		t.Fatalf("save log: %v", err)
	}
	log, err := RequireLog(ctx, store, "run-1")
	if err != nil {
		t.Fatalf("require log: %v", err)
	}
	if len(log.Events) != 1 || len(log.States) != 2 || !log.States[1].Terminal {
		t.Fatalf("unexpected log loaded: %+v", log)
	}
	if _, err := RequireLog(ctx, store, "run-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for i, runID := range []string{"late", "early"} {
		report := model.RunReport{
			VersionedRecord: model.CurrentVersion(),
			RunID:           runID,
			Task:            "center_out",
			StartedAt:       base.Add(time.Duration(1-i) * time.Hour),
			Rewards:         i + 1,
		}
		if err := store.SaveRunReport(ctx, report); err != nil {
			t.Fatalf("save report: %v", err)
		}
	}
	report, err := RequireRunReport(ctx, store, "early")
	if err != nil {
		t.Fatalf("require report: %v", err)
	}
	if report.Rewards != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	reports, err := store.ListRunReports(ctx)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 2 || reports[0].RunID != "early" {
		t.Fatalf("reports must list by start time: %+v", reports)
	}
	if _, err := RequireRunReport(ctx, store, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveDecoder(context.Background(), testDecoderRecord("x", time.Now())); err == nil {
		t.Fatal("expected save before init to fail")
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cldarig.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cldarig.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveDecoder(ctx, testDecoderRecord("kept", time.Now().UTC())); err != nil {
		t.Fatalf("save decoder: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	if _, ok, err := second.GetDecoder(ctx, "kept"); err != nil || !ok {
		t.Fatalf("expected decoder after reopen, ok=%t err=%v", ok, err)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	record := testDecoderRecord("v", time.Now())
	record.SchemaVersion = CurrentSchemaVersion + 1
	payload, err := EncodeDecoder(record)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeDecoder(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	record = testDecoderRecord("p", time.Now())
	record.Params.CodecVersion = CurrentCodecVersion + 1
	payload, err = EncodeDecoder(record)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeDecoder(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected params version mismatch, got %v", err)
	}

	payload, err = EncodeRunReport(model.RunReport{RunID: "r"})
	if err != nil {
		t.Fatalf("encode report: %v", err)
	}
	if _, err := DecodeRunReport(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected zero version to be rejected, got %v", err)
	}
}

func TestSaveDecoderRejectsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	if err := memory.Init(ctx); err != nil {
		t.Fatalf("init memory: %v", err)
	}
	sqlite := NewSQLiteStore(filepath.Join(t.TempDir(), "cldarig.db"))
	if err := sqlite.Init(ctx); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlite.Close()
	})

	for _, store := range []Store{memory, sqlite} {
		stale := testDecoderRecord("stale", time.Now().UTC())
		stale.Params.SchemaVersion = CurrentSchemaVersion + 1
		if err := store.SaveDecoder(ctx, stale); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("%T: expected params version mismatch, got %v", store, err)
		}
		unversioned := testDecoderRecord("zero", time.Now().UTC())
		unversioned.VersionedRecord = model.VersionedRecord{}
		if err := store.SaveDecoder(ctx, unversioned); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("%T: expected record version mismatch, got %v", store, err)
		}
		if _, ok, err := store.GetDecoder(ctx, "stale"); err != nil || ok {
			t.Fatalf("%T: rejected decoder was stored, ok=%t err=%v", store, ok, err)
		}
	}
}

func TestSQLiteDecoderRowMustMatchPayload(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "cldarig.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	for _, id := range []string{"versioned", "kinded"} {
		if err := store.SaveDecoder(ctx, testDecoderRecord(id, time.Now().UTC())); err != nil {
			t.Fatalf("save decoder: %v", err)
		}
	}
	if _, ok, err := store.GetDecoder(ctx, "versioned"); err != nil || !ok {
		t.Fatalf("expected clean row to load, ok=%t err=%v", ok, err)
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE decoders SET params_schema_version = ? WHERE id = ?`, CurrentSchemaVersion+1, "versioned"); err != nil {
		t.Fatalf("bump row version: %v", err)
	}
	if _, _, err := store.GetDecoder(ctx, "versioned"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected row version mismatch, got %v", err)
	}
	if _, err := store.ListDecoders(ctx); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected list to surface the mismatch, got %v", err)
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE decoders SET kind = ? WHERE id = ?`, string(model.DecoderKalman), "kinded"); err != nil {
		t.Fatalf("change row kind: %v", err)
	}
	if _, _, err := store.GetDecoder(ctx, "kinded"); err == nil {
		t.Fatal("expected a kind mismatch to fail")
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore("", "")
	if err != nil {
		t.Fatalf("default store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory: %v", err)
	}

	store, err = NewStore(BackendSQLite, filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}

	if _, err := NewStore(BackendSQLite, ""); err == nil {
		t.Fatal("expected sqlite without a path to fail")
	}
	if _, err := NewStore("postgres", ""); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}
