package cldarig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cldarig/internal/config"
	"cldarig/internal/decoder"
	"cldarig/internal/fsm"
	"cldarig/internal/metrics"
	"cldarig/internal/model"
	"cldarig/internal/platform"
	"cldarig/internal/stats"
	"cldarig/internal/storage"
	"cldarig/internal/tasks"
)

const (
	defaultExportsDir = "exports"
	defaultDBPath     = "cldarig.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	ExportsDir string
	// MetricsAddr, when set, serves the Prometheus registry of the client
	// on that address while the client is open.
	MetricsAddr string
	Logger      *slog.Logger
}

// Client is the programmatic surface of the rig: it runs sessions and
// reads back what they stored.
type Client struct {
	store      storage.Store
	rig        *platform.Rig
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	server     *metrics.Server
	logger     *slog.Logger
	exportsDir string

	initOnce sync.Once
	initErr  error
}

type SimulateRequest struct {
	Config config.Session
	// Sink receives every decoded command. Optional.
	Sink tasks.CommandSink
	// Stop ends the session at the next trial boundary once closed.
	Stop <-chan struct{}
}

type DecoderItem struct {
	ID        string
	Name      string
	CreatedAt string
	Kind      model.DecoderKind
	BinLen    float64
	Units     int
	States    []string
}

type RunsRequest struct {
	Limit int
}

// RunRef names a run either by id or as the most recent one.
type RunRef struct {
	RunID  string
	Latest bool
}

type LogRequest struct {
	RunRef
	// Limit keeps the last Limit entries of each list. Zero keeps all.
	Limit int
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.BackendMemory
	}
	dbPath := opts.DBPath
	if dbPath == "" && storeKind == storage.BackendSQLite {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:      store,
		registry:   registry,
		collectors: collectors,
		logger:     logger,
		exportsDir: exportsDir,
	}
	var modules []platform.SupportModule
	if opts.MetricsAddr != "" {
		c.server = metrics.NewServer(opts.MetricsAddr, registry, logger)
		modules = append(modules, c.server)
	}
	c.rig = platform.NewRig(platform.RigConfig{
		Store:  store,
		Logger: logger,
		Hooks: platform.SupervisorHooks{
			OnRestart: func(name string, err error, restarts int) {
				logger.Warn("worker restarted", "worker", name, "restarts", restarts, "error", err)
			},
			OnPermanentFailure: func(name string, err error, restarts int) {
				logger.Error("worker failed permanently", "worker", name, "restarts", restarts, "error", err)
			},
		},
		SupportModules: modules,
	})
	return c, nil
}

// Init opens the store and starts the support modules. Every other method
// calls it on demand.
func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.rig.Init(ctx)
	})
	return c.initErr
}

func (c *Client) Close() error {
	if c.rig.Started() {
		return c.rig.Stop(context.Background(), platform.StopReasonNormal)
	}
	return storage.CloseIfSupported(c.store)
}

// Registry is the Prometheus registry the client's sessions report to.
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// MetricsAddr is the bound address of the metrics endpoint, if one runs.
func (c *Client) MetricsAddr() string {
	if c.server == nil {
		return ""
	}
	return c.server.Addr()
}

func (c *Client) Simulate(ctx context.Context, req SimulateRequest) (model.RunReport, error) {
	if err := c.Init(ctx); err != nil {
		return model.RunReport{}, err
	}
	return tasks.RunSession(ctx, tasks.SessionOptions{
		Config:       req.Config,
		Rig:          c.rig,
		LoopObserver: c.collectors,
		TaskObserver: c.collectors,
		FSMObservers: []fsm.Observer{c.collectors},
		Sink:         req.Sink,
		Logger:       c.logger,
		Stop:         req.Stop,
	})
}

// Decoders lists stored decoders, newest first.
func (c *Client) Decoders(ctx context.Context, limit int) ([]DecoderItem, error) {
	if limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.ListDecoders(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	items := make([]DecoderItem, 0, len(records))
	for _, record := range records {
		item := DecoderItem{
			ID:        record.ID,
			Name:      record.Name,
			CreatedAt: record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Kind:      record.Params.Kind,
			BinLen:    record.Params.BinLen,
			States:    record.Params.StateNames,
		}
		if kf := record.Params.Kalman; kf != nil {
			item.Units = kf.C.Rows
		}
		items = append(items, item)
	}
	return items, nil
}

// Runs lists run reports, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunReport, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	reports, err := c.store.ListRunReports(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(reports)
	if req.Limit > 0 && len(reports) > req.Limit {
		reports = reports[:req.Limit]
	}
	return reports, nil
}

func (c *Client) Report(ctx context.Context, ref RunRef) (model.RunReport, error) {
	runID, err := c.resolve(ctx, ref)
	if err != nil {
		return model.RunReport{}, err
	}
	return storage.RequireRunReport(ctx, c.store, runID)
}

func (c *Client) Log(ctx context.Context, req LogRequest) (model.RunLog, error) {
	if req.Limit < 0 {
		return model.RunLog{}, errors.New("limit must be >= 0")
	}
	runID, err := c.resolve(ctx, req.RunRef)
	if err != nil {
		return model.RunLog{}, err
	}
	log, err := storage.RequireLog(ctx, c.store, runID)
	if err != nil {
		return model.RunLog{}, err
	}
	if req.Limit > 0 {
		log.Events = tail(log.Events, req.Limit)
		log.States = tail(log.States, req.Limit)
	}
	return log, nil
}

func (c *Client) Summary(ctx context.Context, ref RunRef) (stats.Summary, error) {
	report, log, err := c.reportAndLog(ctx, ref)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Summarize(report, log), nil
}

// Export writes the report, log, trial table and decoders of a run to
// OutDir/<run id>.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	report, log, err := c.reportAndLog(ctx, req.RunRef)
	if err != nil {
		return ExportSummary{}, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}

	artifacts := stats.RunArtifacts{Report: report, Log: log}
	for _, id := range []string{report.DecoderID, report.FinalDecoderID} {
		if id == "" {
			continue
		}
		record, ok, err := c.store.GetDecoder(ctx, id)
		if err != nil {
			return ExportSummary{}, err
		}
		if !ok {
			return ExportSummary{}, fmt.Errorf("%w: %s", decoder.ErrNotFound, id)
		}
		artifacts.Decoders = append(artifacts.Decoders, record)
	}
	dir, err := stats.ExportRun(outDir, artifacts)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: report.RunID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) reportAndLog(ctx context.Context, ref RunRef) (model.RunReport, model.RunLog, error) {
	runID, err := c.resolve(ctx, ref)
	if err != nil {
		return model.RunReport{}, model.RunLog{}, err
	}
	report, err := storage.RequireRunReport(ctx, c.store, runID)
	if err != nil {
		return model.RunReport{}, model.RunLog{}, err
	}
	log, err := storage.RequireLog(ctx, c.store, runID)
	if err != nil {
		return model.RunReport{}, model.RunLog{}, err
	}
	return report, log, nil
}

func (c *Client) resolve(ctx context.Context, ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.RunID == "" && !ref.Latest {
		return "", errors.New("run id or latest is required")
	}
	if err := c.Init(ctx); err != nil {
		return "", err
	}
	if ref.RunID != "" {
		return ref.RunID, nil
	}
	reports, err := c.store.ListRunReports(ctx)
	if err != nil {
		return "", err
	}
	if len(reports) == 0 {
		return "", errors.New("no runs available")
	}
	return reports[len(reports)-1].RunID, nil
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
