package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cldarig/internal/config"
	"cldarig/internal/logging"
	"cldarig/internal/storage"
	"cldarig/internal/tasks"
	rigapi "cldarig/pkg/cldarig"
)

const defaultDBPath = "cldarig.db"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "config":
		return runConfig(ctx, args[1:])
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "decoders":
		return runDecoders(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "log":
		return runLog(ctx, args[1:])
	case "summary":
		return runSummary(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: cldarigctl <init|config|simulate|decoders|runs|report|log|summary|export> [flags]", msg)
}

// configFiles collects repeated -config flags; later files override earlier ones.
type configFiles []string

func (c *configFiles) String() string { return strings.Join(*c, ",") }

func (c *configFiles) Set(path string) error {
	*c = append(*c, path)
	return nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.BackendSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := rigapi.New(rigapi.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

// runConfig prints the effective session configuration as JSON.
func runConfig(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	var files configFiles
	fs.Var(&files, "config", "CUE config file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	session, err := config.Load(files...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(session)
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	var files configFiles
	fs.Var(&files, "config", "CUE config file (repeatable)")
	storeKind := fs.String("store", "", "store backend: memory|sqlite (overrides config)")
	dbPath := fs.String("db-path", "", "sqlite database path (overrides config)")
	trials := fs.Int("trials", 0, "number of trials (overrides config)")
	seed := fs.Uint64("seed", 0, "rng seed (overrides config)")
	encoder := fs.String("encoder", "", "simulated ensemble: cos|ppf (overrides config)")
	clda := fs.Bool("clda", true, "adapt the decoder during the session")
	rule := fs.String("rule", "", "clda update rule: smoothbatch|rml (overrides config)")
	decoderID := fs.String("decoder-id", "", "start from a stored decoder instead of training one")
	cycleHz := fs.Float64("cycle-hz", 0, "pace the session in real time at this rate (0 runs on a stepped clock)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	logLevel := fs.String("log-level", "", "log level: debug|info|warn|error (overrides config)")
	commandsPath := fs.String("commands", "", "write decoded cursor commands as JSON lines to this file")
	jsonOut := fs.Bool("json", false, "emit the run report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	session, err := config.Load(files...)
	if err != nil {
		return err
	}
	if setFlags["store"] {
		session.Store.Backend = *storeKind
	}
	if setFlags["db-path"] {
		session.Store.Path = *dbPath
	}
	if setFlags["trials"] {
		session.Task.Trials = *trials
	}
	if setFlags["seed"] {
		session.Task.Seed = *seed
	}
	if setFlags["encoder"] {
		session.Sim.Encoder = *encoder
	}
	if setFlags["clda"] {
		session.CLDA.Enabled = *clda
	}
	if setFlags["rule"] {
		session.CLDA.Rule = *rule
	}
	if setFlags["decoder-id"] {
		session.Decoder.LoadID = *decoderID
	}
	if setFlags["cycle-hz"] {
		session.Task.CycleHz = *cycleHz
	}
	if setFlags["metrics-addr"] {
		session.Metrics.Addr = *metricsAddr
	}
	if setFlags["log-level"] {
		session.Log.Level = *logLevel
	}
	if err := session.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:    session.Log.Level,
		JSONFile: session.Log.File,
		Journal:  logging.JournalMode(session.Log.Journal),
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Close()
	}()

	client, err := rigapi.New(rigapi.Options{
		StoreKind:   session.Store.Backend,
		DBPath:      session.Store.Path,
		MetricsAddr: session.Metrics.Addr,
		Logger:      logger.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	req := rigapi.SimulateRequest{Config: session}
	if *commandsPath != "" {
		file, err := os.Create(*commandsPath)
		if err != nil {
			return err
		}
		defer file.Close()
		req.Sink = tasks.NewJSONSink(file)
	}

	// The first signal ends the session after the current trial, the
	// second one cancels it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	req.Stop = stop
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
			logger.Info("stopping after the current trial; signal again to abort")
			close(stop)
		case <-ctx.Done():
			return
		}
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, runErr := client.Simulate(ctx, req)
	if report.RunID == "" {
		return runErr
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return runErr
	}
	fmt.Printf("run_id=%s decoder_id=%s final_decoder_id=%s trials=%d rewards=%d penalties=%d updates_applied=%d decode_faults=%d cycles=%d\n",
		report.RunID,
		report.DecoderID,
		report.FinalDecoderID,
		report.Trials,
		report.Rewards,
		report.Penalties,
		report.UpdatesApplied,
		report.DecodeFaults,
		report.Cycles,
	)
	return runErr
}

func runDecoders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decoders", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max decoders to list (0 for all)")
	jsonOut := fs.Bool("json", false, "emit decoders as JSON")
	storeKind := fs.String("store", storage.BackendSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := rigapi.New(rigapi.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Decoders(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no decoders found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("id=%s name=%s created_at=%s kind=%s bin_len=%g units=%d states=%s\n",
			item.ID,
			item.Name,
			item.CreatedAt,
			item.Kind,
			item.BinLen,
			item.Units,
			strings.Join(item.States, ","),
		)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list (0 for all)")
	jsonOut := fs.Bool("json", false, "emit runs as JSON")
	storeKind := fs.String("store", storage.BackendSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := rigapi.New(rigapi.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	reports, err := client.Runs(ctx, rigapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	if len(reports) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, report := range reports {
		fmt.Printf("run_id=%s started_at=%s duration=%s trials=%d rewards=%d penalties=%d updates_applied=%d\n",
			report.RunID,
			report.StartedAt.UTC().Format(time.RFC3339),
			report.EndedAt.Sub(report.StartedAt).Round(time.Millisecond),
			report.Trials,
			report.Rewards,
			report.Penalties,
			report.UpdatesApplied,
		)
	}
	return nil
}

type runFlags struct {
	runID     *string
	latest    *bool
	storeKind *string
	dbPath    *string
}

func addRunFlags(fs *flag.FlagSet) runFlags {
	return runFlags{
		runID:     fs.String("run-id", "", "run id"),
		latest:    fs.Bool("latest", false, "use the most recent run"),
		storeKind: fs.String("store", storage.BackendSQLite, "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", defaultDBPath, "sqlite database path"),
	}
}

func (f runFlags) ref() (rigapi.RunRef, error) {
	if *f.runID != "" && *f.latest {
		return rigapi.RunRef{}, errors.New("use either --run-id or --latest, not both")
	}
	if *f.runID == "" && !*f.latest {
		return rigapi.RunRef{}, errors.New("--run-id or --latest is required")
	}
	return rigapi.RunRef{RunID: *f.runID, Latest: *f.latest}, nil
}

func (f runFlags) client() (*rigapi.Client, error) {
	return rigapi.New(rigapi.Options{StoreKind: *f.storeKind, DBPath: *f.dbPath})
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	flags := addRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := flags.ref()
	if err != nil {
		return err
	}
	client, err := flags.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	report, err := client.Report(ctx, ref)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runLog(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	flags := addRunFlags(fs)
	limit := fs.Int("limit", 0, "print only the last N events (0 for all)")
	jsonOut := fs.Bool("json", false, "emit the log as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := flags.ref()
	if err != nil {
		return err
	}
	client, err := flags.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	log, err := client.Log(ctx, rigapi.LogRequest{RunRef: ref, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(log)
	}
	if len(log.Events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, ev := range log.Events {
		fmt.Printf("at=%s state=%s event=%s\n", ev.At.UTC().Format(time.RFC3339Nano), ev.State, ev.Event)
	}
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	flags := addRunFlags(fs)
	jsonOut := fs.Bool("json", false, "emit the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := flags.ref()
	if err != nil {
		return err
	}
	client, err := flags.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Summary(ctx, ref)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("run_id=%s trials=%d rewards=%d success_rate=%.3f reach_time_mean=%.3fs reach_time_std=%.3fs rewards_per_minute=%.2f updates_applied=%d\n",
		summary.RunID,
		summary.Trials,
		summary.Rewards,
		summary.SuccessRate,
		summary.ReachTimeMean,
		summary.ReachTimeStd,
		summary.RewardsPerMinute,
		summary.UpdatesApplied,
	)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	flags := addRunFlags(fs)
	outDir := fs.String("out", "exports", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := flags.ref()
	if err != nil {
		return err
	}
	client, err := flags.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, rigapi.ExportRequest{RunRef: ref, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}
