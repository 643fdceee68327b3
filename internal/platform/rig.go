package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"cldarig/internal/storage"
)

// SupportModule is an auxiliary service with the lifetime of the rig, e.g.
// the metrics endpoint.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Worker is a long-running goroutine body hosted by the supervisor.
type Worker interface {
	Run(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
	StopReasonFault    StopReason = "fault"
)

type RigConfig struct {
	Store          storage.Store
	Logger         *slog.Logger
	Supervisor     SupervisorPolicy
	Hooks          SupervisorHooks
	SupportModules []SupportModule
}

// Rig is the explicit run context of a session. Everything a run needs is
// reached through it; there is no package-level default instance.
type Rig struct {
	store      storage.Store
	logger     *slog.Logger
	supervisor *Supervisor
	modules    []SupportModule

	mu             sync.Mutex
	started        bool
	active         []SupportModule
	lastStopReason StopReason
}

func NewRig(cfg RigConfig) *Rig {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Rig{
		store:          cfg.Store,
		logger:         logger,
		supervisor:     NewSupervisor(cfg.Supervisor, cfg.Hooks, logger),
		modules:        append([]SupportModule(nil), cfg.SupportModules...),
		lastStopReason: StopReasonNormal,
	}
}

// Init opens the store and starts support modules in order. On failure the
// modules already started are stopped again.
func (r *Rig) Init(ctx context.Context) error {
	if r.store == nil {
		return errors.New("store is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	seen := make(map[string]bool, len(r.modules))
	started := make([]SupportModule, 0, len(r.modules))
	for i, module := range r.modules {
		if module == nil {
			stopModules(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopModules(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if seen[name] {
			stopModules(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		seen[name] = true
		if err := module.Start(ctx); err != nil {
			stopModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		r.logger.Info("support module started", "module", name)
		started = append(started, module)
	}
	r.active = started
	r.started = true
	return nil
}

func (r *Rig) Store() storage.Store {
	return r.store
}

func (r *Rig) Logger() *slog.Logger {
	return r.logger
}

func (r *Rig) Supervisor() *Supervisor {
	return r.supervisor
}

// Host runs w under the supervisor as a permanent worker and returns the
// function that stops and joins it.
func (r *Rig) Host(name string, w Worker) (func() error, error) {
	if w == nil {
		return nil, errors.New("worker is required")
	}
	if !r.Started() {
		return nil, errors.New("rig is not started")
	}
	if err := r.supervisor.Start(name, w.Run); err != nil {
		return nil, err
	}
	return func() error {
		r.supervisor.Stop(name)
		return nil
	}, nil
}

func (r *Rig) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stop joins every hosted worker, then stops support modules in reverse
// start order and closes the store if it supports closing.
func (r *Rig) Stop(ctx context.Context, reason StopReason) error {
	switch reason {
	case StopReasonNormal, StopReasonShutdown, StopReasonFault:
	default:
		return fmt.Errorf("invalid stop reason: %s", reason)
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.lastStopReason = reason
	active := r.active
	r.active = nil
	r.mu.Unlock()

	r.supervisor.StopAll()
	stopModules(ctx, active)
	r.logger.Info("rig stopped", "reason", reason)
	return storage.CloseIfSupported(r.store)
}

func (r *Rig) LastStopReason() StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStopReason
}

func (r *Rig) ActiveSupportModules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for _, module := range r.active {
		names = append(names, module.Name())
	}
	sort.Strings(names)
	return names
}

func stopModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
