package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts bounds restarts per worker; zero means unlimited.
	MaxRestarts int
}

type RestartPolicy string

const (
	RestartPermanent RestartPolicy = "permanent"
	RestartTransient RestartPolicy = "transient"
	RestartTemporary RestartPolicy = "temporary"
)

type WorkerSpec struct {
	Name    string
	Restart RestartPolicy
}

type WorkerStatus struct {
	Name            string        `json:"name"`
	RestartPolicy   RestartPolicy `json:"restart_policy"`
	Restarts        int           `json:"restarts"`
	LastError       string        `json:"last_error,omitempty"`
	PermanentFailed bool          `json:"permanent_failed"`
	Running         bool          `json:"running"`
}

type SupervisorHooks struct {
	OnRestart          func(name string, err error, restarts int)
	OnPermanentFailure func(name string, err error, restarts int)
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	return policy
}

// Supervisor hosts long-running workers such as the parameter updater. A
// worker that returns while its context is live is restarted with backoff
// according to its restart policy. Stop cancels a worker and joins it.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks
	logger *slog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	finished map[string]WorkerStatus
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   WorkerSpec

	restarts        int
	lastErr         error
	permanentFailed bool
}

func NewSupervisor(policy SupervisorPolicy, hooks SupervisorHooks, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		policy:   normalizeSupervisorPolicy(policy),
		hooks:    hooks,
		logger:   logger.With("component", "supervisor"),
		workers:  make(map[string]*worker),
		finished: make(map[string]WorkerStatus),
	}
}

// Start runs a permanent worker.
func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartSpec(WorkerSpec{Name: name, Restart: RestartPermanent}, run)
}

func (s *Supervisor) StartSpec(spec WorkerSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("worker name is required")
	}
	if run == nil {
		return errors.New("worker runner is required")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	case "":
		spec.Restart = RestartPermanent
	default:
		return fmt.Errorf("unknown restart policy %q", spec.Restart)
	}

	s.mu.Lock()
	if _, exists := s.workers[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{}), spec: spec}
	s.workers[spec.Name] = w
	s.mu.Unlock()

	s.logger.Debug("worker started", "worker", spec.Name, "restart", spec.Restart)
	go s.supervise(ctx, w, run)
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, w *worker, run func(ctx context.Context) error) {
	name := w.spec.Name
	defer func() {
		s.mu.Lock()
		if current, ok := s.workers[name]; ok && current == w {
			if w.permanentFailed || w.restarts > 0 || w.lastErr != nil {
				s.finished[name] = statusOf(w, false)
			}
			delete(s.workers, name)
		}
		s.mu.Unlock()
		close(w.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := runGuarded(ctx, run)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(w.spec.Restart, err) {
			return
		}

		s.mu.Lock()
		w.lastErr = err
		restarts := w.restarts
		s.mu.Unlock()
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			w.permanentFailed = true
			s.mu.Unlock()
			s.logger.Error("worker failed permanently", "worker", name, "restarts", restarts, "error", err)
			if s.hooks.OnPermanentFailure != nil {
				s.hooks.OnPermanentFailure(name, err, restarts)
			}
			return
		}

		restarts++
		s.mu.Lock()
		w.restarts = restarts
		s.mu.Unlock()
		s.logger.Warn("worker exited, restarting", "worker", name, "restarts", restarts, "backoff", backoff, "error", err)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(name, err, restarts)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*s.policy.BackoffFactor), s.policy.MaxBackoff)
	}
}

// runGuarded turns a worker panic into an error so the restart policy
// applies to it.
func runGuarded(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return run(ctx)
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

// Stop cancels the named worker and waits for it to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	delete(s.finished, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	s.logger.Debug("worker stopped", "worker", name)
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.finished = make(map[string]WorkerStatus)
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}

// Running lists the names of live workers, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports live workers plus finished ones that restarted or failed.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers)+len(s.finished))
	for _, w := range s.workers {
		out = append(out, statusOf(w, true))
	}
	for name, status := range s.finished {
		if _, live := s.workers[name]; live {
			continue
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(w *worker, running bool) WorkerStatus {
	return WorkerStatus{
		Name:            w.spec.Name,
		RestartPolicy:   w.spec.Restart,
		Restarts:        w.restarts,
		LastError:       errString(w.lastErr),
		PermanentFailed: w.permanentFailed,
		Running:         running,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
