// Package session tracks the single active scan run. Starting a run first
// cancels the previous one, force-closes its browser handles, and waits for
// its cleanup to finish so two runs never share the pool or the call gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/progress"
)

// DefaultCleanupTimeout bounds how long StartRun waits for the previous run.
const DefaultCleanupTimeout = 10 * time.Second

// ForceCloser kills every externally owned resource a run may hold.
type ForceCloser interface {
	ForceCloseAll()
}

// Config wires the registry to the process-wide resources.
type Config struct {
	CleanupTimeout time.Duration
	Pool           ForceCloser
	// Sweep runs before a run is installed when the process has just
	// started or the previous run was canceled or evicted. A run that
	// finished normally leaves the pool's handles alive, so no sweep follows
	// it.
	Sweep  func() error
	NewID  func() string
	Logger *zap.Logger
}

// Run is one pipeline execution. Workers receive the token and bridge; only
// the registry holds the Run itself.
type Run struct {
	id        string
	startedAt time.Time
	token     *Token
	bridge    *progress.Bridge
	done      chan struct{}
	once      sync.Once
	registry  *Registry
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// StartedAt returns when the run was installed.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Token returns the run's cancellation token.
func (r *Run) Token() *Token { return r.token }

// Bridge returns the run's inbound event queue.
func (r *Run) Bridge() *progress.Bridge { return r.bridge }

// Done is closed once MarkComplete has been called.
func (r *Run) Done() <-chan struct{} { return r.done }

// MarkComplete records that the run released all of its resources. It must
// be called exactly once by the run's cleanup path, canceled or not. Later
// calls are no-ops.
func (r *Run) MarkComplete() {
	r.once.Do(func() {
		r.bridge.Close()
		r.registry.complete(r)
		close(r.done)
	})
}

// Registry owns the active-run slot.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	// startMu serializes StartRun so waiters install one at a time.
	startMu sync.Mutex

	mu     sync.Mutex
	active *Run
	seq    uint64
	// dirty is set until the first sweep and again whenever a run ends
	// canceled or is evicted.
	dirty bool
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger.Named("session"), dirty: true}
}

// StartRun cancels and awaits any previous run, then installs a new one
// with a fresh token and bridge.
func (r *Registry) StartRun(ctx context.Context) (*Run, error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if err := r.cancelAndAwaitPrevious(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	sweep := r.dirty && r.cfg.Sweep != nil
	r.dirty = false
	r.mu.Unlock()
	if sweep {
		if err := r.cfg.Sweep(); err != nil {
			r.logger.Warn("lingering resource sweep failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("run-%d", r.seq)
	if r.cfg.NewID != nil {
		id = r.cfg.NewID()
	}
	run := &Run{
		id:        id,
		startedAt: time.Now().UTC(),
		token:     NewToken(context.Background()),
		bridge:    progress.NewBridge(),
		done:      make(chan struct{}),
		registry:  r,
	}
	r.active = run
	r.logger.Info("run started", zap.String("run_id", id))
	return run, nil
}

func (r *Registry) cancelAndAwaitPrevious(ctx context.Context) error {
	prev := r.Active()
	if prev == nil {
		return nil
	}
	r.logger.Info("canceling previous run", zap.String("run_id", prev.id))
	r.cancel(prev)

	timer := time.NewTimer(r.cfg.CleanupTimeout)
	defer timer.Stop()
	select {
	case <-prev.done:
		return nil
	case <-timer.C:
		// The stale run can no longer hold the slot; its late MarkComplete
		// becomes a no-op.
		r.logger.Warn("previous run did not finish cleanup in time",
			zap.String("run_id", prev.id),
			zap.Duration("timeout", r.cfg.CleanupTimeout),
		)
		r.mu.Lock()
		if r.active == prev {
			r.active = nil
		}
		r.dirty = true
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await previous run: %w", ctx.Err())
	}
}

func (r *Registry) cancel(run *Run) {
	run.token.Cancel()
	run.bridge.Signal()
	if r.cfg.Pool != nil {
		r.cfg.Pool.ForceCloseAll()
	}
}

// CancelCurrent signals the active run without waiting. It reports whether
// a run was active. Repeated calls are harmless.
func (r *Registry) CancelCurrent() bool {
	run := r.Active()
	if run == nil {
		return false
	}
	r.logger.Info("cancel requested", zap.String("run_id", run.id))
	r.cancel(run)
	return true
}

// Active returns the current run or nil.
func (r *Registry) Active() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Shutdown cancels the active run and waits for it to complete.
func (r *Registry) Shutdown(ctx context.Context) error {
	run := r.Active()
	if run == nil {
		return nil
	}
	r.cancel(run)
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("active run did not complete"), ctx.Err())
	}
}

func (r *Registry) complete(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == run {
		r.active = nil
	}
	if run.token.Cancelled() {
		r.dirty = true
	}
	r.logger.Info("run complete",
		zap.String("run_id", run.id),
		zap.Bool("canceled", run.token.Cancelled()),
		zap.Duration("duration", time.Since(run.startedAt)),
	)
}
