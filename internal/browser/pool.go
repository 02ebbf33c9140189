// Package browser manages a fixed-size pool of expensive, externally owned
// browser handles. Handles are created lazily, reused across work items and
// runs, and can be force-killed in bulk when a run is canceled.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/metrics"
)

// ErrForceClosed is returned to acquirers whose handle was torn down by
// ForceCloseAll while it was being created.
var ErrForceClosed = errors.New("resource pool force-closed")

// Resource is one live external session owned by the pool.
type Resource interface {
	// Context is the context chromedp actions run against.
	Context() context.Context
	// Kill terminates the underlying process immediately.
	Kill() error
	// Close tears the session down gracefully.
	Close(ctx context.Context) error
}

// Factory creates the resource backing one pool slot.
type Factory interface {
	New(ctx context.Context, slot int) (Resource, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, slot int) (Resource, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context, slot int) (Resource, error) {
	return f(ctx, slot)
}

// Config controls pool sizing and creation retries.
type Config struct {
	Size          int
	CreateRetries int
	RetryDelay    time.Duration
	Logger        *zap.Logger
}

// Handle is a checked-out resource. It must be passed back to Release.
type Handle struct {
	slot     int
	gen      uint64
	res      Resource
	released bool
}

// Slot returns the pool slot index backing the handle.
func (h *Handle) Slot() int { return h.slot }

// Context returns the resource context for running browser actions.
func (h *Handle) Context() context.Context { return h.res.Context() }

// Resource exposes the underlying resource.
func (h *Handle) Resource() Resource { return h.res }

// Pool is a fixed-capacity lazily populated handle pool.
type Pool struct {
	factory Factory
	cfg     Config
	logger  *zap.Logger

	// tokens counts free slots; which slot a token maps to is chosen from
	// free under mu.
	tokens  chan struct{}
	closeCh chan struct{}

	mu sync.Mutex
	// free is a stack of idle slot indexes. The most recently released
	// slot is on top.
	free      []int
	resources []Resource
	resGen    []uint64
	gen       uint64
	inUse     int
	closed    bool
}

// NewPool builds a pool with cfg.Size slots. No resources are created until
// the first Acquire.
func NewPool(factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("factory is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if cfg.CreateRetries < 0 {
		cfg.CreateRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := make(chan struct{}, cfg.Size)
	free := make([]int, 0, cfg.Size)
	for i := cfg.Size - 1; i >= 0; i-- {
		tokens <- struct{}{}
		free = append(free, i)
	}
	return &Pool{
		factory:   factory,
		cfg:       cfg,
		logger:    logger.Named("browser_pool"),
		tokens:    tokens,
		closeCh:   make(chan struct{}),
		free:      free,
		resources: make([]Resource, cfg.Size),
		resGen:    make([]uint64, cfg.Size),
	}, nil
}

// Size reports the pool capacity.
func (p *Pool) Size() int { return p.cfg.Size }

// Acquire blocks until a slot is free, creating its resource if needed.
// Idle slots with a live resource are handed out before empty ones.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-p.tokens:
	case <-p.closeCh:
		return nil, deal.ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, deal.ErrPoolClosed
	}
	slot := p.takeSlot()
	res := p.resources[slot]
	gen := p.gen
	p.mu.Unlock()

	if res == nil {
		created, err := p.create(ctx, slot)
		if err != nil {
			p.putSlot(slot)
			return nil, err
		}
		p.mu.Lock()
		if p.closed || p.gen != gen {
			p.mu.Unlock()
			p.kill(slot, created)
			p.putSlot(slot)
			if p.closed {
				return nil, deal.ErrPoolClosed
			}
			return nil, ErrForceClosed
		}
		p.resources[slot] = created
		p.resGen[slot] = gen
		res = created
		p.mu.Unlock()
		metrics.SetPoolHandlesLive(p.Live())
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	return &Handle{slot: slot, gen: gen, res: res}, nil
}

// takeSlot pops the topmost idle slot that still has a resource, or the top
// slot when none does. Callers hold p.mu and a token.
func (p *Pool) takeSlot() int {
	pick := len(p.free) - 1
	for i := pick; i >= 0; i-- {
		if p.resources[p.free[i]] != nil {
			pick = i
			break
		}
	}
	slot := p.free[pick]
	p.free = append(p.free[:pick], p.free[pick+1:]...)
	return slot
}

func (p *Pool) putSlot(slot int) {
	p.mu.Lock()
	p.free = append(p.free, slot)
	p.mu.Unlock()
	p.tokens <- struct{}{}
}

func (p *Pool) create(ctx context.Context, slot int) (Resource, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.CreateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("create browser slot %d: %w", slot, ctx.Err())
			case <-time.After(p.cfg.RetryDelay):
			}
		}
		res, err := p.factory.New(ctx, slot)
		if err == nil {
			p.logger.Debug("browser handle created", zap.Int("slot", slot), zap.Int("attempt", attempt+1))
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		p.logger.Warn("browser handle creation failed",
			zap.Int("slot", slot),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("create browser slot %d: %w", slot, lastErr)
}

// Release returns a handle to the idle set. Releasing twice is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	p.inUse--
	p.free = append(p.free, h.slot)
	p.mu.Unlock()
	p.tokens <- struct{}{}
}

// ForceCloseAll kills every live resource, idle or checked out, and marks
// the pool empty. Checked-out handles stay checked out until released; the
// next acquirer of their slot gets a fresh resource.
func (p *Pool) ForceCloseAll() {
	p.mu.Lock()
	p.gen++
	victims := make(map[int]Resource)
	for slot, res := range p.resources {
		if res != nil {
			victims[slot] = res
			p.resources[slot] = nil
		}
	}
	p.mu.Unlock()

	metrics.ObservePoolForceClose()
	for slot, res := range victims {
		p.kill(slot, res)
	}
	metrics.SetPoolHandlesLive(0)
	if len(victims) > 0 {
		p.logger.Info("browser pool force-closed", zap.Int("killed", len(victims)))
	}
}

func (p *Pool) kill(slot int, res Resource) {
	if err := res.Kill(); err != nil {
		p.logger.Warn("kill browser handle", zap.Int("slot", slot), zap.Error(err))
	}
}

// CloseAll waits for every checked-out handle to come back, then closes all
// resources gracefully. If ctx expires first the remaining resources are
// force-killed.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	for i := 0; i < p.cfg.Size; i++ {
		select {
		case <-p.tokens:
		case <-ctx.Done():
			p.ForceCloseAll()
			return fmt.Errorf("wait for browser handles: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	resources := p.resources
	p.resources = make([]Resource, p.cfg.Size)
	p.mu.Unlock()

	var errs []error
	for slot, res := range resources {
		if res == nil {
			continue
		}
		if err := res.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close browser slot %d: %w", slot, err))
		}
	}
	metrics.SetPoolHandlesLive(0)
	return errors.Join(errs...)
}

// Live reports how many resources currently exist.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, res := range p.resources {
		if res != nil {
			n++
		}
	}
	return n
}

// InUse reports how many handles are checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
