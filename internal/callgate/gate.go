// Package callgate bounds and retries calls to rate-limited external
// services. One Gate is shared by the whole process so every stage draws
// from the same permit budget.
package callgate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/session"
)

// Config holds permit and backoff settings.
type Config struct {
	MaxConcurrent int
	// MaxRetries falls back to the default when not positive. Set NoRetry
	// to make a single attempt.
	MaxRetries    int
	NoRetry       bool
	InitialDelay  time.Duration
	Multiplier    float64
	RetryBuffer   time.Duration
	// PollInterval is both the permit polling period and the sleep
	// increment used while backing off.
	PollInterval time.Duration
	// RequestsPerSecond paces call starts when positive.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 15,
		MaxRetries:    5,
		InitialDelay:  500 * time.Millisecond,
		Multiplier:    2,
		RetryBuffer:   250 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
	}
}

// RateLimitError marks a throttled call. RetryAfter is zero when the
// service gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return deal.ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: %v", deal.ErrRateLimited, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{deal.ErrRateLimited}
	}
	return []error{deal.ErrRateLimited, e.Err}
}

var retryAfterPattern = regexp.MustCompile(`(?i)try again in\s+([0-9]*\.?[0-9]+)\s*(ms|s)`)

// ParseRetryAfter extracts a server hint from a Retry-After header value or
// from messages such as "Please try again in 1.5s".
func ParseRetryAfter(header, message string) time.Duration {
	if header = strings.TrimSpace(header); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond))
	}
	return time.Duration(v * float64(time.Second))
}

// Gate is a process-wide permit set with retry on RateLimitError.
type Gate struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	permits *semaphore.Weighted
	inUse   atomic.Int32

	sleep func(d time.Duration)
}

// New builds a gate, filling zero-valued settings from DefaultConfig.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	switch {
	case cfg.NoRetry:
		cfg.MaxRetries = 0
	case cfg.MaxRetries <= 0:
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RetryBuffer < 0 {
		cfg.RetryBuffer = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:     cfg,
		logger:  logger.Named("callgate"),
		permits: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sleep:   time.Sleep,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

// InUse reports the number of permits currently held.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Call runs fn under one permit, retrying on RateLimitError. The permit is
// released before each backoff sleep so a throttled caller does not starve
// others. Cancellation of ctx or tok aborts waits with a cancellation error.
func (g *Gate) Call(ctx context.Context, tok *session.Token, fn func(ctx context.Context) error) error {
	callCtx, cancel := tok.Bind(ctx)
	defer cancel()

	for attempt := 0; ; attempt++ {
		err := g.attempt(callCtx, tok, fn)
		if err == nil {
			return nil
		}
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		if attempt >= g.cfg.MaxRetries {
			g.logger.Warn("rate limit retries exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return fmt.Errorf("call gate: %d attempts: %w", attempt+1, err)
		}
		delay := g.Backoff(attempt, rl.RetryAfter)
		metrics.ObserveGateRetry()
		g.logger.Info("rate limited, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Duration("retry_after", rl.RetryAfter),
		)
		if err := g.wait(callCtx, tok, delay); err != nil {
			return err
		}
	}
}

// Backoff computes max(initial*multiplier^attempt, retryAfter+buffer).
func (g *Gate) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := time.Duration(float64(g.cfg.InitialDelay) * math.Pow(g.cfg.Multiplier, float64(attempt)))
	if retryAfter > 0 {
		if hinted := retryAfter + g.cfg.RetryBuffer; hinted > delay {
			delay = hinted
		}
	}
	return delay
}

func (g *Gate) attempt(ctx context.Context, tok *session.Token, fn func(ctx context.Context) error) error {
	if err := g.acquire(ctx, tok); err != nil {
		return err
	}
	defer g.release()
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return cancelErr(ctx, tok, err)
		}
	}
	err := fn(ctx)
	if err != nil && (tok.Cancelled() || ctx.Err() != nil) {
		return cancelErr(ctx, tok, err)
	}
	return err
}

func (g *Gate) acquire(ctx context.Context, tok *session.Token) error {
	start := time.Now()
	for {
		if err := checkCanceled(ctx, tok); err != nil {
			return err
		}
		// TryAcquire instead of Acquire so the run token is polled while
		// waiting.
		if g.permits.TryAcquire(1) {
			metrics.SetGatePermitsInUse(int(g.inUse.Add(1)))
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.ObserveGateWait(waited)
			}
			return nil
		}
		g.sleep(g.cfg.PollInterval)
	}
}

func (g *Gate) release() {
	metrics.SetGatePermitsInUse(int(g.inUse.Add(-1)))
	g.permits.Release(1)
}

// wait sleeps for d in PollInterval increments, checking cancellation at
// each step.
func (g *Gate) wait(ctx context.Context, tok *session.Token, d time.Duration) error {
	start := time.Now()
	defer func() { metrics.ObserveGateWait(time.Since(start)) }()
	deadline := start.Add(d)
	for {
		if err := checkCanceled(ctx, tok); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		g.sleep(min(remaining, g.cfg.PollInterval))
	}
}

func checkCanceled(ctx context.Context, tok *session.Token) error {
	if err := tok.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return deal.Canceled(err)
		}
		return fmt.Errorf("call gate: %w", err)
	}
	return nil
}

func cancelErr(ctx context.Context, tok *session.Token, cause error) error {
	if err := tok.Err(); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return deal.Canceled(cause)
	}
	return cause
}
