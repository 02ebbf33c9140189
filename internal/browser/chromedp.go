package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeConfig controls how pooled Chrome instances are launched.
type ChromeConfig struct {
	Headless      bool
	UserAgent     string
	BaseDebugPort int
	// ProfileRoot holds one user-data dir per slot.
	ProfileRoot  string
	StartTimeout time.Duration
}

// ChromeFactory launches one Chrome process per pool slot. Each slot gets a
// fixed debugging port and profile directory so lingering processes from a
// crashed run can be found again.
type ChromeFactory struct {
	cfg ChromeConfig
}

// NewChromeFactory returns a factory with defaults applied.
func NewChromeFactory(cfg ChromeConfig) *ChromeFactory {
	if cfg.BaseDebugPort <= 0 {
		cfg.BaseDebugPort = 9225
	}
	if cfg.ProfileRoot == "" {
		cfg.ProfileRoot = filepath.Join(os.TempDir(), "dealscan-chrome")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &ChromeFactory{cfg: cfg}
}

// DebugPort returns the remote debugging port assigned to slot.
func (f *ChromeFactory) DebugPort(slot int) int {
	return f.cfg.BaseDebugPort + slot
}

// ProfileDir returns the user-data dir assigned to slot.
func (f *ChromeFactory) ProfileDir(slot int) string {
	return filepath.Join(f.cfg.ProfileRoot, "slot-"+strconv.Itoa(slot))
}

// Ports lists the debugging ports of the first size slots.
func (f *ChromeFactory) Ports(size int) []int {
	ports := make([]int, size)
	for i := range ports {
		ports[i] = f.DebugPort(i)
	}
	return ports
}

// ProfileDirs lists the profile directories of the first size slots.
func (f *ChromeFactory) ProfileDirs(size int) []string {
	dirs := make([]string, size)
	for i := range dirs {
		dirs[i] = f.ProfileDir(i)
	}
	return dirs
}

func (f *ChromeFactory) allocatorOptions(slot int) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(f.DebugPort(slot))),
		chromedp.UserDataDir(f.ProfileDir(slot)),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// New launches Chrome for slot and waits for the first target to attach.
func (f *ChromeFactory) New(ctx context.Context, slot int) (Resource, error) {
	if err := os.MkdirAll(f.ProfileDir(slot), 0o750); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	// The browser outlives the acquiring request, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(slot)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	start := make(chan error, 1)
	go func() {
		start <- chromedp.Run(browserCtx, f.setupAction())
	}()

	timer := time.NewTimer(f.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-start:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	case <-timer.C:
		browserCancel()
		allocCancel()
		return nil, errors.New("start chrome: timed out")
	}
	return &chromeResource{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

func (f *ChromeFactory) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type chromeResource struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (r *chromeResource) Context() context.Context { return r.ctx }

func (r *chromeResource) Kill() error {
	defer r.allocCancel()
	defer r.cancel()
	c := chromedp.FromContext(r.ctx)
	if c == nil || c.Browser == nil {
		return nil
	}
	proc := c.Browser.Process()
	if proc == nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill chrome pid %d: %w", proc.Pid, err)
	}
	return nil
}

func (r *chromeResource) Close(ctx context.Context) error {
	defer r.allocCancel()
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(r.ctx)
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close chrome: %w", err)
		}
		return nil
	case <-ctx.Done():
		return r.Kill()
	}
}
