// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// Per-operation time limits. Navigation has its own configurable timeout.
const (
	snapshotTimeout  = 30 * time.Second
	clickTimeout     = 30 * time.Second
	typeTimeout      = 30 * time.Second
	scrollTimeout    = 10 * time.Second
	keysTimeout      = 10 * time.Second
	extractTimeout   = 30 * time.Second
	tabTimeout       = 20 * time.Second
	probeTimeout     = 5 * time.Second
	stabilizeTimeout = 30 * time.Second

	defaultNavigationTimeout = 60 * time.Second
	defaultStabilizeWait     = 500 * time.Millisecond
	defaultWindowWidth       = 1280
	defaultWindowHeight      = 1100
)

var errBrowserClosed = errors.New("browser is closed")

// Browser drives one local Chrome instance over CDP and implements
// schemas.EnvironmentController. Operations are serialized internally, so a
// single instance can safely back concurrent callers.
type Browser struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu        sync.Mutex
	tabs      []*tab
	active    *tab
	nextTabID int
	isClosed  bool
}

var _ schemas.EnvironmentController = (*Browser)(nil)

// tab is one open page. Its id appears in the tab listings handed to the
// model and stays stable until the tab closes; ids are never reused.
type tab struct {
	id       int
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
}

// New launches Chrome and opens an initial blank tab. The given context bounds
// the browser lifetime; cancel it or call Close to shut Chrome down.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = normalize(cfg)

	b := &Browser{
		cfg:       cfg,
		logger:    logger.Named("browser"),
		nextTabID: 1,
	}
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, execOptions(cfg)...)

	t, err := b.launchTab(ctx, "about:blank")
	if err != nil {
		b.allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	b.active = t

	b.logger.Info("Browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("window_width", cfg.WindowWidth),
		zap.Int("window_height", cfg.WindowHeight))
	return b, nil
}

// Close terminates every tab and the Chrome process. Safe to call twice.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return nil
	}
	b.isClosed = true

	b.logger.Debug("Closing browser.")
	for _, t := range b.tabs {
		t.cancel()
	}
	b.tabs = nil
	b.active = nil
	if b.allocCancel != nil {
		b.allocCancel()
	}
	return nil
}

// normalize fills zero config values with working defaults.
func normalize(cfg config.BrowserConfig) config.BrowserConfig {
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = defaultWindowWidth
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = defaultWindowHeight
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.StabilizeWait <= 0 {
		cfg.StabilizeWait = defaultStabilizeWait
	}
	return cfg
}

// execOptions translates the browser configuration into chromedp allocator
// options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		// Required on hardened kernels and inside containers.
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	// Extra flags from the config file's 'args' slice, with or without the
	// leading dashes, as either --flag or --key=value.
	for _, arg := range cfg.Args {
		name := strings.TrimPrefix(arg, "--")
		if name == "" {
			continue
		}
		if !strings.Contains(name, "=") {
			opts = append(opts, chromedp.Flag(name, true))
			continue
		}
		parts := strings.SplitN(name, "=", 2)
		opts = append(opts, chromedp.Flag(parts[0], parts[1]))
	}
	return opts
}

// launchTab opens a new page in the running browser (or, when none is alive
// yet, in a fresh one) and navigates it to the given URL.
func (b *Browser) launchTab(ctx context.Context, url string) (*tab, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserParent(), chromedp.WithLogf(b.chromeLogf))

	opCtx, cancelOp := combineContext(tabCtx, ctx)
	defer cancelOp()
	runCtx, cancelRun := context.WithTimeout(opCtx, b.cfg.NavigationTimeout)
	defer cancelRun()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return nil, err
	}

	t := &tab{id: b.nextTabID, ctx: tabCtx, cancel: cancel}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		t.targetID = c.Target.TargetID
	}
	b.nextTabID++
	b.tabs = append(b.tabs, t)
	return t, nil
}

// browserParent returns a context new tabs should derive from: any live tab,
// or the allocator when the whole browser is gone and must be relaunched.
func (b *Browser) browserParent() context.Context {
	for _, t := range b.tabs {
		if t.ctx.Err() == nil {
			return t.ctx
		}
	}
	return b.allocCtx
}

// ensureActive leaves b.active pointing at a live tab, opening a fresh blank
// one when the browser has none left.
func (b *Browser) ensureActive(ctx context.Context) error {
	b.pruneDead()
	if b.active != nil && b.active.ctx.Err() == nil {
		return nil
	}
	if len(b.tabs) > 0 {
		b.active = b.tabs[0]
		return nil
	}

	b.logger.Warn("No live tabs remain, opening a fresh one.")
	t, err := b.launchTab(ctx, "about:blank")
	if err != nil {
		return fmt.Errorf("browser has no usable tab: %w", err)
	}
	b.active = t
	return nil
}

// pruneDead drops tabs whose context has ended.
func (b *Browser) pruneDead() {
	kept := b.tabs[:0]
	for _, t := range b.tabs {
		if t.ctx.Err() != nil {
			t.cancel()
			if b.active == t {
				b.active = nil
			}
			continue
		}
		kept = append(kept, t)
	}
	b.tabs = kept
}

func (b *Browser) tabByID(id int) *tab {
	for _, t := range b.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (b *Browser) tabByTarget(id target.ID) *tab {
	for _, t := range b.tabs {
		if t.targetID == id {
			return t
		}
	}
	return nil
}

// run executes chromedp actions against the active tab under the caller's
// context and the given time limit.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(b.active.ctx, ctx)
	defer cancel()
	runCtx, cancelRun := context.WithTimeout(opCtx, timeout)
	defer cancelRun()
	return chromedp.Run(runCtx, actions...)
}

// settle gives the page time to react before the next observation: wait for
// the document body, then a fixed quiet period.
func (b *Browser) settle(ctx context.Context) {
	if err := b.run(ctx, stabilizeTimeout, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		b.logger.Debug("Page readiness wait failed during stabilization.", zap.Error(err))
	}
	_ = b.run(ctx, stabilizeTimeout, chromedp.Sleep(b.cfg.StabilizeWait))
}

func (b *Browser) chromeLogf(format string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

// combineContext derives a context from the tab context (which carries the
// CDP target values) that is additionally canceled when the caller's context
// is canceled.
func combineContext(tabCtx, callCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)

	go func() {
		select {
		case <-callCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
