// Package headless opens crawl pages as tabs in a shared headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless browser.
type Config struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// Browser owns the Chrome allocator that every page tab is opened from.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New prepares a chromedp allocator. Chrome itself starts with the first page.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}

// NewPage opens a new tab.
func (b *Browser) NewPage(ctx context.Context) (crawler.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	if err := chromedp.Run(tabCtx, b.setupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Page{
		tab:        tabCtx,
		cancel:     tabCancel,
		navTimeout: b.navTimeout(),
		logger:     b.logger,
	}, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// Page is one Chrome tab reused across URLs.
type Page struct {
	tab        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NavigateTo loads url and waits for the body to be ready.
func (p *Page) NavigateTo(ctx context.Context, url string) error {
	return p.run(ctx, p.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// GetContent returns the rendered document.
func (p *Page) GetContent(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, p.navTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// WaitForSelector waits up to timeout for selector to be visible. Running out
// of time yields crawler.ErrWaitTimeout.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.navTimeout
	}
	err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	return classifyWait(ctx, selector, err)
}

// Click clicks the first visible element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.run(ctx, p.navTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// ScrollBy scrolls the window vertically.
func (p *Page) ScrollBy(ctx context.Context, amount int) error {
	return p.run(ctx, p.navTimeout, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", amount), nil))
}

// Close closes the tab.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.cancel()
	}
	return nil
}

// run executes actions in the tab, bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func classifyWait(ctx context.Context, selector string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", crawler.ErrWaitTimeout, selector)
	}
	return err
}
