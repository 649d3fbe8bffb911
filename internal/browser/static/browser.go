// Package static opens crawl pages that are fetched over plain HTTP with colly.
// Pages run no JavaScript: selectors are evaluated against the fetched DOM and
// Click and ScrollBy do nothing.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Waiter delays a request to respect per-host politeness.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Browser hands out colly-backed pages that share one transport.
type Browser struct {
	cfg           Config
	baseCollector *colly.Collector
	waiter        Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Browser. waiter may be nil.
func New(cfg Config, waiter Waiter, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Browser{
		cfg:           cfg,
		baseCollector: c,
		waiter:        waiter,
		logger:        logger,
	}
}

// NewPage returns a fresh page.
func (b *Browser) NewPage(_ context.Context) (crawler.Page, error) {
	return &Page{browser: b}, nil
}

// Page holds the last document fetched through it.
type Page struct {
	browser *Browser

	mu   sync.Mutex
	url  string
	html string
	doc  *goquery.Document
}

// NavigateTo fetches url. Non-2xx responses are errors.
func (p *Page) NavigateTo(ctx context.Context, url string) error {
	if p.browser.waiter != nil {
		if err := p.browser.waiter.Wait(ctx, url); err != nil {
			return err
		}
	}
	var (
		result   fetchResult
		fetchErr error
	)
	collector := p.browser.baseCollector.Clone()
	configureHooks(collector, &result, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = result.url
	p.html = string(result.body)
	p.doc = nil
	return nil
}

// GetContent returns the fetched document.
func (p *Page) GetContent(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return "", fmt.Errorf("page has not been navigated")
	}
	return p.html, nil
}

// WaitForSelector reports crawler.ErrWaitTimeout when selector does not match
// the fetched document. Static documents never change, so timeout is unused.
func (p *Page) WaitForSelector(_ context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}
		p.doc = doc
	}
	if p.doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrWaitTimeout, selector)
	}
	return nil
}

// Click is a no-op for static pages.
func (p *Page) Click(context.Context, string) error { return nil }

// ScrollBy is a no-op for static pages.
func (p *Page) ScrollBy(context.Context, int) error { return nil }

// Close forgets the fetched document.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, p.html, p.doc = "", "", nil
	return nil
}

type fetchResult struct {
	url    string
	status int
	body   []byte
}

func configureHooks(hooks collectorHooks, result *fetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = fetchResult{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
