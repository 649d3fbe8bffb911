package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

var errSkipPage = errors.New("page skipped")

// visit processes one claimed URL on the page in slot and always reports back
// on c.results so the slot is freed.
func (c *crawl) visit(ctx context.Context, slot int, pageURL string) {
	result := pageResult{slot: slot, url: pageURL}
	defer func() {
		if r := recover(); r != nil {
			result.data = nil
			result.fault = fmt.Errorf("page worker panic on %s: %v", pageURL, r)
		}
		c.results <- result
	}()

	data, err := c.processPage(ctx, c.run.Pages[slot], pageURL)
	switch {
	case err == nil:
		result.data = data
		metrics.ObservePage(pageURL, "ok")
	case errors.Is(err, errSkipPage):
	default:
		result.fault = err
	}
}

func (c *crawl) processPage(ctx context.Context, page crawler.Page, pageURL string) ([]string, error) {
	logger := c.logger.With(zap.String("url", pageURL))
	if err := page.NavigateTo(ctx, pageURL); err != nil || ctx.Err() != nil {
		if err != nil && ctx.Err() == nil {
			logger.Debug("navigation failed", zap.Error(err))
			metrics.ObservePage(pageURL, "navigate_failed")
		}
		return nil, errSkipPage
	}
	if err := c.applyActions(ctx, page, pageURL); err != nil {
		if ctx.Err() == nil {
			logger.Debug("page action failed", zap.Error(err))
			metrics.ObservePage(pageURL, "action_failed")
		}
		return nil, errSkipPage
	}
	html, err := page.GetContent(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("read page content failed", zap.Error(err))
			metrics.ObservePage(pageURL, "content_failed")
		}
		return nil, errSkipPage
	}

	source, err := url.Parse(pageURL)
	if err != nil {
		return nil, errSkipPage
	}
	var accepted []string
	for _, link := range c.engine.extractor.ExtractLinks(pageURL, html) {
		if c.acceptLink(ctx, source, link) {
			accepted = append(accepted, link)
		}
	}
	if len(accepted) > 0 {
		if err := c.run.Frontier.Enqueue(ctx, accepted...); err != nil {
			if ctx.Err() != nil {
				return nil, errSkipPage
			}
			return nil, fmt.Errorf("enqueue links from %s: %w", pageURL, err)
		}
	}
	return c.engine.extractor.ExtractData(c.compiled.DataPattern, html), nil
}

// applyActions runs every applicable page action in order. Selector waits that
// keep timing out are given up on silently; any other failure is returned.
func (c *crawl) applyActions(ctx context.Context, page crawler.Page, pageURL string) error {
	for _, action := range c.compiled.PageActions {
		if !action.Applies(pageURL) {
			continue
		}
		if err := c.applyWithRetry(ctx, page, action); err != nil {
			return err
		}
	}
	return nil
}

func (c *crawl) applyWithRetry(ctx context.Context, page crawler.Page, action crawler.PageAction) error {
	policy := c.engine.retry
	for attempt := 1; ; attempt++ {
		err := action.Do(ctx, page)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !policy.ShouldRetry(err, attempt) {
			if errors.Is(err, crawler.ErrWaitTimeout) {
				c.logger.Debug("selector never appeared; continuing without it",
					zap.String("selector", action.Selector), zap.Int("attempts", attempt))
				return nil
			}
			return fmt.Errorf("%s %q: %w", action.Kind, action.Selector, err)
		}
		metrics.ObserveActionRetry(string(action.Kind))
		if err := sleepWithContext(ctx, policy.Backoff(attempt)); err != nil {
			return err
		}
	}
}

func sameHost(source, target *url.URL) bool {
	return strings.EqualFold(source.Host, target.Host)
}

// isDescendant reports whether target's path lies under source's path.
func isDescendant(source, target *url.URL) bool {
	base := source.Path
	if base == "" {
		base = "/"
	}
	path := target.Path
	if path == "" {
		path = "/"
	}
	switch {
	case path == base:
		return true
	case strings.HasSuffix(base, "/"):
		return strings.HasPrefix(path, base)
	default:
		return strings.HasPrefix(path, base+"/")
	}
}
