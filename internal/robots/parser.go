// Package robots answers robots.txt queries with a per-host cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Parser fetches robots.txt once per scheme and host and evaluates paths
// against the group matching the caller's user agent.
type Parser struct {
	client *http.Client
	cache  sync.Map
	logger *zap.Logger
}

// Option customises a Parser.
type Option func(*Parser)

// WithHTTPClient replaces the default client. The client's transport is used
// as is, without the TLS retry wrapper.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Parser) {
		if client != nil {
			p.client = client
		}
	}
}

// NewParser builds a Parser.
func NewParser(timeout time.Duration, logger *zap.Logger, opts ...Option) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Parser{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &retryTransport{base: http.DefaultTransport, logger: logger},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsForbidden reports whether userAgent may not fetch rawURL. Unparseable URLs
// are forbidden; an unreachable robots.txt forbids nothing.
func (p *Parser) IsForbidden(ctx context.Context, rawURL string, userAgent string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	data, err := p.load(ctx, parsed, userAgent)
	if err != nil {
		p.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return false
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return false
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return !group.Test(target)
}

func (p *Parser) load(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := p.cache.Load(hostKey); ok {
		data, assertOK := cached.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	p.cache.Store(hostKey, data)
	return data, nil
}

// Forget drops the cached rules for every host.
func (p *Parser) Forget() {
	p.cache.Range(func(key, _ any) bool {
		p.cache.Delete(key)
		return true
	})
}
