// Package engine runs the crawl loop for a single job: it claims frontier URLs
// in the dedup filter, dispatches them to a fixed set of pages, and streams the
// extracted data back in batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

// MaxPages bounds the number of concurrently used pages per crawl.
const MaxPages = 10

// Config controls the crawl loop.
type Config struct {
	// BatchSize is the buffered value count that triggers a progress emit.
	BatchSize int `mapstructure:"batch_size"`
	// IdleDelay is the pause taken when the frontier is empty.
	IdleDelay time.Duration `mapstructure:"idle_delay"`
	// ActionAttempts and ActionBackoff shape page-action retries.
	ActionAttempts int           `mapstructure:"action_attempts"`
	ActionBackoff  time.Duration `mapstructure:"action_backoff"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Run is one crawl's input.
type Run struct {
	JobID    string
	Config   crawler.JobConfig
	Frontier crawler.Frontier
	Filter   crawler.Filter
	Pages    []crawler.Page
}

// Engine starts crawl loops. It is safe to run several crawls at once.
type Engine struct {
	cfg       Config
	extractor crawler.Extractor
	robots    crawler.RobotsParser
	clock     crawler.Clock
	retry     *LinearRetryPolicy
	logger    *zap.Logger
}

// New validates collaborators and builds an Engine.
func New(cfg Config, extractor crawler.Extractor, robots crawler.RobotsParser, clock crawler.Clock, logger *zap.Logger) (*Engine, error) {
	if extractor == nil {
		return nil, errors.New("engine requires an extractor")
	}
	if robots == nil {
		return nil, errors.New("engine requires a robots parser")
	}
	if clock == nil {
		return nil, errors.New("engine requires a clock")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		extractor: extractor,
		robots:    robots,
		clock:     clock,
		retry:     NewLinearRetryPolicy(cfg.ActionAttempts, cfg.ActionBackoff),
		logger:    logger.Named("engine"),
	}, nil
}

// Start launches the crawl loop. The loop runs until ctx is cancelled, a stop
// condition of the job is met, or an unhandled fault occurs. Callers must
// drain Stream.C until it is closed.
func (e *Engine) Start(ctx context.Context, run Run) (*Stream, error) {
	if run.Frontier == nil || run.Filter == nil {
		return nil, errors.New("crawl requires a frontier and a filter")
	}
	if len(run.Pages) == 0 || len(run.Pages) > MaxPages {
		return nil, fmt.Errorf("page count must be between 1 and %d, got %d", MaxPages, len(run.Pages))
	}
	compiled, err := run.Config.Compile()
	if err != nil {
		return nil, err
	}
	stream := newStream(e.clock.Now(), e.clock.Now)
	c := &crawl{
		engine:   e,
		run:      run,
		compiled: compiled,
		stream:   stream,
		buffer:   make(map[string][]string),
		results:  make(chan pageResult, len(run.Pages)),
		logger:   e.logger.With(zap.String("job_id", run.JobID)),
	}
	for i := range run.Pages {
		c.free = append(c.free, i)
	}
	go c.loop(ctx)
	return stream, nil
}

// crawl is the state owned by one coordinating loop.
type crawl struct {
	engine   *Engine
	run      Run
	compiled crawler.CompiledConfig
	stream   *Stream
	logger   *zap.Logger

	buffer   map[string][]string
	buffered int
	free     []int
	inflight int
	results  chan pageResult
	fault    error
}

type pageResult struct {
	slot  int
	url   string
	data  []string
	fault error
}

func (c *crawl) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.fault = fmt.Errorf("crawl loop panic: %v", r)
			c.logger.Error("crawl loop panicked", zap.Any("panic", r))
			c.drainInflight()
			c.stream.finish(&FaultError{Partial: c.buffer, Cause: c.fault})
		}
	}()

	c.logger.Debug("crawl loop started", zap.Int("pages", len(c.run.Pages)))
	for c.step(ctx) {
	}
	c.drainInflight()

	if c.fault != nil {
		c.logger.Warn("crawl ended with fault", zap.Error(c.fault), zap.Int("partial", c.buffered))
		c.stream.finish(&FaultError{Partial: c.buffer, Cause: c.fault})
		return
	}
	if c.buffered > 0 {
		c.stream.ch <- c.stream.progress(c.takeBuffer())
		metrics.ObserveBatch()
	}
	c.logger.Debug("crawl loop finished", zap.Int64("crawl_count", c.stream.Snapshot().CrawlCount))
	c.stream.finish(nil)
}

// step runs one iteration of the claim loop and reports whether to continue.
func (c *crawl) step(ctx context.Context) bool {
	c.collectFinished()
	if c.fault != nil || ctx.Err() != nil {
		return false
	}
	if hit, ok := crawler.AnyStop(c.run.Config.StopConditions, c.stream.Snapshot()); ok {
		c.logger.Info("stop condition met", zap.String("kind", string(hit.Kind)), zap.Int64("limit", hit.Limit))
		c.stream.setStop(hit)
		return false
	}

	if c.buffered >= c.engine.cfg.BatchSize {
		batch := c.stream.progress(c.buffer)
		if c.stream.trySend(batch) {
			c.buffer = make(map[string][]string)
			c.buffered = 0
			metrics.ObserveBatch()
		}
	}

	if len(c.free) == 0 {
		select {
		case <-ctx.Done():
		case r := <-c.results:
			c.finishPage(r)
		}
		return true
	}

	next, ok, err := c.run.Frontier.Dequeue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.fault = fmt.Errorf("dequeue frontier: %w", err)
		return false
	}
	if !ok {
		c.idle(ctx)
		return true
	}
	if c.run.Filter.Contains(next) {
		return true
	}

	c.run.Filter.Add(next)
	metrics.ObserveClaim()
	c.stream.setCrawlCount(c.run.Filter.Count())

	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.inflight++
	go c.visit(ctx, slot, next)
	return true
}

// idle waits for a page to finish or for IdleDelay, whichever comes first.
func (c *crawl) idle(ctx context.Context) {
	timer := time.NewTimer(c.engine.cfg.IdleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case r := <-c.results:
		c.finishPage(r)
	case <-timer.C:
	}
}

func (c *crawl) collectFinished() {
	for {
		select {
		case r := <-c.results:
			c.finishPage(r)
		default:
			return
		}
	}
}

func (c *crawl) drainInflight() {
	for c.inflight > 0 {
		c.finishPage(<-c.results)
	}
}

func (c *crawl) finishPage(r pageResult) {
	c.inflight--
	c.free = append(c.free, r.slot)
	if r.fault != nil {
		if c.fault == nil {
			c.fault = r.fault
		}
		return
	}
	if len(r.data) > 0 {
		c.buffer[r.url] = append(c.buffer[r.url], r.data...)
		c.buffered += len(r.data)
		c.stream.addData(len(r.data))
	}
}

func (c *crawl) takeBuffer() map[string][]string {
	out := c.buffer
	c.buffer = make(map[string][]string)
	c.buffered = 0
	return out
}

// acceptLink applies the frontier admission rules to one candidate link.
func (c *crawl) acceptLink(ctx context.Context, source *url.URL, link string) bool {
	target, err := url.Parse(link)
	if err != nil {
		return false
	}
	if !sameHost(source, target) {
		return false
	}
	if c.compiled.URLPattern != nil {
		if !c.compiled.URLPattern.MatchString(link) {
			return false
		}
	} else if !isDescendant(source, target) {
		return false
	}
	if c.run.Filter.Contains(link) {
		return false
	}
	if c.run.Config.IgnoreRobots {
		return true
	}
	return !c.engine.robots.IsForbidden(ctx, link, c.engine.cfg.UserAgent)
}
