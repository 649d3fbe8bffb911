// Package fleet tracks live crawler processes and forces silent jobs into the
// errored state.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/cancellation"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

// Config controls the heartbeat monitor.
type Config struct {
	// Tick is the monitor interval.
	Tick time.Duration `mapstructure:"tick"`
	// MaxUnresponsiveTicks is how many ticks a running job may go without a
	// heartbeat.
	MaxUnresponsiveTicks int `mapstructure:"max_unresponsive_ticks"`
	// CancelUnresponsive also cancels the local crawl of an errored job.
	CancelUnresponsive bool `mapstructure:"cancel_unresponsive"`
}

// Threshold is the heartbeat age past which a running job is unresponsive.
func (c Config) Threshold() time.Duration {
	return c.Tick * time.Duration(c.MaxUnresponsiveTicks)
}

// Fleet is the crawler registry plus the heartbeat monitor. It is safe for
// concurrent use.
type Fleet struct {
	cfg    Config
	store  crawler.JobStore
	clock  crawler.Clock
	tokens *cancellation.Registry
	logger *zap.Logger

	mu       sync.Mutex
	crawlers map[string]crawler.Registration
}

// New builds a Fleet. tokens may be nil.
func New(cfg Config, store crawler.JobStore, clock crawler.Clock, tokens *cancellation.Registry, logger *zap.Logger) (*Fleet, error) {
	if store == nil {
		return nil, errors.New("fleet requires a job store")
	}
	if clock == nil {
		return nil, errors.New("fleet requires a clock")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.MaxUnresponsiveTicks <= 0 {
		cfg.MaxUnresponsiveTicks = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fleet{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		tokens:   tokens,
		logger:   logger.Named("fleet"),
		crawlers: make(map[string]crawler.Registration),
	}, nil
}

// CrawlerUp registers a crawler process.
func (f *Fleet) CrawlerUp(_ context.Context, crawlerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.crawlers[crawlerID]; ok {
		return fmt.Errorf("%w: %s", crawler.ErrCrawlerExists, crawlerID)
	}
	f.crawlers[crawlerID] = crawler.Registration{CrawlerID: crawlerID, LastHeartbeat: f.clock.Now()}
	metrics.SetCrawlers(len(f.crawlers))
	f.logger.Info("crawler up", zap.String("crawler_id", crawlerID))
	return nil
}

// CrawlerDown removes a crawler process.
func (f *Fleet) CrawlerDown(_ context.Context, crawlerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.crawlers[crawlerID]; !ok {
		return fmt.Errorf("%w: %s", crawler.ErrCrawlerNotFound, crawlerID)
	}
	delete(f.crawlers, crawlerID)
	metrics.SetCrawlers(len(f.crawlers))
	f.logger.Info("crawler down", zap.String("crawler_id", crawlerID))
	return nil
}

// CrawlerJoined assigns a queued or running job to a registered crawler.
func (f *Fleet) CrawlerJoined(ctx context.Context, crawlerID string, jobID string) error {
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.State.Crawlable() {
		return fmt.Errorf("%w: job %s is %s", crawler.ErrJobNotCrawlable, jobID, job.State)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.crawlers[crawlerID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrCrawlerNotFound, crawlerID)
	}
	reg.JobID = jobID
	reg.LastHeartbeat = f.clock.Now()
	f.crawlers[crawlerID] = reg
	f.logger.Info("crawler joined job", zap.String("crawler_id", crawlerID), zap.String("job_id", jobID))
	return nil
}

// CrawlerLeft clears a crawler's assignment to jobID.
func (f *Fleet) CrawlerLeft(_ context.Context, crawlerID string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.crawlers[crawlerID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrCrawlerNotFound, crawlerID)
	}
	if reg.JobID == jobID {
		reg.JobID = ""
		f.crawlers[crawlerID] = reg
	}
	f.logger.Info("crawler left job", zap.String("crawler_id", crawlerID), zap.String("job_id", jobID))
	return nil
}

// CrawlerHeartbeat refreshes a crawler's liveness. Job heartbeats are not
// touched.
func (f *Fleet) CrawlerHeartbeat(_ context.Context, crawlerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.crawlers[crawlerID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrCrawlerNotFound, crawlerID)
	}
	reg.LastHeartbeat = f.clock.Now()
	f.crawlers[crawlerID] = reg
	return nil
}

// Crawlers returns the registrations ordered by crawler id.
func (f *Fleet) Crawlers() []crawler.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.Registration, 0, len(f.crawlers))
	for _, reg := range f.crawlers {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrawlerID < out[j].CrawlerID })
	return out
}
