// Package scheduler drives jobs through their lifecycle: it starts a crawl for
// each dequeued job, folds the engine's progress into the job record, and
// settles the terminal state once the crawl exits.
package scheduler

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
	"github.com/JakeFAU/crawl-fleet/internal/engine"
	"github.com/JakeFAU/crawl-fleet/internal/messages"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

var (
	errStopConditionMet = errors.New("stop condition met")
	errCrawlInterrupted = errors.New("crawl interrupted by shutdown")
)

// Config controls per-job scheduling.
type Config struct {
	// PageCount is the number of browser pages opened per crawl.
	PageCount int `mapstructure:"page_count"`
	// PollInterval is how often heartbeats and stop conditions are checked.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Topic receives crawl.queued and crawl.cancelled notifications.
	Topic string `mapstructure:"topic"`
	// ArchivePrefix is the blob path prefix for terminal job records.
	ArchivePrefix string `mapstructure:"archive_prefix"`
	// RequeueInterval is how often the store is rescanned for queued jobs no
	// runner holds. Zero scans once at startup only.
	RequeueInterval time.Duration `mapstructure:"requeue_interval"`
}

// Deps are the collaborators a Scheduler needs. Publisher and Archive are
// optional.
type Deps struct {
	Store      crawler.JobStore
	Queue      crawler.JobQueue
	Workspaces crawler.WorkspaceProvider
	Tokens     *cancellation.Registry
	Engine     *engine.Engine
	Browser    crawler.Browser
	Publisher  crawler.Publisher
	Archive    crawler.BlobStore
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
}

// Scheduler owns job state transitions.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("scheduler requires a job store")
	case deps.Queue == nil:
		return nil, errors.New("scheduler requires a job queue")
	case deps.Workspaces == nil:
		return nil, errors.New("scheduler requires a workspace provider")
	case deps.Tokens == nil:
		return nil, errors.New("scheduler requires a cancellation registry")
	case deps.Engine == nil:
		return nil, errors.New("scheduler requires an engine")
	case deps.Browser == nil:
		return nil, errors.New("scheduler requires a browser")
	case deps.Clock == nil:
		return nil, errors.New("scheduler requires a clock")
	case deps.IDs == nil:
		return nil, errors.New("scheduler requires an id generator")
	}
	if cfg.PageCount <= 0 {
		cfg.PageCount = 1
	}
	if cfg.PageCount > engine.MaxPages {
		return nil, fmt.Errorf("page count must be between 1 and %d, got %d", engine.MaxPages, cfg.PageCount)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "results"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		pending: make(map[string]struct{}),
	}, nil
}

// Enqueue validates cfg, stores a queued job, and hands its id to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, cfg crawler.JobConfig) (crawler.Job, error) {
	if err := cfg.Validate(); err != nil {
		return crawler.Job{}, err
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewJob(id, cfg, s.deps.Clock.Now())
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.handOff(ctx, id); err != nil {
		return crawler.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveJob(string(crawler.JobStateQueued))
	s.logger.Info("job enqueued", zap.String("job_id", id), zap.Strings("seeds", job.Config.Seeds))
	return job, nil
}

// Requeue hands every stored queued job that is not already waiting in this
// process's queue to the queue, oldest first. It returns how many were handed
// off.
func (s *Scheduler) Requeue(ctx context.Context) (int, error) {
	queued := crawler.JobStateQueued
	jobs, err := s.deps.Store.ListJobs(ctx, &queued)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Queued.Before(jobs[j].Queued)
	})
	n := 0
	for _, job := range jobs {
		if s.isPending(job.ID) {
			continue
		}
		if err := s.handOff(ctx, job.ID); err != nil {
			return n, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("queued jobs recovered from store", zap.Int("count", n))
	}
	return n, nil
}

func (s *Scheduler) requeueLoop(ctx context.Context) {
	if _, err := s.Requeue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("requeue failed", zap.Error(err))
	}
	if s.cfg.RequeueInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Requeue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("requeue failed", zap.Error(err))
			}
		}
	}
}

// handOff marks id pending and pushes it onto the queue.
func (s *Scheduler) handOff(ctx context.Context, id string) error {
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.mu.Unlock()
	if err := s.deps.Queue.Enqueue(ctx, id); err != nil {
		s.taken(id)
		return err
	}
	return nil
}

func (s *Scheduler) isPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Scheduler) taken(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Cancel requests cancellation of a running crawl. It returns ErrJobNotFound
// for unknown ids and ErrNotRunning when no crawl is associated with the job.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if _, err := s.deps.Store.GetJob(ctx, id); err != nil {
		return err
	}
	if !s.deps.Tokens.CancelJob(id) {
		return fmt.Errorf("%w: %s", crawler.ErrNotRunning, id)
	}
	s.logger.Info("job cancel requested", zap.String("job_id", id))
	return nil
}

// HandleDataPushed appends data a crawler reported for a running job.
func (s *Scheduler) HandleDataPushed(ctx context.Context, msg messages.CrawlDataPushed) error {
	now := s.deps.Clock.Now()
	_, err := s.deps.Store.UpdateJob(ctx, msg.JobID, func(j *crawler.Job) error {
		if j.State != crawler.JobStateRunning {
			return fmt.Errorf("%w: %s is %s", crawler.ErrNotRunning, j.ID, j.State)
		}
		j.AddData(msg.Data)
		j.Heartbeat(now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record pushed data: %w", err)
	}
	if ws, ok := s.deps.Workspaces.Lookup(msg.JobID); ok {
		for url, values := range msg.Data {
			ws.Data.Add(url, values)
		}
	}
	return nil
}

// HandleErrorPushed attaches an error a crawler reported for a running job.
func (s *Scheduler) HandleErrorPushed(ctx context.Context, msg messages.CrawlErrorPushed) error {
	jobErr := crawler.JobError{
		Message:    msg.Message,
		Source:     msg.Source,
		StackTrace: msg.StackTrace,
		At:         s.deps.Clock.Now(),
	}
	_, err := s.deps.Store.UpdateJob(ctx, msg.JobID, func(j *crawler.Job) error {
		if j.State != crawler.JobStateRunning {
			return fmt.Errorf("%w: %s is %s", crawler.ErrNotRunning, j.ID, j.State)
		}
		j.AddError(jobErr)
		j.Heartbeat(jobErr.At)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record pushed error: %w", err)
	}
	if ws, ok := s.deps.Workspaces.Lookup(msg.JobID); ok {
		ws.Errors.Add(jobErr)
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, msg messages.Message) {
	if s.deps.Publisher == nil || s.cfg.Topic == "" {
		return
	}
	env, err := messages.Wrap(msg, s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("wrap message failed", zap.String("type", msg.MessageType()), zap.Error(err))
		return
	}
	if _, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, env); err != nil {
		s.logger.Warn("publish failed", zap.String("type", msg.MessageType()), zap.Error(err))
		return
	}
	s.logger.Debug("message published", zap.String("type", msg.MessageType()))
}
