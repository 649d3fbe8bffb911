package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/cancellation"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/dispatcher"
	"github.com/JakeFAU/crawl-fleet/internal/engine"
	"github.com/JakeFAU/crawl-fleet/internal/messages"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

// Run consumes the job queue with at most runners crawls in flight and blocks
// until ctx ends and every crawl has settled. Queued jobs already in the store
// are recovered at startup and on every requeue interval.
func (s *Scheduler) Run(ctx context.Context, runners int) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.requeueLoop(ctx)
	}()
	dispatcher.New(s.deps.Queue, runners, func(ctx context.Context, jobID string) {
		s.RunJob(ctx, jobID)
	}, s.logger).Run(ctx)
	wg.Wait()
}

// outcome is what a finished crawl resolved to.
type outcome struct {
	state      crawler.JobState
	errors     []crawler.JobError
	crawlCount int64
}

var tracer = otel.Tracer("github.com/JakeFAU/crawl-fleet/internal/scheduler")

// RunJob crawls one queued job to a terminal state.
func (s *Scheduler) RunJob(ctx context.Context, jobID string) {
	ctx, span := tracer.Start(ctx, "scheduler.run_job", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()
	logger := s.logger.With(zap.String("job_id", jobID))
	s.taken(jobID)
	job, err := s.deps.Store.UpdateJob(ctx, jobID, func(j *crawler.Job) error {
		return j.Transition(crawler.JobStateRunning, s.deps.Clock.Now())
	})
	if errors.Is(err, crawler.ErrInvalidTransition) {
		logger.Info("job already claimed", zap.String("state", string(job.State)))
		return
	}
	if err != nil {
		logger.Error("start job failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	metrics.ObserveJob(string(crawler.JobStateRunning))
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	logger.Info("job started", zap.Int("pages", s.cfg.PageCount))

	crawlCtx, stop := s.deps.Tokens.Link(ctx, jobID)
	release := func() {
		stop(context.Canceled)
		s.deps.Tokens.DisposeOfToken(jobID)
	}
	defer release()

	ws, err := s.deps.Workspaces.Workspace(ctx, jobID)
	if err != nil {
		release()
		s.settle(ctx, job, nil, s.failed("workspace", err))
		return
	}
	res := s.crawl(ctx, crawlCtx, stop, job, ws)
	// Cancel requests from here on find no token and report not running.
	release()
	s.publish(context.WithoutCancel(ctx), messages.CrawlCancelled{CrawlID: jobID})
	s.settle(ctx, job, &ws, res)
}

// crawl seeds the workspace, runs the engine, and consumes its stream.
func (s *Scheduler) crawl(
	ctx context.Context,
	crawlCtx context.Context,
	stop context.CancelCauseFunc,
	job crawler.Job,
	ws crawler.Workspace,
) outcome {
	logger := s.logger.With(zap.String("job_id", job.ID))
	if err := ws.Clear(ctx); err != nil {
		return s.failed("workspace", fmt.Errorf("clear workspace: %w", err))
	}
	if err := ws.Frontier.Enqueue(ctx, job.Config.Seeds...); err != nil {
		return s.failed("frontier", fmt.Errorf("seed frontier: %w", err))
	}

	pages, err := s.openPages(crawlCtx)
	if err != nil {
		return s.failed("browser", err)
	}
	defer closePages(pages, logger)

	stream, err := s.deps.Engine.Start(crawlCtx, engine.Run{
		JobID:    job.ID,
		Config:   job.Config,
		Frontier: ws.Frontier,
		Filter:   ws.Filter,
		Pages:    pages,
	})
	if err != nil {
		return s.failed("engine", err)
	}
	s.publish(ctx, messages.CrawlQueued{Job: job})

	s.consume(ctx, stop, job, ws, stream)
	res := s.resolve(ctx, crawlCtx, job, ws, stream)
	res.crawlCount = stream.Snapshot().CrawlCount
	return res
}

// consume drains the stream, folding batches into the job record. Each poll
// tick refreshes the heartbeat and checks the stop conditions.
func (s *Scheduler) consume(
	ctx context.Context,
	stop context.CancelCauseFunc,
	job crawler.Job,
	ws crawler.Workspace,
	stream *engine.Stream,
) {
	logger := s.logger.With(zap.String("job_id", job.ID))
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case batch, ok := <-stream.C():
			if !ok {
				return
			}
			s.recordProgress(context.WithoutCancel(ctx), job.ID, ws, batch)
		case <-ticker.C:
			snapshot := stream.Snapshot()
			if err := s.heartbeat(ctx, job.ID, snapshot); err != nil {
				logger.Warn("heartbeat refresh failed; stopping crawl", zap.Error(err))
				stop(err)
				continue
			}
			if hit, ok := crawler.AnyStop(job.Config.StopConditions, snapshot); ok {
				logger.Info("stop condition met", zap.String("kind", string(hit.Kind)), zap.Int64("limit", hit.Limit))
				stop(errStopConditionMet)
			}
		}
	}
}

func (s *Scheduler) recordProgress(ctx context.Context, jobID string, ws crawler.Workspace, batch crawler.CrawlProgress) {
	for url, values := range batch.Data {
		ws.Data.Add(url, values)
	}
	now := s.deps.Clock.Now()
	_, err := s.deps.Store.UpdateJob(ctx, jobID, func(j *crawler.Job) error {
		j.CrawlCount = batch.CrawlCount
		j.AddData(batch.Data)
		j.Heartbeat(now)
		return nil
	})
	if err != nil {
		s.logger.Error("record progress failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, jobID string, snapshot crawler.CrawlResult) error {
	now := s.deps.Clock.Now()
	_, err := s.deps.Store.UpdateJob(ctx, jobID, func(j *crawler.Job) error {
		if j.State != crawler.JobStateRunning {
			return fmt.Errorf("%w: %s is %s", crawler.ErrNotRunning, j.ID, j.State)
		}
		j.CrawlCount = snapshot.CrawlCount
		j.Heartbeat(now)
		return nil
	})
	return err
}

// resolve maps the way the crawl ended to a terminal state. A requested cancel
// wins, then an engine fault, then a met stop condition; otherwise accumulated
// errors decide.
func (s *Scheduler) resolve(
	ctx context.Context,
	crawlCtx context.Context,
	job crawler.Job,
	ws crawler.Workspace,
	stream *engine.Stream,
) outcome {
	cause := context.Cause(crawlCtx)
	var fault *engine.FaultError
	streamErr := stream.Err()

	switch {
	case errors.Is(cause, cancellation.ErrCancelRequested):
		return outcome{state: crawler.JobStateCancelled}
	case errors.As(streamErr, &fault):
		s.persistPartial(ctx, job.ID, fault.Partial)
		return s.failed("engine", fault)
	case streamErr != nil:
		return s.failed("engine", streamErr)
	case errors.Is(cause, errStopConditionMet):
		return outcome{state: crawler.JobStateComplete}
	}
	if _, stopped := stream.StoppedBy(); stopped {
		return outcome{state: crawler.JobStateComplete}
	}
	if ctx.Err() != nil {
		return s.failed("scheduler", errCrawlInterrupted)
	}
	if ws.Errors.GetCount() > 0 {
		return outcome{state: crawler.JobStateErrored}
	}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return s.failed("scheduler", cause)
	}
	return outcome{state: crawler.JobStateComplete}
}

func (s *Scheduler) persistPartial(ctx context.Context, jobID string, partial map[string][]string) {
	if len(partial) == 0 {
		return
	}
	_, err := s.deps.Store.UpdateJob(context.WithoutCancel(ctx), jobID, func(j *crawler.Job) error {
		j.AddData(partial)
		return nil
	})
	if err != nil {
		s.logger.Error("persist partial data failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) failed(source string, err error) outcome {
	return outcome{
		state: crawler.JobStateErrored,
		errors: []crawler.JobError{{
			Message: err.Error(),
			Source:  source,
			At:      s.deps.Clock.Now(),
		}},
	}
}

// settle clears the workspace, marks the job terminal, and archives it. It
// runs to completion even when ctx has ended.
func (s *Scheduler) settle(ctx context.Context, job crawler.Job, ws *crawler.Workspace, final outcome) {
	cleanupCtx := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("job_id", job.ID))

	var cached map[string][]string
	if ws != nil {
		cached = ws.Data.GetData()
		if err := ws.Clear(cleanupCtx); err != nil {
			logger.Warn("clear workspace failed", zap.Error(err))
		}
	}
	s.deps.Workspaces.Release(job.ID)

	updated, err := s.deps.Store.UpdateJob(cleanupCtx, job.ID, func(j *crawler.Job) error {
		if final.crawlCount > j.CrawlCount {
			j.CrawlCount = final.crawlCount
		}
		for _, e := range final.errors {
			j.AddError(e)
		}
		return j.Transition(final.state, s.deps.Clock.Now())
	})
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			logger.Info("job already settled", zap.String("state", string(updated.State)))
			return
		}
		logger.Error("settle job failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(final.state))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("job.state", string(final.state)),
		attribute.Int64("job.crawl_count", updated.CrawlCount),
	)
	if final.state == crawler.JobStateErrored {
		span.SetStatus(codes.Error, "job errored")
	}
	logger.Info("job finished",
		zap.String("state", string(final.state)),
		zap.Int64("crawl_count", updated.CrawlCount),
		zap.Int64("data_count", updated.DataCount),
		zap.Int("errors", len(updated.Errors)),
	)
	s.archive(cleanupCtx, updated, cached)
}

// archive writes the full terminal record to <prefix>/<job_id>.json. When the
// store cannot return the full record, the workspace's data cache fills in
// the extracted data.
func (s *Scheduler) archive(ctx context.Context, job crawler.Job, cached map[string][]string) {
	if s.deps.Archive == nil {
		return
	}
	full, err := s.deps.Store.GetJob(ctx, job.ID)
	switch {
	case err == nil:
		job = full
	case len(cached) > 0:
		s.logger.Warn("reload job for archive failed; using cached data", zap.String("job_id", job.ID), zap.Error(err))
		job.Data = crawler.CloneData(cached)
	}
	body, err := json.Marshal(job)
	if err != nil {
		s.logger.Error("marshal archive failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	blobPath := path.Join(s.cfg.ArchivePrefix, job.ID+".json")
	uri, err := s.deps.Archive.PutObject(ctx, blobPath, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.logger.Debug("job archived", zap.String("job_id", job.ID), zap.String("uri", uri))
}

func (s *Scheduler) openPages(ctx context.Context) ([]crawler.Page, error) {
	pages := make([]crawler.Page, 0, s.cfg.PageCount)
	for i := 0; i < s.cfg.PageCount; i++ {
		page, err := s.deps.Browser.NewPage(ctx)
		if err != nil {
			closePages(pages, s.logger)
			return nil, fmt.Errorf("open page %d: %w", i, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func closePages(pages []crawler.Page, logger *zap.Logger) {
	for _, page := range pages {
		if err := page.Close(); err != nil {
			logger.Debug("close page failed", zap.Error(err))
		}
	}
}
