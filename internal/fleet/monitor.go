package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

var errStillAlive = errors.New("job heartbeat refreshed")

// Run ticks the monitor until ctx ends.
func (f *Fleet) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()
	f.logger.Info("heartbeat monitor started",
		zap.Duration("tick", f.cfg.Tick),
		zap.Int("max_unresponsive_ticks", f.cfg.MaxUnresponsiveTicks),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Tick(ctx); err != nil && ctx.Err() == nil {
				f.logger.Error("monitor tick failed", zap.Error(err))
			}
		}
	}
}

// Tick errors every running job whose last heartbeat is older than the
// threshold and returns how many were errored.
func (f *Fleet) Tick(ctx context.Context) (int, error) {
	running := crawler.JobStateRunning
	jobs, err := f.store.ListJobs(ctx, &running)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	threshold := f.cfg.Threshold()
	errored := 0
	for _, job := range jobs {
		if !f.stale(job, threshold) {
			continue
		}
		if f.expire(ctx, job.ID, threshold) {
			errored++
		}
	}
	return errored, nil
}

func (f *Fleet) stale(job crawler.Job, threshold time.Duration) bool {
	last := job.LastHeartbeat
	if last == nil {
		last = job.Started
	}
	if last == nil {
		return true
	}
	return f.clock.Now().Sub(*last) > threshold
}

// expire re-checks staleness under the store's per-job lock so a heartbeat
// that lands between the scan and the write wins.
func (f *Fleet) expire(ctx context.Context, jobID string, threshold time.Duration) bool {
	logger := f.logger.With(zap.String("job_id", jobID))
	msg := fmt.Sprintf("job was unresponsive for %d ticks", f.cfg.MaxUnresponsiveTicks)
	_, err := f.store.UpdateJob(ctx, jobID, func(j *crawler.Job) error {
		if j.State != crawler.JobStateRunning || !f.stale(*j, threshold) {
			return errStillAlive
		}
		now := f.clock.Now()
		j.AddError(crawler.JobError{Message: msg, Source: "fleet", At: now})
		return j.Transition(crawler.JobStateErrored, now)
	})
	if err != nil {
		if !errors.Is(err, errStillAlive) {
			logger.Error("error unresponsive job failed", zap.Error(err))
		}
		return false
	}
	metrics.ObserveUnresponsiveJob()
	metrics.ObserveJob(string(crawler.JobStateErrored))
	logger.Warn("job unresponsive", zap.Int("ticks", f.cfg.MaxUnresponsiveTicks))
	if f.cfg.CancelUnresponsive && f.tokens != nil {
		f.tokens.CancelJob(jobID)
	}
	return true
}
