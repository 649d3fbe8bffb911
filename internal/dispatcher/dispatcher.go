// Package dispatcher fans queued job ids out to a fixed number of runners.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// Handler runs one job to completion.
type Handler func(ctx context.Context, jobID string)

// Dispatcher bounds how many jobs run at once: each runner handles one job at a
// time.
type Dispatcher struct {
	queue   crawler.JobQueue
	runners int
	handle  Handler
	logger  *zap.Logger
	backoff time.Duration
}

// New creates a Dispatcher with runners concurrent job slots.
func New(queue crawler.JobQueue, runners int, handle Handler, logger *zap.Logger) *Dispatcher {
	if runners <= 0 {
		runners = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runners: runners,
		handle:  handle,
		logger:  logger.Named("dispatcher"),
		backoff: 250 * time.Millisecond,
	}
}

// Run starts all runners and blocks until ctx ends and every running job has
// returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) runLoop(ctx context.Context) {
	for {
		jobID, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			if sleepErr := sleep(ctx, d.backoff); sleepErr != nil {
				return
			}
			continue
		}
		d.logger.Debug("dequeued job", zap.String("job_id", jobID))
		d.handle(ctx, jobID)
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) error {
	if err := d.queue.Enqueue(ctx, jobID); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
