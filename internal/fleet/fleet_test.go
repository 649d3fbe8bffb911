package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-fleet/internal/cancellation"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	storagememory "github.com/JakeFAU/crawl-fleet/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newFleet(t *testing.T, cfg Config) (*Fleet, *storagememory.JobStore, *fakeClock, *cancellation.Registry) {
	t.Helper()
	store := storagememory.NewJobStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tokens := cancellation.NewRegistry()
	f, err := New(cfg, store, clock, tokens, nil)
	require.NoError(t, err)
	return f, store, clock, tokens
}

func addJob(t *testing.T, store *storagememory.JobStore, id string, state crawler.JobState, heartbeat time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.NewJob(id, crawler.JobConfig{Seeds: []string{"http://localhost/"}}, heartbeat)))
	if state == crawler.JobStateQueued {
		return
	}
	_, err := store.UpdateJob(ctx, id, func(j *crawler.Job) error {
		if err := j.Transition(crawler.JobStateRunning, heartbeat); err != nil {
			return err
		}
		if state != crawler.JobStateRunning {
			return j.Transition(state, heartbeat)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCrawlerRegistration(t *testing.T) {
	t.Parallel()

	f, store, _, _ := newFleet(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.CrawlerUp(ctx, "c-1"))
	require.ErrorIs(t, f.CrawlerUp(ctx, "c-1"), crawler.ErrCrawlerExists)
	require.ErrorIs(t, f.CrawlerHeartbeat(ctx, "c-2"), crawler.ErrCrawlerNotFound)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	addJob(t, store, "queued", crawler.JobStateQueued, now)
	addJob(t, store, "done", crawler.JobStateComplete, now)

	require.NoError(t, f.CrawlerJoined(ctx, "c-1", "queued"))
	require.ErrorIs(t, f.CrawlerJoined(ctx, "c-1", "done"), crawler.ErrJobNotCrawlable)
	require.ErrorIs(t, f.CrawlerJoined(ctx, "c-1", "missing"), crawler.ErrJobNotFound)
	require.ErrorIs(t, f.CrawlerJoined(ctx, "c-9", "queued"), crawler.ErrCrawlerNotFound)

	regs := f.Crawlers()
	require.Len(t, regs, 1)
	require.Equal(t, "queued", regs[0].JobID)

	require.NoError(t, f.CrawlerLeft(ctx, "c-1", "other"))
	require.Equal(t, "queued", f.Crawlers()[0].JobID)
	require.NoError(t, f.CrawlerLeft(ctx, "c-1", "queued"))
	require.Empty(t, f.Crawlers()[0].JobID)

	require.NoError(t, f.CrawlerDown(ctx, "c-1"))
	require.ErrorIs(t, f.CrawlerDown(ctx, "c-1"), crawler.ErrCrawlerNotFound)
	require.Empty(t, f.Crawlers())
}

func TestCrawlerHeartbeatDoesNotTouchJob(t *testing.T) {
	t.Parallel()

	f, store, clock, _ := newFleet(t, Config{Tick: time.Second, MaxUnresponsiveTicks: 2})
	ctx := context.Background()
	start := clock.Now()
	addJob(t, store, "job-1", crawler.JobStateRunning, start)
	require.NoError(t, f.CrawlerUp(ctx, "c-1"))
	require.NoError(t, f.CrawlerJoined(ctx, "c-1", "job-1"))

	clock.mu.Lock()
	clock.now = start.Add(time.Minute)
	clock.mu.Unlock()
	require.NoError(t, f.CrawlerHeartbeat(ctx, "c-1"))
	require.Equal(t, start.Add(time.Minute), f.Crawlers()[0].LastHeartbeat)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, start, *job.LastHeartbeat)
}

func TestTickErrorsOnlyStaleJobs(t *testing.T) {
	t.Parallel()

	cfg := Config{Tick: 5 * time.Second, MaxUnresponsiveTicks: 3, CancelUnresponsive: true}
	f, store, clock, tokens := newFleet(t, cfg)
	ctx := context.Background()
	now := clock.Now()
	threshold := cfg.Threshold()
	require.Equal(t, 15*time.Second, threshold)

	addJob(t, store, "stale", crawler.JobStateRunning, now.Add(-(threshold + time.Millisecond)))
	addJob(t, store, "fresh", crawler.JobStateRunning, now.Add(-(threshold - time.Millisecond)))
	addJob(t, store, "queued", crawler.JobStateQueued, now.Add(-time.Hour))
	staleToken := tokens.GetToken("stale")

	errored, err := f.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, errored)

	stale, err := store.GetJob(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateErrored, stale.State)
	require.Len(t, stale.Errors, 1)
	require.Equal(t, "job was unresponsive for 3 ticks", stale.Errors[0].Message)
	require.NotNil(t, stale.Completed)
	require.Error(t, staleToken.Err())

	fresh, err := store.GetJob(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateRunning, fresh.State)
	require.Empty(t, fresh.Errors)

	queued, err := store.GetJob(ctx, "queued")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateQueued, queued.State)

	errored, err = f.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, errored)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	f, store, clock, _ := newFleet(t, Config{Tick: 5 * time.Millisecond, MaxUnresponsiveTicks: 1})
	addJob(t, store, "stale", crawler.JobStateRunning, clock.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), "stale")
		return err == nil && job.State == crawler.JobStateErrored
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
