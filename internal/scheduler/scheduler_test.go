package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-fleet/internal/cancellation"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/dedup"
	"github.com/JakeFAU/crawl-fleet/internal/engine"
	"github.com/JakeFAU/crawl-fleet/internal/extract"
	"github.com/JakeFAU/crawl-fleet/internal/messages"
	publishermemory "github.com/JakeFAU/crawl-fleet/internal/publisher/memory"
	queuememory "github.com/JakeFAU/crawl-fleet/internal/queue/memory"
	storagememory "github.com/JakeFAU/crawl-fleet/internal/storage/memory"
	"github.com/JakeFAU/crawl-fleet/internal/workspace"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type allowAll struct{}

func (allowAll) IsForbidden(context.Context, string, string) bool { return false }

// siteBrowser serves pages from a fixed map. block makes navigation wait for
// the crawl to be cancelled; panics makes content reads crash the worker.
type siteBrowser struct {
	pages  map[string]string
	block  bool
	panics bool
	opened int
	mu     sync.Mutex
}

func (b *siteBrowser) NewPage(context.Context) (crawler.Page, error) {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &sitePage{browser: b}, nil
}

type sitePage struct {
	browser *siteBrowser
	current string
}

func (p *sitePage) NavigateTo(ctx context.Context, url string) error {
	if p.browser.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if _, ok := p.browser.pages[url]; !ok {
		return fmt.Errorf("404 %s", url)
	}
	p.current = url
	return nil
}

func (p *sitePage) GetContent(context.Context) (string, error) {
	if p.browser.panics {
		panic("renderer crashed")
	}
	return p.browser.pages[p.current], nil
}

func (p *sitePage) WaitForSelector(context.Context, string, time.Duration) error { return nil }
func (p *sitePage) Click(context.Context, string) error                          { return nil }
func (p *sitePage) ScrollBy(context.Context, int) error                          { return nil }
func (p *sitePage) Close() error                                                 { return nil }

type harness struct {
	scheduler *Scheduler
	store     *storagememory.JobStore
	blobs     *storagememory.BlobStore
	publisher *publishermemory.Publisher
	tokens    *cancellation.Registry
}

func newHarness(t *testing.T, browser crawler.Browser, frontier workspace.FrontierFactory) *harness {
	t.Helper()
	eng, err := engine.New(engine.Config{BatchSize: 1, IdleDelay: 5 * time.Millisecond}, extract.New(nil), allowAll{}, wallClock{}, nil)
	require.NoError(t, err)
	h := &harness{
		store:     storagememory.NewJobStore(),
		blobs:     storagememory.NewBlobStore(),
		publisher: publishermemory.New(),
		tokens:    cancellation.NewRegistry(),
	}
	s, err := New(Config{PageCount: 2, PollInterval: 10 * time.Millisecond, Topic: "fleet"}, Deps{
		Store:      h.store,
		Queue:      queuememory.NewJobQueue(10),
		Workspaces: workspace.NewProvider(dedup.Config{Kind: dedup.KindExact}, frontier),
		Tokens:     h.tokens,
		Engine:     eng,
		Browser:    browser,
		Publisher:  h.publisher,
		Archive:    h.blobs,
		Clock:      wallClock{},
		IDs:        &seqIDs{},
	}, nil)
	require.NoError(t, err)
	h.scheduler = s
	return h
}

func (h *harness) job(t *testing.T, id string) crawler.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) publishedTypes() []string {
	var out []string
	for _, msg := range h.publisher.Messages() {
		if env, ok := msg.Payload.(messages.Envelope); ok {
			out = append(out, env.Type)
		}
	}
	return out
}

func TestRunJobCompletesOnStopCondition(t *testing.T) {
	t.Parallel()

	browser := &siteBrowser{pages: map[string]string{
		"http://localhost/":  `<a href="/a">a</a><p>price 42</p>`,
		"http://localhost/a": `<p>price 7</p>`,
	}}
	h := newHarness(t, browser, nil)
	ctx := context.Background()

	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{
		Seeds:          []string{"http://localhost/"},
		DataPattern:    `\d+`,
		StopConditions: []crawler.StopCondition{crawler.MaxDataCount(2)},
	})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateQueued, job.State)

	h.scheduler.RunJob(ctx, job.ID)

	got := h.job(t, job.ID)
	require.Equal(t, crawler.JobStateComplete, got.State)
	require.Equal(t, int64(2), got.CrawlCount)
	require.Equal(t, int64(2), got.DataCount)
	require.Equal(t, []string{"42"}, got.Data["http://localhost/"])
	require.NotNil(t, got.Started)
	require.NotNil(t, got.Completed)
	require.Equal(t, 2, browser.opened)

	require.Equal(t, []string{messages.TypeCrawlQueued, messages.TypeCrawlCancelled}, h.publishedTypes())
	archived, ok := h.blobs.Object("results/" + job.ID + ".json")
	require.True(t, ok)
	require.Contains(t, string(archived), `"state":"complete"`)
	require.Zero(t, h.tokens.Active())
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{block: true}, nil)
	ctx := context.Background()
	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	require.NoError(t, err)

	require.ErrorIs(t, h.scheduler.Cancel(ctx, job.ID), crawler.ErrNotRunning)
	require.ErrorIs(t, h.scheduler.Cancel(ctx, "missing"), crawler.ErrJobNotFound)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.scheduler.RunJob(ctx, job.ID)
	}()

	require.Eventually(t, func() bool {
		return h.scheduler.Cancel(ctx, job.ID) == nil
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after cancel")
	}
	got := h.job(t, job.ID)
	require.Equal(t, crawler.JobStateCancelled, got.State)
	require.Empty(t, got.Errors)
	require.Contains(t, h.publishedTypes(), messages.TypeCrawlCancelled)
}

func TestShutdownErrorsRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{block: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.scheduler.RunJob(ctx, job.ID)
	}()
	require.Eventually(t, func() bool {
		return h.job(t, job.ID).State == crawler.JobStateRunning
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := h.job(t, job.ID)
	require.Equal(t, crawler.JobStateErrored, got.State)
	require.Len(t, got.Errors, 1)
	require.Contains(t, got.Errors[0].Message, "interrupted")
}

func TestEngineFaultErrorsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{panics: true, pages: map[string]string{"http://localhost/": "x"}}, nil)
	ctx := context.Background()
	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	require.NoError(t, err)

	h.scheduler.RunJob(ctx, job.ID)

	got := h.job(t, job.ID)
	require.Equal(t, crawler.JobStateErrored, got.State)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "engine", got.Errors[0].Source)
	require.Contains(t, got.Errors[0].Message, "crawl fault")
}

type failingFrontier struct{}

func (failingFrontier) Enqueue(context.Context, ...string) error {
	return errors.New("frontier offline")
}

func (failingFrontier) Dequeue(context.Context) (string, bool, error) { return "", false, nil }
func (failingFrontier) Clear(context.Context) error                   { return nil }

func TestSeedFailureErrorsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{}, func(string) crawler.Frontier { return failingFrontier{} })
	ctx := context.Background()
	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	require.NoError(t, err)

	h.scheduler.RunJob(ctx, job.ID)

	got := h.job(t, job.ID)
	require.Equal(t, crawler.JobStateErrored, got.State)
	require.Equal(t, "frontier", got.Errors[0].Source)
	require.True(t, strings.Contains(got.Errors[0].Message, "frontier offline"))
	require.Equal(t, []string{messages.TypeCrawlCancelled}, h.publishedTypes())
}

func TestRunJobIgnoresNonQueuedJob(t *testing.T) {
	t.Parallel()

	browser := &siteBrowser{}
	h := newHarness(t, browser, nil)
	h.scheduler.RunJob(context.Background(), "missing")
	require.Zero(t, browser.opened)
	require.Empty(t, h.publisher.Messages())
}

func TestEnqueueRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{}, nil)
	_, err := h.scheduler.Enqueue(context.Background(), crawler.JobConfig{})
	require.ErrorIs(t, err, crawler.ErrInvalidJob)

	jobs, err := h.store.ListJobs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestHandlePushedDataAndErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{}, nil)
	ctx := context.Background()
	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	require.NoError(t, err)

	push := messages.CrawlDataPushed{JobID: job.ID, Data: map[string][]string{"http://localhost/": {"a", "b"}}}
	require.ErrorIs(t, h.scheduler.HandleDataPushed(ctx, push), crawler.ErrNotRunning)
	require.ErrorIs(t, h.scheduler.HandleDataPushed(ctx, messages.CrawlDataPushed{JobID: "missing"}), crawler.ErrJobNotFound)

	_, err = h.store.UpdateJob(ctx, job.ID, func(j *crawler.Job) error {
		return j.Transition(crawler.JobStateRunning, time.Now())
	})
	require.NoError(t, err)

	require.NoError(t, h.scheduler.HandleDataPushed(ctx, push))
	require.NoError(t, h.scheduler.HandleErrorPushed(ctx, messages.CrawlErrorPushed{
		JobID:   job.ID,
		Message: "selector never appeared",
		Source:  "crawler-7",
	}))

	got := h.job(t, job.ID)
	require.Equal(t, int64(2), got.DataCount)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "crawler-7", got.Errors[0].Source)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestRunRecoversStoredQueuedJobs(t *testing.T) {
	t.Parallel()

	browser := &siteBrowser{pages: map[string]string{"http://localhost/": `<p>hello</p>`}}
	h := newHarness(t, browser, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := crawler.JobConfig{
		Seeds:          []string{"http://localhost/"},
		StopConditions: []crawler.StopCondition{crawler.MaxCrawlCount(1)},
	}
	queuedAt := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"before-restart-1", "before-restart-2"} {
		require.NoError(t, h.store.CreateJob(ctx, crawler.NewJob(id, cfg, queuedAt)))
		queuedAt = queuedAt.Add(time.Second)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.scheduler.Run(ctx, 1)
	}()

	require.Eventually(t, func() bool {
		return h.job(t, "before-restart-1").State.Terminal() && h.job(t, "before-restart-2").State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, crawler.JobStateComplete, h.job(t, "before-restart-1").State)
	require.Equal(t, crawler.JobStateComplete, h.job(t, "before-restart-2").State)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRequeueSkipsPendingJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{}, nil)
	ctx := context.Background()
	cfg := crawler.JobConfig{Seeds: []string{"http://localhost/"}}

	_, err := h.scheduler.Enqueue(ctx, cfg)
	require.NoError(t, err)
	n, err := h.scheduler.Requeue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, h.store.CreateJob(ctx, crawler.NewJob("orphan", cfg, time.Now().UTC())))
	n, err = h.scheduler.Requeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.scheduler.Requeue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCancelAfterCrawlExitsReportsNotRunning(t *testing.T) {
	t.Parallel()

	browser := &siteBrowser{pages: map[string]string{"http://localhost/": `<p>hello</p>`}}
	h := newHarness(t, browser, nil)
	ctx := context.Background()

	job, err := h.scheduler.Enqueue(ctx, crawler.JobConfig{
		Seeds:          []string{"http://localhost/"},
		StopConditions: []crawler.StopCondition{crawler.MaxCrawlCount(1)},
	})
	require.NoError(t, err)

	var lateCancel error
	h.publisher.Subscribe(func(ctx context.Context, data []byte) error {
		var env messages.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		if env.Type == messages.TypeCrawlCancelled {
			lateCancel = h.scheduler.Cancel(ctx, job.ID)
		}
		return nil
	})

	h.scheduler.RunJob(ctx, job.ID)

	require.ErrorIs(t, lateCancel, crawler.ErrNotRunning)
	require.Equal(t, crawler.JobStateComplete, h.job(t, job.ID).State)
}

func TestArchiveFallsBackToCachedData(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteBrowser{}, nil)
	job := crawler.Job{ID: "evicted", State: crawler.JobStateComplete}
	h.scheduler.archive(context.Background(), job, map[string][]string{"http://localhost/": {"cached-value"}})

	archived, ok := h.blobs.Object("results/evicted.json")
	require.True(t, ok)
	require.Contains(t, string(archived), "cached-value")
}
