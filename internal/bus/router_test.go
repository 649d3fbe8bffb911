package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/messages"
)

type recorder struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (r *recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	if call == r.failOn {
		return crawler.ErrCrawlerNotFound
	}
	return nil
}

func (r *recorder) CrawlerUp(_ context.Context, id string) error   { return r.record("up:" + id) }
func (r *recorder) CrawlerDown(_ context.Context, id string) error { return r.record("down:" + id) }
func (r *recorder) CrawlerJoined(_ context.Context, id, job string) error {
	return r.record("joined:" + id + ":" + job)
}
func (r *recorder) CrawlerLeft(_ context.Context, id, job string) error {
	return r.record("left:" + id + ":" + job)
}
func (r *recorder) CrawlerHeartbeat(_ context.Context, id string) error {
	return r.record("heartbeat:" + id)
}
func (r *recorder) HandleDataPushed(_ context.Context, msg messages.CrawlDataPushed) error {
	return r.record("data:" + msg.JobID)
}
func (r *recorder) HandleErrorPushed(_ context.Context, msg messages.CrawlErrorPushed) error {
	return r.record("error:" + msg.JobID)
}
func (r *recorder) CancelJob(id string) bool {
	_ = r.record("cancel:" + id)
	return true
}

func raw(t *testing.T, msg messages.Message) []byte {
	t.Helper()
	env, err := messages.Wrap(msg, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestRouterDispatchesEveryType(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	router := NewRouter(rec, rec, rec, nil)
	ctx := context.Background()

	for _, msg := range []messages.Message{
		messages.CrawlerUp{CrawlerID: "c"},
		messages.CrawlerJoined{CrawlerID: "c", JobID: "j"},
		messages.CrawlerHeartbeat{CrawlerID: "c"},
		messages.CrawlDataPushed{JobID: "j", Data: map[string][]string{"u": {"v"}}},
		messages.CrawlErrorPushed{JobID: "j", Message: "boom"},
		messages.CrawlerLeft{CrawlerID: "c", JobID: "j"},
		messages.CrawlerDown{CrawlerID: "c"},
		messages.CrawlCancelled{CrawlID: "j"},
		messages.CrawlQueued{Job: crawler.Job{ID: "j"}},
	} {
		require.NoError(t, router.Handle(ctx, raw(t, msg)), msg.MessageType())
	}
	require.Equal(t, []string{
		"up:c", "joined:c:j", "heartbeat:c", "data:j", "error:j", "left:c:j", "down:c", "cancel:j",
	}, rec.calls)
}

func TestRouterReportsFailures(t *testing.T) {
	t.Parallel()

	rec := &recorder{failOn: "heartbeat:ghost"}
	router := NewRouter(rec, rec, nil, nil)
	ctx := context.Background()

	err := router.Handle(ctx, raw(t, messages.CrawlerHeartbeat{CrawlerID: "ghost"}))
	require.ErrorIs(t, err, crawler.ErrCrawlerNotFound)

	require.ErrorIs(t, router.Handle(ctx, []byte("{")), ErrMalformed)
	require.ErrorIs(t, router.Handle(ctx, []byte(`{"type":"crawl.nope","payload":{}}`)), ErrMalformed)

	require.NoError(t, router.Handle(ctx, raw(t, messages.CrawlCancelled{CrawlID: "j"})))
}
