package crawler

import (
	"context"
	"io"
	"regexp"
	"time"
)

// JobStore persists job records. UpdateJob serializes writers per job id so the
// scheduler and the heartbeat monitor never lose each other's updates.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, state *JobState) ([]Job, error)
	// UpdateJob applies fn to the stored record under a per-job lock. Data added
	// through fn is appended to the stored rows; implementations backed by a
	// database may hand fn a record whose Data holds only the new rows.
	UpdateJob(ctx context.Context, id string, fn func(*Job) error) (Job, error)
}

// JobQueue hands queued job ids to the scheduler.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
}

// Frontier is the pending-URL FIFO for one crawl.
type Frontier interface {
	Enqueue(ctx context.Context, urls ...string) error
	// Dequeue returns the next URL, or ok=false when the frontier is empty.
	Dequeue(ctx context.Context) (url string, ok bool, err error)
	Clear(ctx context.Context) error
}

// Filter records claimed URLs. Contains never reports false for an added key.
type Filter interface {
	Add(key string)
	Contains(key string) bool
	// Count is the number of Add calls, duplicates included.
	Count() int64
	Clear()
}

// DataSink caches extracted data for one job.
type DataSink interface {
	Add(url string, values []string)
	GetCount() int
	GetData() map[string][]string
	Clear()
}

// ErrorSink caches errors reported for one job.
type ErrorSink interface {
	Add(err JobError)
	GetCount() int
	GetData() []JobError
	Clear()
}

// Workspace bundles the per-job crawl state.
type Workspace struct {
	Frontier Frontier
	Filter   Filter
	Data     DataSink
	Errors   ErrorSink
}

// Clear empties every part of the workspace.
func (w Workspace) Clear(ctx context.Context) error {
	w.Filter.Clear()
	w.Data.Clear()
	w.Errors.Clear()
	return w.Frontier.Clear(ctx)
}

// WorkspaceProvider returns the workspace for a job, creating it on first use.
type WorkspaceProvider interface {
	Workspace(ctx context.Context, jobID string) (Workspace, error)
	// Lookup returns the workspace of a job this process currently holds.
	Lookup(jobID string) (Workspace, bool)
	Release(jobID string)
}

// Extractor pulls links and data matches out of page HTML.
type Extractor interface {
	ExtractLinks(baseURL string, html string) []string
	ExtractData(pattern *regexp.Regexp, html string) []string
}

// RobotsParser answers robots.txt queries.
type RobotsParser interface {
	IsForbidden(ctx context.Context, rawURL string, userAgent string) bool
}

// Browser opens pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// Page is one reusable browser tab.
type Page interface {
	NavigateTo(ctx context.Context, url string) error
	GetContent(ctx context.Context) (string, error)
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, amount int) error
	Close() error
}

// Publisher pushes fleet notifications to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
