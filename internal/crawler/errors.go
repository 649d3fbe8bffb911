package crawler

import "errors"

// Sentinel errors shared by the scheduler, fleet, stores, and API.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidJob        = errors.New("invalid job config")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrJobNotCrawlable   = errors.New("cannot run job in current state")
	ErrNotRunning        = errors.New("no crawl is running for job")
	ErrCrawlerExists     = errors.New("crawler already registered")
	ErrCrawlerNotFound   = errors.New("crawler not found")
	// ErrWaitTimeout is returned by Page.WaitForSelector when the selector never
	// appears. It is the only page-action failure that is retried.
	ErrWaitTimeout = errors.New("wait for selector timed out")
)
