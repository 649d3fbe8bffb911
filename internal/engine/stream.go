package engine

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// Stream is the single-consumer output of one crawl. Receive from C until it
// is closed, then read Err: nil means the crawl ended cleanly, a *FaultError
// means it failed.
type Stream struct {
	ch      chan crawler.CrawlProgress
	done    chan struct{}
	started time.Time
	now     func() time.Time

	mu         sync.Mutex
	crawlCount int64
	dataCount  int64
	finished   time.Time
	err        error
	stop       *crawler.StopCondition
}

func newStream(started time.Time, now func() time.Time) *Stream {
	return &Stream{
		ch:      make(chan crawler.CrawlProgress, 1),
		done:    make(chan struct{}),
		started: started,
		now:     now,
	}
}

// C returns the progress channel.
func (s *Stream) C() <-chan crawler.CrawlProgress {
	return s.ch
}

// Done is closed once the crawl loop has exited and C is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once Done is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns the running totals.
func (s *Stream) Snapshot() crawler.CrawlResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.finished
	if end.IsZero() {
		end = s.now()
	}
	return crawler.CrawlResult{
		CrawlCount: s.crawlCount,
		DataCount:  s.dataCount,
		Elapsed:    end.Sub(s.started),
	}
}

// StoppedBy returns the stop condition that ended the crawl, if any.
func (s *Stream) StoppedBy() (crawler.StopCondition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return crawler.StopCondition{}, false
	}
	return *s.stop, true
}

func (s *Stream) setCrawlCount(n int64) {
	s.mu.Lock()
	s.crawlCount = n
	s.mu.Unlock()
}

func (s *Stream) addData(n int) {
	s.mu.Lock()
	s.dataCount += int64(n)
	s.mu.Unlock()
}

func (s *Stream) setStop(c crawler.StopCondition) {
	s.mu.Lock()
	s.stop = &c
	s.mu.Unlock()
}

// progress builds a batch carrying data and the current totals.
func (s *Stream) progress(data map[string][]string) crawler.CrawlProgress {
	return crawler.CrawlProgress{CrawlResult: s.Snapshot(), Data: data}
}

// trySend hands a batch to the consumer only if it is ready.
func (s *Stream) trySend(p crawler.CrawlProgress) bool {
	select {
	case s.ch <- p:
		return true
	default:
		return false
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.finished = s.now()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
	close(s.done)
}
