// Package memory keeps per-job data and error caches in process memory.
package memory

import (
	"sync"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// DataSink accumulates extracted values keyed by source URL.
type DataSink struct {
	mu    sync.RWMutex
	data  map[string][]string
	count int
}

// NewDataSink creates an empty data sink.
func NewDataSink() *DataSink {
	return &DataSink{data: make(map[string][]string)}
}

// Add appends values for url.
func (s *DataSink) Add(url string, values []string) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[url] = append(s.data[url], values...)
	s.count += len(values)
}

// GetCount returns the number of stored values.
func (s *DataSink) GetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// GetData returns a copy of the stored values.
func (s *DataSink) GetData() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crawler.CloneData(s.data)
}

// Clear drops everything.
func (s *DataSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]string)
	s.count = 0
}

// ErrorSink accumulates job errors in arrival order.
type ErrorSink struct {
	mu     sync.RWMutex
	errors []crawler.JobError
}

// NewErrorSink creates an empty error sink.
func NewErrorSink() *ErrorSink {
	return &ErrorSink{}
}

// Add records one error.
func (s *ErrorSink) Add(err crawler.JobError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
}

// GetCount returns the number of stored errors.
func (s *ErrorSink) GetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.errors)
}

// GetData returns a copy of the stored errors.
func (s *ErrorSink) GetData() []crawler.JobError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.JobError(nil), s.errors...)
}

// Clear drops everything.
func (s *ErrorSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = nil
}
