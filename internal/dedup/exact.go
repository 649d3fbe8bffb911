package dedup

import "sync"

// ExactFilter is a set-backed filter with no false positives.
type ExactFilter struct {
	mu    sync.RWMutex
	keys  map[string]struct{}
	count int64
}

// NewExactFilter creates an empty exact filter.
func NewExactFilter() *ExactFilter {
	return &ExactFilter{keys: make(map[string]struct{})}
}

// Add claims key and bumps the add counter.
func (f *ExactFilter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = struct{}{}
	f.count++
}

// Contains reports whether key was added.
func (f *ExactFilter) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.keys[key]
	return ok
}

// Count returns the number of Add calls since the last Clear.
func (f *ExactFilter) Count() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Clear forgets every key.
func (f *ExactFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = make(map[string]struct{})
	f.count = 0
}
