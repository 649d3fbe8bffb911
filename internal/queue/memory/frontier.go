package memory

import (
	"context"
	"sync"
)

// Frontier is an in-process FIFO of pending URLs.
type Frontier struct {
	mu    sync.Mutex
	items []string
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{}
}

// Enqueue appends urls in order.
func (f *Frontier) Enqueue(_ context.Context, urls ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, urls...)
	return nil
}

// Dequeue pops the oldest URL.
func (f *Frontier) Dequeue(_ context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return "", false, nil
	}
	next := f.items[0]
	f.items[0] = ""
	f.items = f.items[1:]
	return next, true, nil
}

// Clear drops every pending URL.
func (f *Frontier) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = nil
	return nil
}

// Len returns the number of pending URLs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Snapshot returns the pending URLs in dequeue order.
func (f *Frontier) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.items...)
}
