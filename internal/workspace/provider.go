// Package workspace hands out the per-job frontier, filter, and sinks.
package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/dedup"
	queuememory "github.com/JakeFAU/crawl-fleet/internal/queue/memory"
	sinkmemory "github.com/JakeFAU/crawl-fleet/internal/sink/memory"
)

// FrontierFactory builds the frontier for one job.
type FrontierFactory func(jobID string) crawler.Frontier

// Provider caches one workspace per job until it is released.
type Provider struct {
	mu          sync.Mutex
	spaces      map[string]crawler.Workspace
	filter      dedup.Config
	newFrontier FrontierFactory
}

// NewProvider creates a provider. A nil factory yields in-process frontiers.
func NewProvider(filter dedup.Config, newFrontier FrontierFactory) *Provider {
	if newFrontier == nil {
		newFrontier = func(string) crawler.Frontier { return queuememory.NewFrontier() }
	}
	return &Provider{
		spaces:      make(map[string]crawler.Workspace),
		filter:      filter,
		newFrontier: newFrontier,
	}
}

// Workspace returns the job's workspace, creating it on first use.
func (p *Provider) Workspace(_ context.Context, jobID string) (crawler.Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ws, ok := p.spaces[jobID]; ok {
		return ws, nil
	}
	filter, err := dedup.New(p.filter)
	if err != nil {
		return crawler.Workspace{}, fmt.Errorf("build filter for job %s: %w", jobID, err)
	}
	ws := crawler.Workspace{
		Frontier: p.newFrontier(jobID),
		Filter:   filter,
		Data:     sinkmemory.NewDataSink(),
		Errors:   sinkmemory.NewErrorSink(),
	}
	p.spaces[jobID] = ws
	return ws, nil
}

// Lookup returns the workspace of a job that is currently held.
func (p *Provider) Lookup(jobID string) (crawler.Workspace, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws, ok := p.spaces[jobID]
	return ws, ok
}

// Release forgets the job's workspace.
func (p *Provider) Release(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.spaces, jobID)
}
