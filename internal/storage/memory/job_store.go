// Package memory keeps job records and archived blobs in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns jobs in queue order, optionally filtered by state.
func (s *JobStore) ListJobs(_ context.Context, state *crawler.JobState) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if state != nil && job.State != *state {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queued.Equal(out[j].Queued) {
			return out[i].ID < out[j].ID
		}
		return out[i].Queued.Before(out[j].Queued)
	})
	return out, nil
}

// UpdateJob runs fn against a copy of the record and stores it when fn succeeds.
// A single store-wide lock serializes all writers.
func (s *JobStore) UpdateJob(_ context.Context, id string, fn func(*crawler.Job) error) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, id)
	}
	next := job.Clone()
	if err := fn(&next); err != nil {
		return job.Clone(), err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}
