// Package cancellation tracks one cancellation signal per running job.
package cancellation

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelRequested is the cause attached to a job token cancelled through
// CancelJob.
var ErrCancelRequested = errors.New("crawl cancelled by request")

type token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Registry maps job ids to cancellation tokens. It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]token)}
}

// GetToken returns the job's token, creating it on first use.
func (r *Registry) GetToken(jobID string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[jobID]; ok {
		return t.ctx
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	r.tokens[jobID] = token{ctx: ctx, cancel: cancel}
	return ctx
}

// CancelJob signals the job's token and reports whether one existed.
func (r *Registry) CancelJob(jobID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(ErrCancelRequested)
	return true
}

// DisposeOfToken removes and releases the job's token and reports whether one
// existed. Linked contexts whose cancel func has not run yet are cancelled too.
func (r *Registry) DisposeOfToken(jobID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[jobID]
	delete(r.tokens, jobID)
	r.mu.Unlock()
	if ok {
		t.cancel(context.Canceled)
	}
	return ok
}

// Active returns the number of registered tokens.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Link derives a context that is cancelled when parent ends or when the job's
// token is cancelled, whichever comes first. The token's cause is carried over
// so callers can tell a requested cancel from a process shutdown.
func (r *Registry) Link(parent context.Context, jobID string) (context.Context, context.CancelCauseFunc) {
	jobToken := r.GetToken(jobID)
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(jobToken, func() {
		cancel(context.Cause(jobToken))
	})
	return ctx, func(cause error) {
		stop()
		cancel(cause)
	}
}
