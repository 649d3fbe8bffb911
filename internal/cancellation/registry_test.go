package cancellation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetTokenIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := r.GetToken("job-1")
	require.Same(t, first, r.GetToken("job-1"))
	require.NotSame(t, first, r.GetToken("job-2"))
	require.Equal(t, 2, r.Active())
}

func TestCancelJobIdempotence(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.False(t, r.CancelJob("missing"))

	tok := r.GetToken("job-1")
	require.True(t, r.CancelJob("job-1"))
	require.True(t, r.CancelJob("job-1"))
	require.ErrorIs(t, context.Cause(tok), ErrCancelRequested)

	require.True(t, r.DisposeOfToken("job-1"))
	require.False(t, r.CancelJob("job-1"))
	require.False(t, r.DisposeOfToken("job-1"))
	require.Zero(t, r.Active())
}

func TestLinkIsolatesJobs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	parent, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	a, cancelA := r.Link(parent, "a")
	defer cancelA(nil)
	b, cancelB := r.Link(parent, "b")
	defer cancelB(nil)

	require.True(t, r.CancelJob("a"))
	<-a.Done()
	require.ErrorIs(t, context.Cause(a), ErrCancelRequested)
	require.NoError(t, b.Err())

	shutdown()
	<-b.Done()
	require.ErrorIs(t, context.Cause(b), context.Canceled)
	require.False(t, errors.Is(context.Cause(b), ErrCancelRequested))
}

func TestLinkCancelCarriesCause(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stopped := errors.New("stop condition met")
	ctx, cancel := r.Link(context.Background(), "job")
	cancel(stopped)
	require.ErrorIs(t, context.Cause(ctx), stopped)

	// the token itself is still live after the linked context ends
	require.NoError(t, r.GetToken("job").Err())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	tokens := make([]context.Context, 32)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = r.GetToken("shared")
			r.CancelJob("shared")
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens {
		require.Same(t, tokens[0], tok)
	}
	require.Equal(t, 1, r.Active())
}
