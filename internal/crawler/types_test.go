package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStateLinearity(t *testing.T) {
	t.Parallel()

	all := []JobState{JobStateQueued, JobStateRunning, JobStateComplete, JobStateErrored, JobStateCancelled}
	for _, next := range all {
		require.Equal(t, next == JobStateRunning, JobStateQueued.CanTransition(next), "queued -> %s", next)
	}
	for _, terminal := range []JobState{JobStateComplete, JobStateErrored, JobStateCancelled} {
		require.True(t, JobStateRunning.CanTransition(terminal))
		for _, next := range all {
			require.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
}

func TestJobTransitionStampsTimes(t *testing.T) {
	t.Parallel()

	queued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewJob("job-1", JobConfig{Seeds: []string{"http://localhost/"}}, queued)
	require.Equal(t, JobStateQueued, job.State)
	require.Len(t, job.Config.StopConditions, 2)

	err := job.Transition(JobStateComplete, queued)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, JobStateQueued, job.State)

	started := queued.Add(time.Second)
	require.NoError(t, job.Transition(JobStateRunning, started))
	require.Equal(t, started, *job.Started)
	require.Equal(t, started, *job.LastHeartbeat)
	require.Nil(t, job.Completed)

	done := started.Add(time.Minute)
	require.NoError(t, job.Transition(JobStateCancelled, done))
	require.Equal(t, done, *job.Completed)

	err = job.Transition(JobStateRunning, done)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, JobStateCancelled, job.State)
}

func TestJobAddDataCountsValues(t *testing.T) {
	t.Parallel()

	var job Job
	job.AddData(map[string][]string{"http://a/": {"x", "y"}})
	job.AddData(map[string][]string{"http://a/": {"z"}, "http://b/": {"w"}})
	require.Equal(t, int64(4), job.DataCount)
	require.Equal(t, []string{"x", "y", "z"}, job.Data["http://a/"])

	clone := job.Clone()
	clone.Data["http://a/"][0] = "changed"
	require.Equal(t, "x", job.Data["http://a/"][0])
}

func TestJobConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := JobConfig{Seeds: []string{"http://localhost/"}}.WithDefaults()
	require.Equal(t, []StopCondition{
		MaxCrawlCount(DefaultMaxCrawlCount),
		MaxDurationSeconds(DefaultMaxDurationSeconds),
	}, cfg.StopConditions)

	custom := JobConfig{Seeds: []string{"http://localhost/"}, StopConditions: []StopCondition{MaxDataCount(1)}}
	require.Equal(t, []StopCondition{MaxDataCount(1)}, custom.WithDefaults().StopConditions)
}

func TestJobConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  JobConfig
	}{
		{name: "no seeds", cfg: JobConfig{}},
		{name: "bad url pattern", cfg: JobConfig{Seeds: []string{"http://x/"}, URLPattern: "("}},
		{name: "bad data pattern", cfg: JobConfig{Seeds: []string{"http://x/"}, DataPattern: "["}},
		{name: "click without selector", cfg: JobConfig{Seeds: []string{"http://x/"}, PageActions: []PageAction{{Kind: ActionClick}}}},
		{name: "unknown stop", cfg: JobConfig{Seeds: []string{"http://x/"}, StopConditions: []StopCondition{{Kind: "forever"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tc.cfg.Validate(), ErrInvalidJob)
		})
	}

	ok := JobConfig{
		Seeds:       []string{"http://x/"},
		URLPattern:  `^http://x/docs/`,
		DataPattern: `\d+`,
		PageActions: []PageAction{WaitForSelector("#main", time.Second).When(`/docs/`), ScrollBy(200)},
	}
	require.NoError(t, ok.Validate())
}
