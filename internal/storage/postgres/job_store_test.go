package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

var columns = []string{
	"id", "config", "state", "queued_at", "started_at", "completed_at",
	"crawl_count", "data_count", "last_heartbeat",
}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func configJSON(t *testing.T, cfg crawler.JobConfig) []byte {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	job := crawler.NewJob("job-1", crawler.JobConfig{Seeds: []string{"http://localhost/"}}, queued)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", configJSON(t, job.Config), "queued", queued, job.Started, job.Completed,
			int64(0), int64(0), job.LastHeartbeat).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateJob(context.Background(), job))

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), crawler.ErrJobExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobLoadsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	started := queued.Add(time.Second)
	cfg := crawler.JobConfig{Seeds: []string{"http://localhost/"}}.WithDefaults()

	mock.ExpectQuery("SELECT .* FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", configJSON(t, cfg), "running", queued, &started, (*time.Time)(nil),
				int64(3), int64(2), &started))
	mock.ExpectQuery("SELECT source_url, value FROM crawl_job_data").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"source_url", "value"}).
			AddRow("http://localhost/", "a").
			AddRow("http://localhost/", "b"))
	mock.ExpectQuery("SELECT message, source, stack_trace, at FROM crawl_job_errors").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"message", "source", "stack_trace", "at"}).
			AddRow("timeout", "crawler-1", "", started))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateRunning, job.State)
	require.Equal(t, cfg, job.Config)
	require.Equal(t, started, *job.Started)
	require.Nil(t, job.Completed)
	require.Equal(t, []string{"a", "b"}, job.Data["http://localhost/"])
	require.Len(t, job.Errors, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM crawl_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFiltersByState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	raw := configJSON(t, crawler.JobConfig{Seeds: []string{"http://localhost/"}})
	running := crawler.JobStateRunning

	mock.ExpectQuery("SELECT .* FROM crawl_jobs").
		WithArgs("running").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", raw, "running", queued, &queued, (*time.Time)(nil), int64(1), int64(0), &queued).
			AddRow("job-2", raw, "running", queued, &queued, (*time.Time)(nil), int64(5), int64(1), &queued))

	jobs, err := store.ListJobs(context.Background(), &running)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, int64(5), jobs[1].CrawlCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobWritesDeltaRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	beat := queued.Add(time.Minute)
	raw := configJSON(t, crawler.JobConfig{Seeds: []string{"http://localhost/"}})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM crawl_jobs WHERE id = \\$1 FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", raw, "running", queued, &queued, (*time.Time)(nil), int64(1), int64(1), &queued))
	mock.ExpectQuery("SELECT message, source, stack_trace, at FROM crawl_job_errors").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"message", "source", "stack_trace", "at"}))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "running", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(4), int64(3), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"crawl_job_data"}, []string{"job_id", "source_url", "value"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO crawl_job_errors").
		WithArgs("job-1", "blocked", "engine", "", beat).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	job, err := store.UpdateJob(context.Background(), "job-1", func(j *crawler.Job) error {
		j.CrawlCount = 4
		j.AddData(map[string][]string{"http://localhost/a": {"x", "y"}})
		j.AddError(crawler.JobError{Message: "blocked", Source: "engine", At: beat})
		j.Heartbeat(beat)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), job.DataCount)
	require.Equal(t, beat, *job.LastHeartbeat)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobRollsBackWhenFnFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	queued := time.Unix(1700000000, 0).UTC()
	raw := configJSON(t, crawler.JobConfig{Seeds: []string{"http://localhost/"}})

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-1", raw, "complete", queued, &queued, &queued, int64(1), int64(0), &queued))
	mock.ExpectQuery("FROM crawl_job_errors").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"message", "source", "stack_trace", "at"}))
	mock.ExpectRollback()

	job, err := store.UpdateJob(context.Background(), "job-1", func(j *crawler.Job) error {
		return j.Transition(crawler.JobStateErrored, time.Now())
	})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.Equal(t, crawler.JobStateComplete, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateJob(context.Background(), "missing", func(*crawler.Job) error {
		return errors.New("not reached")
	})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
