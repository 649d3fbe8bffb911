// Package postgres persists job records, extracted data rows, and error rows
// in Postgres.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const jobColumns = `id, config, state, queued_at, started_at, completed_at, crawl_count, data_count, last_heartbeat`

// JobStore implements crawler.JobStore. UpdateJob locks the job row for the
// duration of fn, which serializes writers across processes.
type JobStore struct {
	pool pgxPool
}

// NewJobStore connects a pool for cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateJob inserts the job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
		job.ID, cfg, string(job.State), job.Queued, job.Started, job.Completed,
		job.CrawlCount, job.DataCount, job.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	return nil
}

// GetJob loads the job row with its data and error rows.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, id))
	if err != nil {
		return crawler.Job{}, notFound(err, id)
	}
	if job.Data, err = loadData(ctx, s.pool, id); err != nil {
		return crawler.Job{}, err
	}
	if job.Errors, err = loadErrors(ctx, s.pool, id); err != nil {
		return crawler.Job{}, err
	}
	return job, nil
}

// ListJobs returns job rows in queue order, optionally filtered by state. Data
// and error rows are not loaded.
func (s *JobStore) ListJobs(ctx context.Context, state *crawler.JobState) ([]crawler.Job, error) {
	var filter any
	if state != nil {
		filter = string(*state)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM crawl_jobs
WHERE ($1::text IS NULL OR state = $1)
ORDER BY queued_at, id`, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob locks the row, applies fn, and writes the result. fn sees the
// stored errors but an empty Data map; values it adds are inserted as new rows.
func (s *JobStore) UpdateJob(ctx context.Context, id string, fn func(*crawler.Job) error) (crawler.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return crawler.Job{}, notFound(err, id)
	}
	if current.Errors, err = loadErrors(ctx, tx, id); err != nil {
		return crawler.Job{}, err
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE crawl_jobs
SET state = $2, started_at = $3, completed_at = $4, crawl_count = $5, data_count = $6, last_heartbeat = $7
WHERE id = $1`,
		id, string(next.State), next.Started, next.Completed, next.CrawlCount, next.DataCount, next.LastHeartbeat,
	); err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := insertData(ctx, tx, id, next.Data); err != nil {
		return crawler.Job{}, err
	}
	for _, e := range next.Errors[min(len(current.Errors), len(next.Errors)):] {
		if _, err := tx.Exec(ctx, `
INSERT INTO crawl_job_errors (job_id, message, source, stack_trace, at)
VALUES ($1, $2, $3, $4, $5)`, id, e.Message, e.Source, e.StackTrace, e.At); err != nil {
			return crawler.Job{}, fmt.Errorf("insert job error: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	committed = true
	return next, nil
}

func insertData(ctx context.Context, tx pgx.Tx, id string, data map[string][]string) error {
	if len(data) == 0 {
		return nil
	}
	urls := make([]string, 0, len(data))
	for url := range data {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	var rows [][]any
	for _, url := range urls {
		for _, value := range data[url] {
			rows = append(rows, []any{id, url, value})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"crawl_job_data"},
		[]string{"job_id", "source_url", "value"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy job data: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job       crawler.Job
		cfg       []byte
		state     string
		started   *time.Time
		completed *time.Time
		heartbeat *time.Time
	)
	if err := row.Scan(
		&job.ID, &cfg, &state, &job.Queued, &started, &completed,
		&job.CrawlCount, &job.DataCount, &heartbeat,
	); err != nil {
		return crawler.Job{}, err
	}
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return crawler.Job{}, fmt.Errorf("unmarshal job config: %w", err)
	}
	job.State = crawler.JobState(state)
	job.Started = started
	job.Completed = completed
	job.LastHeartbeat = heartbeat
	return job, nil
}

func loadData(ctx context.Context, q queryer, id string) (map[string][]string, error) {
	rows, err := q.Query(ctx, `SELECT source_url, value FROM crawl_job_data WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load job data: %w", err)
	}
	defer rows.Close()
	var data map[string][]string
	for rows.Next() {
		var url, value string
		if err := rows.Scan(&url, &value); err != nil {
			return nil, fmt.Errorf("scan job data: %w", err)
		}
		if data == nil {
			data = make(map[string][]string)
		}
		data[url] = append(data[url], value)
	}
	return data, rows.Err()
}

func loadErrors(ctx context.Context, q queryer, id string) ([]crawler.JobError, error) {
	rows, err := q.Query(ctx, `SELECT message, source, stack_trace, at FROM crawl_job_errors WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load job errors: %w", err)
	}
	defer rows.Close()
	var out []crawler.JobError
	for rows.Next() {
		var e crawler.JobError
		if err := rows.Scan(&e.Message, &e.Source, &e.StackTrace, &e.At); err != nil {
			return nil, fmt.Errorf("scan job error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func notFound(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, id)
	}
	return fmt.Errorf("load job %s: %w", id, err)
}
