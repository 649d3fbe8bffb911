package crawler

import (
	"fmt"
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states persisted in the job store.
const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateComplete  JobState = "complete"
	JobStateErrored   JobState = "errored"
	JobStateCancelled JobState = "cancelled"
)

// Default stop conditions applied when a job supplies none.
const (
	DefaultMaxCrawlCount      = 1_000_000
	DefaultMaxDurationSeconds = 86_400
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateComplete, JobStateErrored, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Crawlable reports whether a crawler may join a job in state s.
func (s JobState) Crawlable() bool {
	return s == JobStateQueued || s == JobStateRunning
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Queued only leads to Running; Running leads to one of the terminal states.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateQueued:
		return next == JobStateRunning
	case JobStateRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateComplete, JobStateErrored, JobStateCancelled:
		return true
	default:
		return false
	}
}

// JobConfig captures the per-job crawl configuration requested by the client.
type JobConfig struct {
	Seeds          []string        `json:"seeds" mapstructure:"seeds"`
	URLPattern     string          `json:"url_pattern,omitempty" mapstructure:"url_pattern"`
	DataPattern    string          `json:"data_pattern,omitempty" mapstructure:"data_pattern"`
	IgnoreRobots   bool            `json:"ignore_robots" mapstructure:"ignore_robots"`
	PageActions    []PageAction    `json:"page_actions,omitempty" mapstructure:"page_actions"`
	StopConditions []StopCondition `json:"stop_conditions,omitempty" mapstructure:"stop_conditions"`
}

// WithDefaults returns a copy of cfg with the default stop conditions filled in
// when none were supplied.
func (cfg JobConfig) WithDefaults() JobConfig {
	out := cfg.clone()
	if len(out.StopConditions) == 0 {
		out.StopConditions = []StopCondition{
			MaxCrawlCount(DefaultMaxCrawlCount),
			MaxDurationSeconds(DefaultMaxDurationSeconds),
		}
	}
	return out
}

func (cfg JobConfig) clone() JobConfig {
	out := cfg
	out.Seeds = append([]string(nil), cfg.Seeds...)
	out.PageActions = append([]PageAction(nil), cfg.PageActions...)
	out.StopConditions = append([]StopCondition(nil), cfg.StopConditions...)
	return out
}

// Validate checks seeds, patterns, page actions, and stop conditions.
func (cfg JobConfig) Validate() error {
	if len(cfg.Seeds) == 0 {
		return fmt.Errorf("%w: at least one seed url is required", ErrInvalidJob)
	}
	if _, err := cfg.Compile(); err != nil {
		return err
	}
	return nil
}

// JobError is a single error attached to a job record.
type JobError struct {
	Message    string    `json:"message"`
	Source     string    `json:"source,omitempty"`
	StackTrace string    `json:"stack_trace,omitempty"`
	At         time.Time `json:"at"`
}

// Job is the persisted record for one unit of crawl work.
type Job struct {
	ID            string              `json:"id"`
	Config        JobConfig           `json:"config"`
	State         JobState            `json:"state"`
	Queued        time.Time           `json:"queued_at"`
	Started       *time.Time          `json:"started_at,omitempty"`
	Completed     *time.Time          `json:"completed_at,omitempty"`
	CrawlCount    int64               `json:"crawl_count"`
	DataCount     int64               `json:"data_count"`
	LastHeartbeat *time.Time          `json:"last_heartbeat,omitempty"`
	Data          map[string][]string `json:"data,omitempty"`
	Errors        []JobError          `json:"errors,omitempty"`
}

// NewJob builds a queued job record.
func NewJob(id string, cfg JobConfig, queuedAt time.Time) Job {
	return Job{
		ID:     id,
		Config: cfg.WithDefaults(),
		State:  JobStateQueued,
		Queued: queuedAt,
	}
}

// Transition moves the job to next, stamping the matching timestamp. Attempts
// the lifecycle forbids return ErrInvalidTransition and leave the job untouched.
func (j *Job) Transition(next JobState, at time.Time) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	j.State = next
	switch {
	case next == JobStateRunning:
		j.Started = timePtr(at)
		j.LastHeartbeat = timePtr(at)
	case next.Terminal():
		j.Completed = timePtr(at)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (j *Job) Heartbeat(at time.Time) {
	j.LastHeartbeat = timePtr(at)
}

// AddError appends an error entry.
func (j *Job) AddError(e JobError) {
	j.Errors = append(j.Errors, e)
}

// AddData appends extracted values keyed by source URL and bumps the data count.
func (j *Job) AddData(batch map[string][]string) {
	if len(batch) == 0 {
		return
	}
	if j.Data == nil {
		j.Data = make(map[string][]string, len(batch))
	}
	for url, values := range batch {
		j.Data[url] = append(j.Data[url], values...)
		j.DataCount += int64(len(values))
	}
}

// Clone returns a deep copy safe to hand to callers.
func (j Job) Clone() Job {
	out := j
	out.Config = j.Config.clone()
	out.Started = cloneTime(j.Started)
	out.Completed = cloneTime(j.Completed)
	out.LastHeartbeat = cloneTime(j.LastHeartbeat)
	out.Data = CloneData(j.Data)
	out.Errors = append([]JobError(nil), j.Errors...)
	return out
}

// CrawlResult is an immutable snapshot of a crawl's running totals.
type CrawlResult struct {
	CrawlCount int64         `json:"crawl_count"`
	DataCount  int64         `json:"data_count"`
	Elapsed    time.Duration `json:"elapsed"`
}

// CrawlProgress is one batch streamed by the engine: the data extracted since the
// previous batch plus the running totals at emission time.
type CrawlProgress struct {
	CrawlResult
	Data map[string][]string `json:"data,omitempty"`
}

// Registration tracks one live crawler process.
type Registration struct {
	CrawlerID     string    `json:"crawler_id"`
	JobID         string    `json:"job_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CloneData deep-copies an extracted-data map.
func CloneData(src map[string][]string) map[string][]string {
	if src == nil {
		return nil
	}
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// CountData returns the number of values across all keys.
func CountData(data map[string][]string) int {
	n := 0
	for _, v := range data {
		n += len(v)
	}
	return n
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
