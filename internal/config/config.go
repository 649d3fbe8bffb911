// Package config loads and validates fleet configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-fleet/internal/browser/headless"
	"github.com/JakeFAU/crawl-fleet/internal/browser/static"
	"github.com/JakeFAU/crawl-fleet/internal/bus/kafka"
	"github.com/JakeFAU/crawl-fleet/internal/dedup"
	"github.com/JakeFAU/crawl-fleet/internal/engine"
	"github.com/JakeFAU/crawl-fleet/internal/fleet"
	"github.com/JakeFAU/crawl-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-fleet/internal/queue/redis"
	"github.com/JakeFAU/crawl-fleet/internal/scheduler"
	"github.com/JakeFAU/crawl-fleet/internal/storage/gcs"
	"github.com/JakeFAU/crawl-fleet/internal/storage/local"
	"github.com/JakeFAU/crawl-fleet/internal/storage/postgres"
	"github.com/JakeFAU/crawl-fleet/internal/telemetry"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
	BackendHeadless = "headless"
	BackendStatic   = "static"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Engine    engine.Config    `mapstructure:"engine"`
	Fleet     fleet.Config     `mapstructure:"fleet"`
	Filter    dedup.Config     `mapstructure:"filter"`
	Frontier  FrontierConfig   `mapstructure:"frontier"`
	Browser   BrowserConfig    `mapstructure:"browser"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Bus       BusConfig        `mapstructure:"bus"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Robots    RobotsConfig     `mapstructure:"robots"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig embeds the per-job settings plus the runner pool size.
type SchedulerConfig struct {
	scheduler.Config  `mapstructure:",squash"`
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	QueueCapacity     int `mapstructure:"queue_capacity"`
}

// FrontierConfig picks where pending URLs live.
type FrontierConfig struct {
	Backend string       `mapstructure:"backend"`
	Redis   redis.Config `mapstructure:"redis"`
}

// BrowserConfig picks the page implementation.
type BrowserConfig struct {
	Backend  string          `mapstructure:"backend"`
	Headless headless.Config `mapstructure:"headless"`
	Static   static.Config   `mapstructure:"static"`
}

// StorageConfig picks the job store.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// ArchiveConfig picks where terminal job records are written. An empty
// backend disables archiving.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// BusConfig picks the message bus used for notifications and crawler traffic.
type BusConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   kafka.Config `mapstructure:"kafka"`
}

// PubSubConfig holds the Google Cloud Pub/Sub project and subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Subscription string `mapstructure:"subscription"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RobotsConfig bounds robots.txt fetches.
type RobotsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("scheduler.page_count", 4)
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.topic", "crawl-events")
	v.SetDefault("scheduler.archive_prefix", "results")
	v.SetDefault("scheduler.requeue_interval", 30*time.Second)
	v.SetDefault("scheduler.max_concurrent_jobs", 2)
	v.SetDefault("scheduler.queue_capacity", 64)
	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.idle_delay", 250*time.Millisecond)
	v.SetDefault("engine.action_attempts", 3)
	v.SetDefault("engine.action_backoff", 500*time.Millisecond)
	v.SetDefault("engine.user_agent", "crawl-fleet/0.1")
	v.SetDefault("fleet.tick", 30*time.Second)
	v.SetDefault("fleet.max_unresponsive_ticks", 4)
	v.SetDefault("fleet.cancel_unresponsive", true)
	v.SetDefault("filter.kind", dedup.KindBloom)
	v.SetDefault("filter.capacity", 1_000_000)
	v.SetDefault("filter.error_rate", 0.001)
	v.SetDefault("frontier.backend", BackendMemory)
	v.SetDefault("frontier.redis.key_prefix", "crawl-fleet:frontier")
	v.SetDefault("browser.backend", BackendStatic)
	v.SetDefault("browser.static.timeout", 15*time.Second)
	v.SetDefault("browser.headless.navigation_timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("archive.backend", "")
	v.SetDefault("bus.backend", BackendMemory)
	v.SetDefault("bus.kafka.group_id", "crawl-fleet")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("robots.timeout", 10*time.Second)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "crawl-fleet")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Scheduler.MaxConcurrentJobs > 0, "scheduler.max_concurrent_jobs must be > 0")
	check(c.Scheduler.QueueCapacity > 0, "scheduler.queue_capacity must be > 0")
	check(c.Scheduler.PageCount >= 1 && c.Scheduler.PageCount <= engine.MaxPages,
		fmt.Sprintf("scheduler.page_count must be between 1 and %d", engine.MaxPages))
	check(c.Fleet.Tick > 0, "fleet.tick must be > 0")
	check(c.Fleet.MaxUnresponsiveTicks > 0, "fleet.max_unresponsive_ticks must be > 0")

	switch c.Filter.Kind {
	case dedup.KindExact:
	case dedup.KindBloom:
		check(c.Filter.Capacity > 0, "filter.capacity must be > 0")
		check(c.Filter.ErrorRate > 0 && c.Filter.ErrorRate < 1, "filter.error_rate must be in (0, 1)")
	default:
		check(false, fmt.Sprintf("filter.kind %q is not supported", c.Filter.Kind))
	}

	switch c.Frontier.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Frontier.Redis.Addr != "", "frontier.redis.addr is required for the redis frontier")
	default:
		check(false, fmt.Sprintf("frontier.backend %q is not supported", c.Frontier.Backend))
	}

	switch c.Browser.Backend {
	case BackendStatic, BackendHeadless:
	default:
		check(false, fmt.Sprintf("browser.backend %q is not supported", c.Browser.Backend))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for the postgres store")
	default:
		check(false, fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend))
	}

	switch c.Archive.Backend {
	case "", BackendMemory:
	case BackendLocal:
		check(c.Archive.Local.BaseDir != "", "archive.local.base_dir is required for the local archive")
	case BackendGCS:
		check(c.Archive.GCS.Bucket != "", "archive.gcs.bucket is required for the gcs archive")
	default:
		check(false, fmt.Sprintf("archive.backend %q is not supported", c.Archive.Backend))
	}

	switch c.Bus.Backend {
	case BackendMemory:
	case BackendPubSub:
		check(c.Bus.PubSub.ProjectID != "", "bus.pubsub.project_id is required for pubsub")
	case BackendKafka:
		check(len(c.Bus.Kafka.Brokers) > 0, "bus.kafka.brokers is required for kafka")
	default:
		check(false, fmt.Sprintf("bus.backend %q is not supported", c.Bus.Backend))
	}

	return errors.Join(errs...)
}
