package app

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/api"
	"github.com/JakeFAU/crawl-fleet/internal/browser/headless"
	"github.com/JakeFAU/crawl-fleet/internal/browser/static"
	buskafka "github.com/JakeFAU/crawl-fleet/internal/bus/kafka"
	buspubsub "github.com/JakeFAU/crawl-fleet/internal/bus/pubsub"
	"github.com/JakeFAU/crawl-fleet/internal/config"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/crawl-fleet/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawl-fleet/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/crawl-fleet/internal/publisher/pubsub"
	redisfrontier "github.com/JakeFAU/crawl-fleet/internal/queue/redis"
	"github.com/JakeFAU/crawl-fleet/internal/storage/gcs"
	"github.com/JakeFAU/crawl-fleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-fleet/internal/storage/memory"
	"github.com/JakeFAU/crawl-fleet/internal/storage/postgres"
	"github.com/JakeFAU/crawl-fleet/internal/workspace"
)

// messageHandler is the bus entry point consumers feed raw payloads into.
type messageHandler func(ctx context.Context, data []byte) error

func (a *App) setupStore(ctx context.Context) (crawler.JobStore, api.ReadyCheck, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewJobStore(ctx, a.cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"postgres", func() error { store.Close(); return nil }})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		a.logger.Info("using postgres job store")
		return store, store.Ping, nil
	default:
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil, nil
	}
}

func (a *App) setupFrontier() (workspace.FrontierFactory, api.ReadyCheck, error) {
	if a.cfg.Frontier.Backend != config.BackendRedis {
		a.logger.Info("using in-process frontier")
		return nil, nil, nil
	}
	client, err := redisfrontier.NewClient(a.cfg.Frontier.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis client init failed: %w", err)
	}
	a.closers = append(a.closers, closer{"redis", client.Close})
	prefix := a.cfg.Frontier.Redis.KeyPrefix
	a.logger.Info("using redis frontier", zap.String("addr", a.cfg.Frontier.Redis.Addr), zap.String("prefix", prefix))
	factory := func(jobID string) crawler.Frontier {
		return redisfrontier.NewFrontier(client, prefix, jobID)
	}
	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return factory, ping, nil
}

func (a *App) setupBrowser() (crawler.Browser, error) {
	switch a.cfg.Browser.Backend {
	case config.BackendHeadless:
		hcfg := a.cfg.Browser.Headless
		if hcfg.UserAgent == "" {
			hcfg.UserAgent = a.cfg.Engine.UserAgent
		}
		b, err := headless.New(hcfg, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless browser init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"headless browser", func() error { b.Close(); return nil }})
		a.logger.Info("using headless browser", zap.Duration("navigation_timeout", hcfg.NavigationTimeout))
		return b, nil
	default:
		scfg := a.cfg.Browser.Static
		if scfg.UserAgent == "" {
			scfg.UserAgent = a.cfg.Engine.UserAgent
		}
		limiter := ratelimit.New(a.cfg.RateLimit)
		a.logger.Info("using static browser",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
		return static.New(scfg, limiter, a.logger.Named("static")), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		store, err := gcs.Open(ctx, a.cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs", store.Close})
		a.logger.Info("archiving to gcs", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := local.New(a.cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving to local disk", zap.String("path", a.cfg.Archive.Local.BaseDir))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("archiving in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("archive disabled")
		return nil, nil
	}
}

// setupBus returns the publisher plus a hook that attaches the router to the
// configured consumer once the router exists.
func (a *App) setupBus(ctx context.Context) (crawler.Publisher, func(messageHandler), error) {
	switch a.cfg.Bus.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Bus.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"pubsub client", client.Close})
		pub := pubsubpublisher.New(client)
		a.closers = append(a.closers, closer{"pubsub publisher", func() error { pub.Stop(); return nil }})
		a.logger.Info("using pubsub bus", zap.String("project", a.cfg.Bus.PubSub.ProjectID))

		attach := func(handle messageHandler) {
			sub := a.cfg.Bus.PubSub.Subscription
			if sub == "" {
				a.logger.Warn("no pubsub subscription configured; crawler traffic is not consumed")
				return
			}
			consumer := buspubsub.NewConsumer(client, sub, buspubsub.Handler(handle), a.logger)
			a.consumers = append(a.consumers, runner{"pubsub", consumer.Run})
		}
		return pub, attach, nil

	case config.BackendKafka:
		pub := kafkapublisher.New(a.cfg.Bus.Kafka.Brokers)
		a.closers = append(a.closers, closer{"kafka publisher", pub.Close})
		a.logger.Info("using kafka bus", zap.Strings("brokers", a.cfg.Bus.Kafka.Brokers))

		attach := func(handle messageHandler) {
			if a.cfg.Bus.Kafka.Topic == "" {
				a.logger.Warn("no kafka topic configured; crawler traffic is not consumed")
				return
			}
			consumer := buskafka.NewConsumer(a.cfg.Bus.Kafka, buskafka.Handler(handle), a.logger)
			a.closers = append(a.closers, closer{"kafka consumer", consumer.Close})
			a.consumers = append(a.consumers, runner{"kafka", func(ctx context.Context) error {
				consumer.Run(ctx)
				return nil
			}})
		}
		return pub, attach, nil

	default:
		pub := memorypublisher.New()
		a.logger.Info("using in-memory bus")
		attach := func(handle messageHandler) {
			pub.Subscribe(memorypublisher.Handler(handle))
		}
		return pub, attach, nil
	}
}
