// Package bus routes fleet messages arriving from the message bus to the
// fleet registry and the scheduler.
package bus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/messages"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
)

// FleetHandler receives crawler liveness and assignment events.
type FleetHandler interface {
	CrawlerUp(ctx context.Context, crawlerID string) error
	CrawlerDown(ctx context.Context, crawlerID string) error
	CrawlerJoined(ctx context.Context, crawlerID string, jobID string) error
	CrawlerLeft(ctx context.Context, crawlerID string, jobID string) error
	CrawlerHeartbeat(ctx context.Context, crawlerID string) error
}

// ResultHandler receives data and errors pushed by crawlers.
type ResultHandler interface {
	HandleDataPushed(ctx context.Context, msg messages.CrawlDataPushed) error
	HandleErrorPushed(ctx context.Context, msg messages.CrawlErrorPushed) error
}

// Canceller stops a locally running crawl.
type Canceller interface {
	CancelJob(jobID string) bool
}

// ErrMalformed marks messages that can never be processed.
var ErrMalformed = errors.New("malformed bus message")

// Router dispatches decoded envelopes.
type Router struct {
	fleet   FleetHandler
	results ResultHandler
	cancel  Canceller
	logger  *zap.Logger
}

// NewRouter builds a Router. cancel may be nil.
func NewRouter(fleet FleetHandler, results ResultHandler, cancel Canceller, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{fleet: fleet, results: results, cancel: cancel, logger: logger.Named("bus")}
}

// Handle parses raw bytes and dispatches them. Both consumers acknowledge a
// message whatever Handle returns.
func (r *Router) Handle(ctx context.Context, data []byte) error {
	env, err := messages.Parse(data)
	if err != nil {
		metrics.ObserveBusMessage("unknown", "malformed")
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.Dispatch(ctx, env); err != nil {
		result := "error"
		if errors.Is(err, ErrMalformed) {
			result = "malformed"
		}
		metrics.ObserveBusMessage(env.Type, result)
		return err
	}
	metrics.ObserveBusMessage(env.Type, "ok")
	return nil
}

// Dispatch routes env to its handler.
func (r *Router) Dispatch(ctx context.Context, env messages.Envelope) error {
	msg, err := env.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m := msg.(type) {
	case messages.CrawlerUp:
		return r.fleet.CrawlerUp(ctx, m.CrawlerID)
	case messages.CrawlerDown:
		return r.fleet.CrawlerDown(ctx, m.CrawlerID)
	case messages.CrawlerJoined:
		return r.fleet.CrawlerJoined(ctx, m.CrawlerID, m.JobID)
	case messages.CrawlerLeft:
		return r.fleet.CrawlerLeft(ctx, m.CrawlerID, m.JobID)
	case messages.CrawlerHeartbeat:
		return r.fleet.CrawlerHeartbeat(ctx, m.CrawlerID)
	case messages.CrawlDataPushed:
		return r.results.HandleDataPushed(ctx, m)
	case messages.CrawlErrorPushed:
		return r.results.HandleErrorPushed(ctx, m)
	case messages.CrawlCancelled:
		if r.cancel != nil && r.cancel.CancelJob(m.CrawlID) {
			r.logger.Info("crawl cancelled from bus", zap.String("job_id", m.CrawlID))
		}
		return nil
	case messages.CrawlQueued:
		r.logger.Debug("ignoring crawl.queued", zap.String("job_id", m.Job.ID))
		return nil
	default:
		return fmt.Errorf("%w: unhandled type %s", ErrMalformed, env.Type)
	}
}
