// Package messages defines the fleet's bus contracts and their JSON envelope.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// Message types carried in Envelope.Type.
const (
	TypeCrawlQueued      = "crawl.queued"
	TypeCrawlCancelled   = "crawl.cancelled"
	TypeCrawlerUp        = "crawler.up"
	TypeCrawlerDown      = "crawler.down"
	TypeCrawlerJoined    = "crawler.joined"
	TypeCrawlerLeft      = "crawler.left"
	TypeCrawlerHeartbeat = "crawler.heartbeat"
	TypeCrawlData        = "crawl.data"
	TypeCrawlError       = "crawl.error"
)

// Message is implemented by every payload type.
type Message interface {
	MessageType() string
}

// CrawlQueued dispatches a job to the fleet.
type CrawlQueued struct {
	Job crawler.Job `json:"job"`
}

// CrawlCancelled tells the fleet to stop crawling a job.
type CrawlCancelled struct {
	CrawlID string `json:"crawl_id"`
}

// CrawlerUp announces a crawler process.
type CrawlerUp struct {
	CrawlerID string `json:"crawler_id"`
}

// CrawlerDown announces a crawler process leaving the fleet.
type CrawlerDown struct {
	CrawlerID string `json:"crawler_id"`
}

// CrawlerJoined announces a crawler picking up a job.
type CrawlerJoined struct {
	CrawlerID string `json:"crawler_id"`
	JobID     string `json:"job_id"`
}

// CrawlerLeft announces a crawler dropping a job.
type CrawlerLeft struct {
	CrawlerID string `json:"crawler_id"`
	JobID     string `json:"job_id"`
}

// CrawlerHeartbeat refreshes a crawler's liveness.
type CrawlerHeartbeat struct {
	CrawlerID string `json:"crawler_id"`
}

// CrawlDataPushed delivers extracted data for a job.
type CrawlDataPushed struct {
	JobID string              `json:"job_id"`
	Data  map[string][]string `json:"data"`
}

// CrawlErrorPushed delivers an error raised while crawling a job.
type CrawlErrorPushed struct {
	JobID      string `json:"job_id"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

func (CrawlQueued) MessageType() string      { return TypeCrawlQueued }
func (CrawlCancelled) MessageType() string   { return TypeCrawlCancelled }
func (CrawlerUp) MessageType() string        { return TypeCrawlerUp }
func (CrawlerDown) MessageType() string      { return TypeCrawlerDown }
func (CrawlerJoined) MessageType() string    { return TypeCrawlerJoined }
func (CrawlerLeft) MessageType() string      { return TypeCrawlerLeft }
func (CrawlerHeartbeat) MessageType() string { return TypeCrawlerHeartbeat }
func (CrawlDataPushed) MessageType() string  { return TypeCrawlData }
func (CrawlErrorPushed) MessageType() string { return TypeCrawlError }

// Envelope is the wire form of every message.
type Envelope struct {
	Type    string          `json:"type"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap encodes msg into an envelope stamped with sentAt.
func Wrap(msg Message, sentAt time.Time) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	return Envelope{Type: msg.MessageType(), SentAt: sentAt.UTC(), Payload: payload}, nil
}

// Parse decodes raw bytes into an envelope.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type")
	}
	return env, nil
}

// Decode returns the typed payload, e.g. CrawlerUp for "crawler.up".
func (e Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Type {
	case TypeCrawlQueued:
		msg = &CrawlQueued{}
	case TypeCrawlCancelled:
		msg = &CrawlCancelled{}
	case TypeCrawlerUp:
		msg = &CrawlerUp{}
	case TypeCrawlerDown:
		msg = &CrawlerDown{}
	case TypeCrawlerJoined:
		msg = &CrawlerJoined{}
	case TypeCrawlerLeft:
		msg = &CrawlerLeft{}
	case TypeCrawlerHeartbeat:
		msg = &CrawlerHeartbeat{}
	case TypeCrawlData:
		msg = &CrawlDataPushed{}
	case TypeCrawlError:
		msg = &CrawlErrorPushed{}
	default:
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return deref(msg), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *CrawlQueued:
		return *m
	case *CrawlCancelled:
		return *m
	case *CrawlerUp:
		return *m
	case *CrawlerDown:
		return *m
	case *CrawlerJoined:
		return *m
	case *CrawlerLeft:
		return *m
	case *CrawlerHeartbeat:
		return *m
	case *CrawlDataPushed:
		return *m
	case *CrawlErrorPushed:
		return *m
	default:
		return msg
	}
}
