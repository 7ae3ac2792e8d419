package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/redis/go-redis/v9"
)

type EventType string

const (
	// EventTypeNewProductDetected is published once per newly listed product.
	EventTypeNewProductDetected EventType = "NEW_PRODUCT_DETECTED"

	DefaultStream = "stream:catalog_monitor"
)

// RedisClient is the subset of *redis.Client the publisher needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type NewProductDetectedPayload struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id"`
	SnapshotDate string    `json:"snapshot_date"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonical_url"`
	ImageURL     string    `json:"image_url,omitempty"`
	Price        string    `json:"price,omitempty"`
	Source       string    `json:"source"`
}

// Publisher writes new product events to a Redis stream.
type Publisher struct {
	redis  RedisClient
	stream string
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(client RedisClient, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{
		redis:  client,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
		now:    time.Now,
	}
}

// PublishNewProduct emits one NEW_PRODUCT_DETECTED event for rec.
func (p *Publisher) PublishNewProduct(ctx context.Context, runID string, date time.Time, rec models.ProductRecord) error {
	payload := &NewProductDetectedPayload{
		EventID:      uuid.New().String(),
		EventType:    string(EventTypeNewProductDetected),
		Timestamp:    p.now(),
		RunID:        runID,
		SnapshotDate: date.Format("2006-01-02"),
		Name:         rec.Name,
		URL:          rec.FullURL,
		CanonicalURL: rec.CanonicalURL,
		ImageURL:     optional(rec.ImageURL),
		Price:        optional(rec.Price),
		Source:       "catalog-monitor",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data":         string(data),
			"type":         payload.EventType,
			"timestamp":    fmt.Sprintf("%d", payload.Timestamp.UnixNano()),
			"event_id":     payload.EventID,
			"aggregate_id": rec.CanonicalURL,
		},
	}

	id, err := p.redis.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", payload.EventID,
		"stream_id", id,
		"canonical_url", rec.CanonicalURL)

	return nil
}

func (p *Publisher) Close() error {
	return p.redis.Close()
}

func optional(s string) string {
	if s == models.Placeholder {
		return ""
	}
	return s
}
