package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"heliowatch/internal/models"

	"github.com/go-redis/redis/v8"
)

// AlertPublisher feeds the external alerting surface over a Redis
// stream. Alert-triggered gaps and critical anomalies go out here.
type AlertPublisher struct {
	client *redis.Client
	stream string
}

// NewAlertPublisher creates a publisher for the given stream
func NewAlertPublisher(client *redis.Client, stream string) *AlertPublisher {
	return &AlertPublisher{client: client, stream: stream}
}

// PublishGapAlert publishes a performance gap that crossed the alert
// threshold
func (p *AlertPublisher) PublishGapAlert(ctx context.Context, g models.PerformanceGap) error {
	return p.publish(ctx, "performance_gap", g)
}

// PublishAnomalyAlert publishes a critical anomaly
func (p *AlertPublisher) PublishAnomalyAlert(ctx context.Context, a models.Anomaly) error {
	return p.publish(ctx, "anomaly", a)
}

func (p *AlertPublisher) publish(ctx context.Context, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s alert: %w", kind, err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"kind": kind, "data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s alert: %w", kind, err)
	}

	// Keep the stream bounded
	if err := p.client.XTrimMaxLen(ctx, p.stream, 1000).Err(); err != nil {
		log.Printf("Failed to trim alert stream: %v", err)
	}

	return nil
}
