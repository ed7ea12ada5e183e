package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// Publisher is the subset of the RabbitMQ client used to enqueue aggregation requests
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueDispatcher hands closed barriers to worker-service instances through the broker
type QueueDispatcher struct {
	publisher Publisher
}

func NewQueueDispatcher(publisher Publisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher}
}

// Dispatch publishes an aggregation message for jobID
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.AggregationMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal aggregation message: %w", err)
	}
	if err := d.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish aggregation message: %w", err)
	}
	return nil
}
