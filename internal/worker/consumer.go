package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the subset of the RabbitMQ client the consumer needs
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Consumer feeds aggregation messages from the broker into a Worker
type Consumer struct {
	broker        Broker
	worker        *Worker
	prefetchCount int
	logger        *slog.Logger
}

// NewConsumer creates a consumer that submits deliveries to w
func NewConsumer(broker Broker, w *Worker, prefetchCount int, logger *slog.Logger) *Consumer {
	return &Consumer{
		broker:        broker,
		worker:        w,
		prefetchCount: prefetchCount,
		logger:        logger,
	}
}

// Run sets up the consumer and dispatches deliveries until ctx is done or the channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.setupConsumer()
	if err != nil {
		return err
	}
	c.startMessageDispatcher(ctx, deliveries)
	return nil
}

// setupConsumer applies QoS and returns the delivery channel
func (c *Consumer) setupConsumer() (<-chan amqp.Delivery, error) {
	if c.prefetchCount > 0 {
		if err := c.broker.Qos(c.prefetchCount); err != nil {
			return nil, err
		}
	}

	consumerTag := c.worker.ID()
	deliveries, err := c.broker.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", c.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher listens to deliveries and submits them to the worker pool
func (c *Consumer) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			c.handleDelivery(delivery)
		}
	}
}

func (c *Consumer) handleDelivery(delivery amqp.Delivery) {
	var msg domain.AggregationMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the DLQ
		c.nack(delivery, false)
		return
	}

	msg.JobID = strings.TrimSpace(msg.JobID)
	if msg.JobID == "" {
		c.logger.Error("Message has no job_id", slog.String("body", string(delivery.Body)))
		c.nack(delivery, false)
		return
	}
	msg.DeliveryTag = delivery.DeliveryTag

	err := c.worker.Submit(&msg, func(err error) {
		c.settle(delivery, msg.JobID, err)
	})
	switch {
	case err == nil:
		c.logger.Debug("Job dispatched to worker pool",
			slog.String("job_id", msg.JobID),
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
		)
	case errors.Is(err, ErrAlreadyInFlight):
		// the running task will store the result
		c.logger.Info("Duplicate aggregation request dropped", slog.String("job_id", msg.JobID))
		c.ack(delivery)
	default:
		c.logger.Warn("Worker rejected job, requeueing",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
		c.nack(delivery, true)
	}
}

// settle acknowledges a delivery once its task has finished
func (c *Consumer) settle(delivery amqp.Delivery, jobID string, err error) {
	if err == nil {
		c.ack(delivery)
		return
	}

	requeue := shouldRequeueJob(err)
	c.logger.Warn("Aggregation task did not complete",
		slog.String("job_id", jobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
	c.nack(delivery, requeue)
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeueJob reports whether a failed task is worth another delivery
func shouldRequeueJob(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var retryable *domain.RetryableError
	return errors.As(err, &retryable)
}
