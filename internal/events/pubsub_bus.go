package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
)

// TypePublishFailed is emitted locally (never round-tripped through
// Pub/Sub itself) whenever a durable publish fails, so an in-process
// subscriber, such as the gateway's /sync/stream WebSocket relay, can
// observe durability gaps without polling Pub/Sub's own metrics.
const TypePublishFailed = "engram.events.publish_failed"

// PubSubEventBus wraps the in-memory EventBus and also publishes every
// event to a Google Cloud Pub/Sub topic, so a second sync worker or a
// reliability dashboard in another process sees sync.completed and
// outbox.dead_letter events durably, not just this process's in-memory
// subscribers.
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger

	publishFailures atomic.Int64
}

// NewPubSubEventBus creates a Pub/Sub-backed event bus, creating the
// topic if it does not already exist.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("events: CreateTopic: %w", err)
		}
		slog.Info("created pubsub topic", "topic_id", topicID)
	}

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   slog.Default().With("component", "events.pubsub"),
	}
	bus.logger.Info("connected to pubsub topic", "project_id", projectID, "topic_id", topicID)
	return bus, nil
}

// Emit creates a CloudEvent, publishes it to Pub/Sub, and fans out to
// in-memory subscribers (such as the gateway's /sync/stream relay).
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) publishToPubSub(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Error("failed to marshal event", "event_id", event.ID, "event_type", event.Type, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.onPublishFailed(event, err)
		}
	}()
}

// onPublishFailed records the failure count and fans out a
// TypePublishFailed event over the in-memory bus, so a durability gap
// surfaces to in-memory subscribers even though the underlying Pub/Sub publish is gone for good.
func (pb *PubSubEventBus) onPublishFailed(event *CloudEvent, err error) {
	n := pb.publishFailures.Add(1)
	pb.logger.Error("pubsub publish failed", "event_id", event.ID, "event_type", event.Type, "error", err, "total_failures", n)
	pb.EventBus.Publish(NewCloudEvent(TypePublishFailed, "events.pubsub", event.ID, map[string]interface{}{
		"original_type": event.Type,
		"error":         err.Error(),
		"total_failures": n,
	}))
}

// PublishFailures returns the running count of Pub/Sub publish
// failures since process start.
func (pb *PubSubEventBus) PublishFailures() int64 {
	return pb.publishFailures.Load()
}

func (pb *PubSubEventBus) PublishRaw(event *CloudEvent) {
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("events: pubsub client close: %w", err)
	}
	pb.logger.Info("pubsub client closed", "publish_failures", pb.publishFailures.Load())
	return nil
}

func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("events: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("events: topic does not exist")
	}
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)
