package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every
// event to a Google Cloud Pub/Sub topic for durable, at-least-once
// delivery to off-box consumers (SIEM ingestion, analytics).
//
// Fan-out strategy:
//   - Pub/Sub: durable export
//   - In-memory: immediate push to the SSE / WebSocket dashboard streams
type PubSubBus struct {
	*Bus // embedded: Subscribe/Unsubscribe still serve the dashboard

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the project and creates the topic if absent.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		log.Printf("[PUBSUB] created topic %s", topicID)
	}

	// Order per subject so a signature's events arrive in sequence.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit builds the event, exports it to Pub/Sub, and fans out in-process.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.export(event)
	pb.Bus.Publish(event)
}

// PublishRaw forwards a pre-built CloudEvent, e.g. when replaying.
func (pb *PubSubBus) PublishRaw(event *CloudEvent) {
	pb.export(event)
	pb.Bus.Publish(event)
}

// export serializes the event as a Pub/Sub message. Attributes mirror
// the CloudEvents metadata for server-side filtering; the ordering key
// is the hashed signature, so no raw identifier leaves the process.
func (pb *PubSubBus) export(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", event.ID, err)
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
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: the request path never waits on the broker ack.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("Pub/Sub publish failed for %s: %v", event.ID, err)
		}
	}()
}

// Close stops the topic publisher and closes the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified topic path.
func (pb *PubSubBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
