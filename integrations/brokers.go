package integrations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/messaging"
)

// Kafka publishes every workflow event to one topic, keyed by envelope id so
// events of an envelope stay ordered within a partition.
type Kafka struct {
	name     string
	producer *messaging.KafkaProducer
}

func NewKafka(name string, producer *messaging.KafkaProducer) *Kafka {
	return &Kafka{name: name, producer: producer}
}

func (k *Kafka) Name() string { return k.name }

func (k *Kafka) publish(ctx context.Context, event interfaces.WorkflowEvent) error {
	return k.producer.Publish(ctx, event.EnvelopeID, event, map[string]string{EventTypeHeader: string(event.Name)})
}

func (k *Kafka) OnEnvelopeSent(ctx context.Context, event interfaces.WorkflowEvent) error {
	return k.publish(ctx, event)
}

func (k *Kafka) OnEnvelopeCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return k.publish(ctx, event)
}

func (k *Kafka) OnEnvelopeVoided(ctx context.Context, event interfaces.WorkflowEvent) error {
	return k.publish(ctx, event)
}

func (k *Kafka) OnSignerCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return k.publish(ctx, event)
}

// RabbitMQ publishes workflow events to a durable queue.
type RabbitMQ struct {
	name      string
	queue     string
	publisher messaging.QueuePublisher
}

func NewRabbitMQ(name, queue string, publisher messaging.QueuePublisher) *RabbitMQ {
	return &RabbitMQ{name: name, queue: queue, publisher: publisher}
}

func (r *RabbitMQ) Name() string { return r.name }

func (r *RabbitMQ) publish(ctx context.Context, event interfaces.WorkflowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, r.queue, body); err != nil {
		return fmt.Errorf("rabbitmq %s: %w", r.name, err)
	}
	return nil
}

func (r *RabbitMQ) OnEnvelopeSent(ctx context.Context, event interfaces.WorkflowEvent) error {
	return r.publish(ctx, event)
}

func (r *RabbitMQ) OnEnvelopeCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return r.publish(ctx, event)
}

func (r *RabbitMQ) OnEnvelopeVoided(ctx context.Context, event interfaces.WorkflowEvent) error {
	return r.publish(ctx, event)
}

func (r *RabbitMQ) OnSignerCompleted(ctx context.Context, event interfaces.WorkflowEvent) error {
	return r.publish(ctx, event)
}
