package messaging

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueuePublisher publishes a message body to a named queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// AMQPClient holds one connection and one channel to a RabbitMQ server.
// Publishing is serialized because an AMQP channel is not safe for
// concurrent publishers.
type AMQPClient struct {
	conn *amqp.Connection

	mu  sync.Mutex
	chn *amqp.Channel
}

// DialAMQP connects to url and declares the given durable queues.
func DialAMQP(url string, queues ...string) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &AMQPClient{conn: conn, chn: chn}
	for _, q := range queues {
		if err := c.DeclareQueue(q); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// DeclareQueue declares a durable queue. Declaring an existing queue with the
// same arguments is a no-op.
func (c *AMQPClient) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.chn.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends a persistent JSON message to queue through the default exchange.
func (c *AMQPClient) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.chn.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close closes the channel and the connection.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.chn.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
