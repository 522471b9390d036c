// Package messaging holds the broker clients shared by integrations and
// notifications: a RabbitMQ client publishing to durable queues and a Kafka
// producer writing keyed JSON messages.
package messaging
