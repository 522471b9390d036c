// Package notify implements the notification and one-time code delivery
// collaborators. QueueNotifier hands messages to RabbitMQ workers;
// LogNotifier only logs and serves development setups.
package notify
