// Package integrations dispatches workflow events (envelopeSent,
// envelopeCompleted, envelopeVoided, signerCompleted) to subscribed adapters.
//
// The Registry is the only thing the orchestrator knows about. Adapters
// implement interfaces.Integration and are registered by name: HMAC-signed
// HTTP webhooks, a Kafka topic and a RabbitMQ queue are provided.
package integrations
