// Package events delivers plugin lifecycle events to the audit log, to
// RabbitMQ, and to Redis pub/sub subscribers.
package events
