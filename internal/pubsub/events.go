// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType says what produced an event.
type EventType string

const (
	// StateEvent carries a coordinator state change: a job, registration,
	// worker or controller update.
	StateEvent EventType = "state"
	// CommandEvent records one processed control-goroutine command.
	CommandEvent EventType = "command"
	// ErrorEvent reports a command that failed.
	ErrorEvent EventType = "error"
	// NotificationEvent carries a message delivered to a client connection.
	NotificationEvent EventType = "notification"
	// LogEvent carries one formatted log line.
	LogEvent EventType = "log"
)

// Event is a published payload stamped with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// FilteredSubscriber also subscribes to a subset of payloads.
type FilteredSubscriber[T any] interface {
	Subscriber[T]
	SubscribeFunc(ctx context.Context, filter func(T) bool) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
