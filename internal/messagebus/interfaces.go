// Package messagebus carries lifecycle events and graph notifications over
// NATS JetStream.
package messagebus

import (
	"context"

	"github.com/keboola/docloop/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *messages.EventMessage) error
}

// LifecyclePublisher abstracts lifecycle intake publishing for testability.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, ev *messages.LifecycleEvent) error
}

// LifecycleSubscriber abstracts lifecycle intake for testability.
type LifecycleSubscriber interface {
	SubscribeLifecycle(handler func(context.Context, *messages.LifecycleEvent) error) error
}

var (
	_ EventPublisher      = (*NatsMessageBus)(nil)
	_ LifecyclePublisher  = (*NatsMessageBus)(nil)
	_ LifecycleSubscriber = (*NatsMessageBus)(nil)
)
