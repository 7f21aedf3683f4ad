package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
)

const (
	subjectRoot          = "docloop"
	SubjectLifecycle     = subjectRoot + ".lifecycle"
	SubjectEvents        = subjectRoot + ".events"
	SubjectRegenerate    = subjectRoot + ".regenerate.skills"
	lifecycleConsumer    = "lifecycle-intake"
	defaultStreamName    = "DOCLOOP"
	defaultStreamMaxAge  = 24 * time.Hour
	defaultStreamMaxSize = 1024 * 1024 * 1024 // 1GB
)

// SubjectForEvent maps an event type to its subject. Regeneration triggers
// have a fixed subject so external skill builders can subscribe to it alone.
func SubjectForEvent(eventType string) string {
	if eventType == messages.TypeSkillsRegenerate {
		return SubjectRegenerate
	}
	return SubjectEvents + "." + eventType
}

// SubjectForLifecycle returns the intake subject for an entity type
func SubjectForLifecycle(entity messages.EntityType) string {
	return SubjectLifecycle + "." + strings.ToLower(string(entity))
}

// NatsMessageBus implements the message bus using NATS with JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	mu             sync.Mutex
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "DOCLOOP")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// ConfigFrom maps the nats configuration section
func ConfigFrom(cfg config.NATSConfig) Config {
	return Config{URL: cfg.URL, StreamName: cfg.StreamName, Timeout: cfg.Timeout}
}

// NewNatsMessageBus connects to NATS and ensures the JetStream stream exists
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("docloop"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[NATS] Connected to %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// streamConfig uses LimitsPolicy so several consumers can read the same
// subjects.
func (mb *NatsMessageBus) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    defaultStreamMaxAge,
		MaxBytes:  defaultStreamMaxSize,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}
}

func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := mb.streamConfig()

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[NATS] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes a graph, review or regeneration event
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	return mb.publish(ctx, SubjectForEvent(event.Type), event)
}

// PublishLifecycle publishes a lifecycle event for asynchronous intake
func (mb *NatsMessageBus) PublishLifecycle(ctx context.Context, ev *messages.LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return mb.publish(ctx, SubjectForLifecycle(ev.EntityType), ev)
}

func (mb *NatsMessageBus) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeLifecycle consumes lifecycle events with a durable consumer.
// A handler error naks the message for redelivery; malformed messages are
// terminated since redelivery cannot fix them.
func (mb *NatsMessageBus) SubscribeLifecycle(handler func(context.Context, *messages.LifecycleEvent) error) error {
	return mb.subscribe(SubjectLifecycle+".>", lifecycleConsumer, func(msg *nats.Msg) {
		var ev messages.LifecycleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[NATS] Warning: dropping malformed lifecycle message on %s: %v", msg.Subject, err)
			_ = msg.Term()
			return
		}
		if err := ev.Validate(); err != nil {
			log.Printf("[NATS] Warning: dropping invalid lifecycle event %s: %v", ev.Key(), err)
			_ = msg.Term()
			return
		}
		if err := handler(context.Background(), &ev); err != nil {
			log.Printf("[NATS] Failed to handle lifecycle event %s: %v", ev.Key(), err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
}

// SubscribeEvents consumes events of one type with a durable consumer
func (mb *NatsMessageBus) SubscribeEvents(eventType string, handler func(*messages.EventMessage)) error {
	consumerName := "events-" + strings.ReplaceAll(eventType, ".", "-")
	return mb.subscribe(SubjectForEvent(eventType), consumerName, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[NATS] Failed to unmarshal event message: %v", err)
			_ = msg.Term()
			return
		}
		handler(&event)
		_ = msg.Ack()
	})
}

// Conn returns the underlying NATS connection
func (mb *NatsMessageBus) Conn() *nats.Conn {
	return mb.conn
}

// prefixConsumer adds the optional consumer prefix for namespace isolation
func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(5),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.track(subject, sub)
	log.Printf("[NATS] Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

func (mb *NatsMessageBus) track(key string, sub *nats.Subscription) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.subscriptions[key] = sub
}

// Unsubscribe removes a subscription
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	mb.mu.Lock()
	sub, ok := mb.subscriptions[subject]
	delete(mb.subscriptions, subject)
	mb.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	subjects := make([]string, 0, len(mb.subscriptions))
	for subject := range mb.subscriptions {
		subjects = append(subjects, subject)
	}
	mb.mu.Unlock()

	for _, subject := range subjects {
		_ = mb.Unsubscribe(subject)
	}
	mb.conn.Close()
	log.Printf("[NATS] Closed connection")
	return nil
}

// Health returns an error when the connection or stream is unusable
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
