package messagebus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/keboola/docloop/internal/eventbus"
	"github.com/keboola/docloop/pkg/messages"
)

const (
	bridgeSubscriber = "nats-bridge-out"
	metaInstance     = "source_instance"
	metaFromNATS     = "from_nats"
)

// Bridge forwards local events to NATS so other instances and skill builders
// see them, and injects events published by other instances into the local
// bus so websocket clients see the whole cluster.
type Bridge struct {
	publisher  EventPublisher
	eventBus   *eventbus.EventBus
	instanceID string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	inbound *nats.Subscription
}

// NewBridge creates a bridge between the local bus and publisher
func NewBridge(publisher EventPublisher, eb *eventbus.EventBus, instanceID string) *Bridge {
	return &Bridge{
		publisher:  publisher,
		eventBus:   eb,
		instanceID: instanceID,
	}
}

// Start begins forwarding. When conn is non-nil, events from other
// instances are injected locally.
func (b *Bridge) Start(ctx context.Context, conn *nats.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)

	sub := b.eventBus.Subscribe(bridgeSubscriber, func(ev *messages.EventMessage) bool {
		return !fromNATS(ev)
	})
	go b.forwardLoop(ctx, sub)

	if conn != nil {
		inbound, err := conn.Subscribe(subjectRoot+".>", b.handleInbound)
		if err != nil {
			return err
		}
		b.inbound = inbound
	}

	log.Printf("[Bridge] Started (instance=%s)", b.instanceID)
	return nil
}

func (b *Bridge) forwardLoop(ctx context.Context, sub *eventbus.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Channel:
			if !ok {
				return
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev *messages.EventMessage) {
	out := *ev
	out.Metadata = make(map[string]interface{}, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[metaInstance] = b.instanceID

	if err := b.publisher.PublishEvent(ctx, &out); err != nil {
		log.Printf("[Bridge] Failed to forward %s for %s to NATS: %v", ev.Type, ev.EntityID, err)
	}
}

func (b *Bridge) handleInbound(msg *nats.Msg) {
	// lifecycle intake is consumed by the durable subscriber, not the bridge
	if strings.HasPrefix(msg.Subject, SubjectLifecycle+".") {
		return
	}
	var ev messages.EventMessage
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	b.inject(&ev)
}

func (b *Bridge) inject(ev *messages.EventMessage) {
	if src, ok := ev.Metadata[metaInstance]; ok && src == b.instanceID {
		return
	}
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]interface{})
	}
	ev.Metadata[metaFromNATS] = true
	if err := b.eventBus.Publish(ev); err != nil {
		log.Printf("[Bridge] Failed to inject NATS event into local bus: %v", err)
	}
}

func fromNATS(ev *messages.EventMessage) bool {
	if ev.Metadata == nil {
		return false
	}
	v, ok := ev.Metadata[metaFromNATS].(bool)
	return ok && v
}

// Close stops the bridge
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if b.inbound != nil {
		_ = b.inbound.Unsubscribe()
		b.inbound = nil
	}
	if b.started && b.eventBus != nil {
		b.eventBus.Unsubscribe(bridgeSubscriber)
	}
	b.started = false
	log.Printf("[Bridge] Closed")
}
