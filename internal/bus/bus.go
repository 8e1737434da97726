// Package bus carries decisions, alerts, ingested transactions and rule
// notifications between Harrier components. ChannelBus serves a single
// process; NATSBus spans replicas.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	// ErrClosed is returned by every operation on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrTenantRequired is returned when tenantID is empty.
	ErrTenantRequired = errors.New("tenantID is required")
)

// DefaultRequestTimeout bounds Request when ctx carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// QueueSubscriber is implemented by buses that can load-balance a topic
// across the members of a named group. Each message reaches one member.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// Replier is implemented by buses that can answer a Request. Reply is a
// no-op for messages that were not sent as requests.
type Replier interface {
	Reply(ctx context.Context, msg *domain.Message, payload []byte) error
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it with a JSON content type.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeJSON decodes a message payload into v.
func DecodeJSON(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"content-type": "application/json"},
		Timestamp: time.Now().UnixNano(),
	}
}

func requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return DefaultRequestTimeout
}
