package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/eventfield/api/internal/services"
)

// PubSubOrderEventPublisher publishes order status changes to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderStatusChanged publishes the event and waits for the server-assigned message id.
func (p *PubSubOrderEventPublisher) PublishOrderStatusChanged(ctx context.Context, event services.OrderStatusChangedEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := map[string]string{"eventType": "order.status_changed"}
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "status", string(event.Status))
	setAttr(attrs, "provider", event.Provider)
	if event.OrderID > 0 {
		attrs["orderId"] = strconv.FormatInt(event.OrderID, 10)
	}

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if event.OrderID > 0 && p.topic.EnableMessageOrdering {
		msg.OrderingKey = attrs["orderId"]
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
