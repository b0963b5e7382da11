package auth

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"auth-core/internal/client"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// Notifier receives security events for out-of-band handling. Publish
// is fire-and-forget: implementations log failures and never return
// them into the login path.
type Notifier interface {
	Publish(ctx context.Context, event *model.SecurityEvent)
}

// KafkaNotifier publishes security events to the configured topic,
// keyed by identifier so events for one account stay ordered.
type KafkaNotifier struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaNotifier(producer *client.KafkaProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Publish(ctx context.Context, event *model.SecurityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal security event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}

	headers := map[string]string{"event_type": event.EventType}
	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(event.Identifier), payload, headers); err != nil {
		util.Error("Failed to publish security event",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.EventID.String()),
			zap.Error(err))
	}
}

// NopNotifier drops events. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, *model.SecurityEvent) {}
