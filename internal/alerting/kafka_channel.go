package alerting

import (
	"context"

	"github.com/zx159753/kernel-audit-system/internal/kafka"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// KafkaChannel publishes alerts to a Kafka topic for downstream consumers.
// The channel owns the producer and closes it when the dispatcher shuts down.
type KafkaChannel struct {
	producer *kafka.Producer
}

// NewKafkaChannel wraps an already-configured producer.
func NewKafkaChannel(producer *kafka.Producer) *KafkaChannel {
	return &KafkaChannel{producer: producer}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *schema.Alert) error {
	return k.producer.PublishAlert(ctx, alert)
}

func (k *KafkaChannel) Close() error {
	return k.producer.Close()
}
