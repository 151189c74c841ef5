//go:build enterprise

package checkpointworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaAuditPublisher publishes AuditEvents to a Kafka topic, the same
// producer.WriteMessages pattern internal/orchestrator/kafka.go uses for its
// DLQ publish path. Built only under the enterprise tag, matching that
// file's own gating.
type KafkaAuditPublisher struct {
	Producer *kafka.Writer
	Topic    string
}

// Publish writes ev to the configured topic, keyed by conversation id so a
// consumer can partition by conversation.
func (k *KafkaAuditPublisher) Publish(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("checkpointworker: marshal audit event: %w", err)
	}
	return k.Producer.WriteMessages(ctx, kafka.Message{
		Topic: k.Topic,
		Key:   []byte(ev.ConversationID),
		Value: payload,
	})
}
