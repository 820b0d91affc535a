// Package sink fans audit entries out to external systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clavis/internal/audit"
	"clavis/internal/platform/kafka/producer"
)

// KafkaSink publishes audit entries to a Kafka topic, keyed by tenant so
// per-tenant ordering is preserved across partitions.
type KafkaSink struct {
	producer *producer.Producer
	topic    string
}

func NewKafka(p *producer.Producer, topic string) (*KafkaSink, error) {
	if p == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("audit topic is required")
	}
	return &KafkaSink{producer: p, topic: topic}, nil
}

type kafkaEntry struct {
	ID            string            `json:"id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	ActorType     string            `json:"actor_type,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	ApplicationID string            `json:"application_id,omitempty"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *KafkaSink) Publish(ctx context.Context, entry audit.Entry) error {
	payload := kafkaEntry{
		ID:           entry.ID.String(),
		OccurredAt:   entry.Timestamp,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		RequestID:    entry.RequestID,
		Metadata:     entry.Metadata,
	}
	if !entry.Actor.IsZero() {
		payload.ActorType = string(entry.Actor.Type)
		payload.ActorID = entry.Actor.ID.String()
	}
	if !entry.TenantID.IsNil() {
		payload.TenantID = entry.TenantID.String()
	}
	if !entry.ApplicationID.IsNil() {
		payload.ApplicationID = entry.ApplicationID.String()
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	return s.producer.Produce(ctx, &producer.Message{
		Topic: s.topic,
		Key:   []byte(payload.TenantID),
		Value: value,
		Headers: map[string]string{
			"action": entry.Action,
		},
	})
}
