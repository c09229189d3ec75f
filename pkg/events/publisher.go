// Package events publishes committed change log entries to the change feed.
// Publication happens after commit and is best effort: a failed publish
// never undoes or fails the mutation that produced the entry.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/config"
	"github.com/ekaya-inc/accounts-engine/pkg/metrics"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

// SchemaVersion is stamped on every message.
const SchemaVersion = "1"

// Publisher delivers committed change log entries.
type Publisher interface {
	PublishChange(ctx context.Context, entry *models.ChangeLogEntry) error
	Close() error
}

// ChangeEvent is the message body written to the change feed.
type ChangeEvent struct {
	EventID     uuid.UUID         `json:"event_id"`
	Sequence    int64             `json:"sequence"`
	ActionType  models.ActionType `json:"action_type"`
	EntityType  string            `json:"entity_type"`
	EntityID    uuid.UUID         `json:"entity_id"`
	EntityName  string            `json:"entity_name"`
	ActorID     string            `json:"actor_id"`
	Description string            `json:"description"`
	Details     json.RawMessage   `json:"details,omitempty"`
	RelatedIDs  []uuid.UUID       `json:"related_ids,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewChangeEvent builds the message body for an entry.
func NewChangeEvent(entry *models.ChangeLogEntry) (*ChangeEvent, error) {
	details, err := models.EncodeChangeDetails(entry.Details)
	if err != nil {
		return nil, err
	}
	return &ChangeEvent{
		EventID:     entry.ID,
		Sequence:    entry.Sequence,
		ActionType:  entry.ActionType,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		EntityName:  entry.EntityName,
		ActorID:     entry.ActorID,
		Description: entry.Description,
		Details:     details,
		RelatedIDs:  entry.RelatedIDs,
		OccurredAt:  entry.CreatedAt,
	}, nil
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes change events keyed by entity id, so all events for
// one entity land on the same partition in sequence order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for the configured brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	var compression kafka.Compression
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	default:
		compression = kafka.Snappy
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newKafkaPublisher(writer, cfg.Topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger.Named("change-feed"),
	}
}

// PublishChange writes one entry to the change feed.
func (p *KafkaPublisher) PublishChange(ctx context.Context, entry *models.ChangeLogEntry) (err error) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaPublisher.PublishChange")
	defer func() { tracing.End(span, err) }()

	event, err := NewChangeEvent(entry)
	if err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(entry.EntityID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action_type", Value: []byte(entry.ActionType)},
			{Key: "entity_type", Value: []byte(entry.EntityType)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(entry.Sequence, 10))},
			{Key: "schema_version", Value: []byte(SchemaVersion)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.ChangeFeedPublished.WithLabelValues(p.topic, metrics.OutcomeError).Inc()
		p.logger.Error("Failed to publish change event",
			zap.Int64("sequence", entry.Sequence),
			zap.String("action_type", entry.ActionType.String()),
			zap.Error(err))
		return err
	}

	metrics.ChangeFeedPublished.WithLabelValues(p.topic, metrics.OutcomeSuccess).Inc()
	p.logger.Debug("Published change event",
		zap.Int64("sequence", entry.Sequence),
		zap.String("entity_id", entry.EntityID.String()))
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards entries. Used when no brokers are configured.
type NoopPublisher struct{}

var _ Publisher = NoopPublisher{}

func (NoopPublisher) PublishChange(context.Context, *models.ChangeLogEntry) error { return nil }
func (NoopPublisher) Close() error                                                { return nil }

// NewPublisher returns a Kafka publisher when brokers are configured and a
// no-op publisher otherwise.
func NewPublisher(cfg config.KafkaConfig, logger *zap.Logger) Publisher {
	if !cfg.Enabled() {
		logger.Info("Change feed disabled (no Kafka brokers configured)")
		return NoopPublisher{}
	}
	logger.Info("Change feed enabled", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return NewKafkaPublisher(cfg, logger)
}
