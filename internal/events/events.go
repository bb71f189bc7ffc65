// Package events publishes application lifecycle changes to the downstream
// partner pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"kyc-onboarding/internal/model"
)

const (
	TypeApplicationCreated   = "application.created"
	TypeApplicationConfirmed = "application.confirmed"
	TypeApplicationRejected  = "application.rejected"
	TypeApplicationStamped   = "application.stamped"
)

// ApplicationEvent is the payload written for every lifecycle change.
type ApplicationEvent struct {
	Type          string                  `json:"type"`
	ApplicationID uint                    `json:"application_id"`
	PartnerID     uint                    `json:"partner_id"`
	TelegramID    int64                   `json:"telegram_id"`
	Status        model.ApplicationStatus `json:"status"`
	Actor         string                  `json:"actor,omitempty"`
	Remark        string                  `json:"remark,omitempty"`
	PDFURL        string                  `json:"pdf_url,omitempty"`
	OccurredAt    time.Time               `json:"occurred_at"`
}

// NewApplicationEvent fills an event from the current state of app.
func NewApplicationEvent(eventType string, app model.Application, actor string, at time.Time) ApplicationEvent {
	return ApplicationEvent{
		Type:          eventType,
		ApplicationID: app.ID,
		PartnerID:     app.PartnerID,
		TelegramID:    app.TelegramID,
		Status:        app.Status,
		Actor:         actor,
		Remark:        app.Remark,
		PDFURL:        app.PDFURL,
		OccurredAt:    at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event ApplicationEvent) error
	Close() error
}

// New returns a Kafka publisher, or a no-op one when no broker is configured.
func New(brokers []string, topic string, logger *zap.Logger) Publisher {
	if len(brokers) == 0 {
		logger.Info("application events disabled, no kafka brokers configured")
		return NopPublisher{}
	}
	return NewKafkaPublisher(brokers, topic, logger)
}

type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info("kafka publisher initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event ApplicationEvent) error {
	msg, err := buildMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	p.logger.Debug("application event published",
		zap.String("type", event.Type),
		zap.Uint("application_id", event.ApplicationID),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// buildMessage keys events by partner so one partner's events stay ordered
// on a single partition.
func buildMessage(event ApplicationEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.PartnerID), 10)),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "application_id", Value: []byte(strconv.FormatUint(uint64(event.ApplicationID), 10))},
		},
	}, nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ApplicationEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
